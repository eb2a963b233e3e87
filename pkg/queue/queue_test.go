package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/user/flowq/internal/raft"
	"github.com/user/flowq/internal/store"
)

func testBackend(t *testing.T) (*LocalBackend, *store.Store) {
	t.Helper()
	da, err := raft.NewDirectApplier(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectApplier: %v", err)
	}
	t.Cleanup(func() { da.Close() })
	s := store.NewStore(da, da.PebbleDB(), store.WithReadDB(da.SQLiteDB()))
	return NewLocalBackend(s), s
}

func testQueue(t *testing.T, name string, opts ...Option) (*Queue, *LocalBackend) {
	t.Helper()
	b, _ := testBackend(t)
	q, err := New(name, b, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, b
}

func TestNewRequiresName(t *testing.T) {
	b, _ := testBackend(t)
	for _, name := range []string{"", "  "} {
		_, err := New(name, b)
		if !store.IsValidationError(err) {
			t.Fatalf("New(%q) err = %v, want validation error", name, err)
		}
		if err.Error() != "queue name must be provided" {
			t.Fatalf("New(%q) message = %q", name, err.Error())
		}
	}
	if _, err := New("a:b", b); !store.IsValidationError(err) {
		t.Fatalf("New(a:b) err = %v, want validation error", err)
	}
}

func TestAddBulkDefaults(t *testing.T) {
	q, _ := testQueue(t, "bulk", WithDefaultJobOptions(JobOptions{Attempts: 3, Backoff: &Backoff{Type: store.BackoffFixed, DelayMs: 10}}))
	ctx := context.Background()

	jobs, err := q.AddBulk(ctx, []BulkJob{
		{Data: map[string]int{"i": 1}},
		{Name: "named", Data: map[string]int{"i": 2}, Opts: JobOptions{Attempts: 5}},
	})
	if err != nil {
		t.Fatalf("AddBulk: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if jobs[0].Name != store.DefaultJobName {
		t.Errorf("default name = %q", jobs[0].Name)
	}
	if jobs[0].Opts.Attempts != 3 || jobs[0].Opts.Backoff == nil {
		t.Errorf("defaults not merged: %+v", jobs[0].Opts)
	}
	if jobs[1].Opts.Attempts != 5 || jobs[1].Opts.Backoff == nil {
		t.Errorf("explicit opts lost: %+v", jobs[1].Opts)
	}

	n, err := q.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}

func TestAddBulkIsAtomic(t *testing.T) {
	q, _ := testQueue(t, "atomic")
	ctx := context.Background()
	_, err := q.AddBulk(ctx, []BulkJob{
		{Name: "ok"},
		{Name: "bad", Opts: JobOptions{Priority: -1}},
	})
	if !store.IsValidationError(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if n, _ := q.Count(ctx); n != 0 {
		t.Fatalf("Count = %d after failed bulk, want 0", n)
	}
}

func TestQueueAdmin(t *testing.T) {
	q, _ := testQueue(t, "admin")
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := q.Add(ctx, "job", nil, JobOptions{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := q.Add(ctx, "later", nil, JobOptions{DelayMs: 60_000}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := q.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused, _ := q.IsPaused(ctx); !paused {
		t.Fatal("IsPaused = false")
	}
	counts, err := q.GetJobCounts(ctx, store.StatePaused, store.StateDelayed)
	if err != nil {
		t.Fatalf("GetJobCounts: %v", err)
	}
	if counts[store.StatePaused] != 2 || counts[store.StateDelayed] != 1 {
		t.Fatalf("counts = %v", counts)
	}

	n, err := q.Drain(ctx, false)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("Drain = %d, want 2", n)
	}
	if total, _ := q.GetJobCountByTypes(ctx, store.StateDelayed); total != 1 {
		t.Fatalf("delayed = %d, want 1 (drain without delayed)", total)
	}
	if err := q.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if moved, _ := q.PromoteJobs(ctx, 0); moved != 1 {
		t.Fatalf("PromoteJobs = %d, want 1", moved)
	}
}

func TestClosedQueue(t *testing.T) {
	q, _ := testQueue(t, "closed")
	q.Close()
	ctx := context.Background()
	if _, err := q.Add(ctx, "x", nil, JobOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Add after Close = %v, want ErrClosed", err)
	}
	if err := q.WaitUntilReady(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("WaitUntilReady after Close = %v", err)
	}
}

func TestWaitUntilReadyClosedStore(t *testing.T) {
	b, s := testBackend(t)
	q, _ := New("ready", b)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	s.Close()
	if err := q.WaitUntilReady(ctx); !store.IsStoreUnavailable(err) {
		t.Fatalf("WaitUntilReady on closed store = %v, want unavailable", err)
	}
}

func TestFlowProducerAndChildrenValues(t *testing.T) {
	b, _ := testBackend(t)
	ctx := context.Background()
	fp := NewFlowProducer(b)
	defer fp.Close()

	node, err := fp.Add(ctx, FlowJob{
		Name:  "report",
		Queue: "reports",
		Children: []FlowJob{
			{Name: "part", Queue: "parts", Data: map[string]int{"n": 1}},
			{Name: "part", Queue: "parts", Data: map[string]int{"n": 2}},
		},
	})
	if err != nil {
		t.Fatalf("FlowProducer.Add: %v", err)
	}
	if node.Job.State != store.StateWaitingChildren || len(node.Children) != 2 {
		t.Fatalf("root = %s with %d children", node.Job.State, len(node.Children))
	}

	parts := NewWorker("parts", b, func(ctx context.Context, job *Job) (any, error) {
		var in struct{ N int }
		if err := json.Unmarshal(job.Data, &in); err != nil {
			return nil, err
		}
		return in.N * 10, nil
	}, WithPollInterval(20*time.Millisecond))
	runWorker(t, parts)

	reports, _ := New("reports", b)
	waitState(t, reports, node.Job.ID, store.StateWaiting)

	values, err := reports.GetChildrenValues(ctx, node.Job.ID)
	if err != nil {
		t.Fatalf("GetChildrenValues: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("children values = %v", values)
	}
	for _, c := range node.Children {
		if _, ok := values[c.Job.Key().String()]; !ok {
			t.Errorf("missing value for %s", c.Job.Key())
		}
	}
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		w.Close()
		if err := <-errCh; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func waitState(t *testing.T, q *Queue, id string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := q.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if job.State == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s state = %s, want %s", id, job.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPrioritizedCountAndDrain(t *testing.T) {
	q, _ := testQueue(t, "ranked")
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		if _, err := q.Add(ctx, "x", nil, JobOptions{Priority: i}); err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
	}
	if n, err := q.Count(ctx); err != nil || n != 100 {
		t.Fatalf("Count = %d, %v; want 100", n, err)
	}
	if n, err := q.GetJobCountByTypes(ctx, store.StatePrioritized); err != nil || n != 100 {
		t.Fatalf("prioritized = %d, %v; want 100", n, err)
	}
	if _, err := q.Drain(ctx, false); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n, _ := q.Count(ctx); n != 0 {
		t.Fatalf("Count after drain = %d", n)
	}
}

func TestPausedQueueAddAndDrain(t *testing.T) {
	q, _ := testQueue(t, "held")
	ctx := context.Background()

	if err := q.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	for i := 0; i < 50; i++ {
		if _, err := q.Add(ctx, "x", i, JobOptions{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	counts, err := q.GetJobCounts(ctx, store.StatePaused)
	if err != nil {
		t.Fatalf("GetJobCounts: %v", err)
	}
	if counts[store.StatePaused] != 50 {
		t.Fatalf("paused = %d, want 50", counts[store.StatePaused])
	}
	if n, err := q.Drain(ctx, false); err != nil || n != 50 {
		t.Fatalf("Drain = %d, %v; want 50", n, err)
	}
	if n, _ := q.Count(ctx); n != 0 {
		t.Fatalf("Count after drain = %d", n)
	}
}

func TestFlowSameQueueChildren(t *testing.T) {
	b, _ := testBackend(t)
	ctx := context.Background()
	q, err := New("tree", b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	node, err := NewFlowProducer(b).Add(ctx, FlowJob{
		Name:     "root",
		Queue:    "tree",
		Children: []FlowJob{{Name: "c", Queue: "tree"}, {Name: "c", Queue: "tree"}, {Name: "c", Queue: "tree"}},
	})
	if err != nil {
		t.Fatalf("FlowProducer.Add: %v", err)
	}
	if n, _ := q.Count(ctx); n != 4 {
		t.Fatalf("Count = %d, want 4", n)
	}

	for i := 0; i < 3; i++ {
		job, err := b.Claim(ctx, "tree", time.Minute, 0)
		if err != nil || job == nil {
			t.Fatalf("Claim child %d: %v, %v", i, job, err)
		}
		if job.ID == node.Job.ID {
			t.Fatalf("claimed parent before its children finished")
		}
		if _, err := b.Complete(ctx, "tree", job.ID, job.Token, nil); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	waitState(t, q, node.Job.ID, store.StateWaiting)
	parent, err := b.Claim(ctx, "tree", time.Minute, 0)
	if err != nil || parent == nil || parent.ID != node.Job.ID {
		t.Fatalf("Claim parent = %v, %v", parent, err)
	}
}
