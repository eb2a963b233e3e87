package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/flowq/internal/events"
	"github.com/user/flowq/internal/raft"
	"github.com/user/flowq/internal/server"
	"github.com/user/flowq/internal/store"
	"github.com/user/flowq/pkg/queue"
)

func testStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	da, err := raft.NewDirectApplier(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectApplier: %v", err)
	}
	t.Cleanup(func() { da.Close() })
	opts = append(opts, store.WithReadDB(da.SQLiteDB()))
	return store.NewStore(da, da.PebbleDB(), opts...)
}

func testClient(t *testing.T, srvOpts ...server.Option) *Client {
	t.Helper()
	broker := events.NewBroker(nil)
	t.Cleanup(broker.Close)
	s := testStore(t, store.WithPublisher(broker))
	srvOpts = append(srvOpts, server.WithBroker(broker))
	srv := server.New(s, ":0", srvOpts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestClientAddAndGet(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	job, err := c.AddJob(ctx, "emails", "welcome", json.RawMessage(`{"to":"a@b.c"}`), store.JobOptions{Priority: 3})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if job.ID == "" || job.State != store.StatePrioritized {
		t.Fatalf("job = %+v", job)
	}

	got, err := c.GetJob(ctx, "emails", job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "welcome" || string(got.Data) != `{"to":"a@b.c"}` {
		t.Fatalf("got = %+v", got)
	}

	counts, err := c.GetJobCounts(ctx, "emails", store.StatePrioritized, store.StateWaiting)
	if err != nil {
		t.Fatalf("GetJobCounts: %v", err)
	}
	if counts[store.StatePrioritized] != 1 || counts[store.StateWaiting] != 0 {
		t.Fatalf("counts = %v", counts)
	}

	jobs, err := c.ListJobs(ctx, "emails", store.StatePrioritized, 10)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("ListJobs = %v", jobs)
	}
}

func TestClientTypedErrors(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if _, err := c.GetJob(ctx, "emails", "missing"); !store.IsNotFound(err) {
		t.Fatalf("GetJob missing = %v, want not found", err)
	}
	_, err := c.AddJob(ctx, "emails", "x", nil, store.JobOptions{Priority: store.MaxPriority + 1})
	if !store.IsValidationError(err) {
		t.Fatalf("AddJob bad priority = %v, want validation", err)
	}

	job, _ := c.AddJob(ctx, "emails", "x", nil, store.JobOptions{})
	claimed, err := c.Claim(ctx, "emails", time.Minute, 0)
	if err != nil || claimed == nil {
		t.Fatalf("Claim = %v, %v", claimed, err)
	}
	if _, err := c.Complete(ctx, "emails", job.ID, "wrong", nil); !store.IsTransitionConflict(err) {
		t.Fatalf("Complete wrong token = %v, want conflict", err)
	}
}

func TestClientQueueAdmin(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.AddJob(ctx, "admin", "x", nil, store.JobOptions{})
	}
	c.AddJob(ctx, "admin", "later", nil, store.JobOptions{DelayMs: 60_000})

	if err := c.Pause(ctx, "admin"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused, err := c.IsPaused(ctx, "admin"); err != nil || !paused {
		t.Fatalf("IsPaused = %v, %v", paused, err)
	}
	if err := c.Resume(ctx, "admin"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	n, err := c.PromoteJobs(ctx, "admin", 0)
	if err != nil || n != 1 {
		t.Fatalf("PromoteJobs = %d, %v", n, err)
	}
	n, err = c.Drain(ctx, "admin", false)
	if err != nil || n != 4 {
		t.Fatalf("Drain = %d, %v", n, err)
	}

	queues, err := c.ListQueues(ctx)
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(queues) != 1 || queues[0].Name != "admin" {
		t.Fatalf("queues = %+v", queues)
	}
}

func TestClientAddJobsSingleQueue(t *testing.T) {
	c := testClient(t)
	_, err := c.AddJobs(context.Background(), []store.NewJob{
		{Queue: "a", Name: "x"},
		{Queue: "b", Name: "y"},
	})
	if !store.IsValidationError(err) {
		t.Fatalf("AddJobs across queues = %v, want validation", err)
	}
}

func TestClientAsQueueBackend(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	q, err := queue.New("remote", c)
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	if err := q.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}
	job, err := q.Add(ctx, "sum", []int{1, 2, 3}, queue.JobOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	w := queue.NewWorker("remote", c, func(ctx context.Context, job *queue.Job) (any, error) {
		var nums []int
		if err := json.Unmarshal(job.Data, &nums); err != nil {
			return nil, err
		}
		total := 0
		for _, n := range nums {
			total += n
		}
		return total, nil
	}, queue.WithPollInterval(100*time.Millisecond))
	sub := w.Subscribe(2)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	defer func() {
		w.Close()
		if err := <-errCh; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Type != queue.EventCompleted {
				continue
			}
			if ev.Job.ID != job.ID || string(ev.Result) != "6" {
				t.Fatalf("completed %s with %s", ev.Job.ID, ev.Result)
			}
			done, err := q.GetJob(ctx, job.ID)
			if err != nil {
				t.Fatalf("GetJob: %v", err)
			}
			if done.State != store.StateCompleted {
				t.Fatalf("state = %s", done.State)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
}

func TestClientToken(t *testing.T) {
	auth, err := server.NewJWTAuthenticator("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}
	c := testClient(t, server.WithAuth(auth))
	ctx := context.Background()

	if _, err := c.ListQueues(ctx); store.CodeOf(err) != "UNAUTHORIZED" {
		t.Fatalf("ListQueues without token = %v", err)
	}
	token, err := auth.IssueToken("ops", server.RoleAdmin, nil, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	c.Token = token
	if _, err := c.ListQueues(ctx); err != nil {
		t.Fatalf("ListQueues with token: %v", err)
	}
}
