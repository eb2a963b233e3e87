package queue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/flowq/internal/store"
)

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker event")
	}
	return Event{}
}

func TestWorkerCompletesJobs(t *testing.T) {
	q, b := testQueue(t, "work")
	ctx := context.Background()

	w := NewWorker("work", b, func(ctx context.Context, job *Job) (any, error) {
		return map[string]string{"echo": job.Name}, nil
	}, WithPollInterval(20*time.Millisecond))
	sub := w.Subscribe(0)
	runWorker(t, w)

	job, err := q.Add(ctx, "hello", nil, JobOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if ev := nextEvent(t, sub); ev.Type != EventActive || ev.Job.ID != job.ID {
		t.Fatalf("first event = %s for %v", ev.Type, ev.Job)
	}
	ev := nextEvent(t, sub)
	if ev.Type != EventCompleted || string(ev.Result) != `{"echo":"hello"}` {
		t.Fatalf("second event = %s result %s", ev.Type, ev.Result)
	}

	done, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if done.State != store.StateCompleted || string(done.ReturnValue) != `{"echo":"hello"}` {
		t.Fatalf("job = %s %s", done.State, done.ReturnValue)
	}
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	q, b := testQueue(t, "flaky")
	ctx := context.Background()

	var calls atomic.Int32
	w := NewWorker("flaky", b, func(ctx context.Context, job *Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, WithPollInterval(20*time.Millisecond))
	sub := w.Subscribe(4)
	runWorker(t, w)

	job, _ := q.Add(ctx, "x", nil, JobOptions{Attempts: 2})

	nextEvent(t, sub) // active
	ev := nextEvent(t, sub)
	if ev.Type != EventFailed || !ev.Retrying || !store.IsProcessingError(ev.Err) {
		t.Fatalf("event = %+v, want retrying failure", ev)
	}
	nextEvent(t, sub) // active
	if ev := nextEvent(t, sub); ev.Type != EventCompleted {
		t.Fatalf("event = %s, want completed", ev.Type)
	}
	done := waitState(t, q, job.ID, store.StateCompleted)
	if done.AttemptsMade != 2 {
		t.Fatalf("attempts made = %d, want 2", done.AttemptsMade)
	}
}

func TestWorkerUnrecoverable(t *testing.T) {
	q, b := testQueue(t, "fatal")
	ctx := context.Background()

	w := NewWorker("fatal", b, func(ctx context.Context, job *Job) (any, error) {
		return nil, Unrecoverable(errors.New("bad input"))
	}, WithPollInterval(20*time.Millisecond))
	sub := w.Subscribe(2)
	runWorker(t, w)

	job, _ := q.Add(ctx, "x", nil, JobOptions{Attempts: 5})
	nextEvent(t, sub)
	ev := nextEvent(t, sub)
	if ev.Type != EventFailed || ev.Retrying {
		t.Fatalf("event = %+v, want final failure", ev)
	}
	failed := waitState(t, q, job.ID, store.StateFailed)
	if failed.FailedReason != "bad input" {
		t.Fatalf("failed reason = %q", failed.FailedReason)
	}
}

func TestWorkerRecoversPanic(t *testing.T) {
	q, b := testQueue(t, "panic")
	w := NewWorker("panic", b, func(ctx context.Context, job *Job) (any, error) {
		panic("boom")
	}, WithPollInterval(20*time.Millisecond))
	runWorker(t, w)

	job, _ := q.Add(context.Background(), "x", nil, JobOptions{})
	failed := waitState(t, q, job.ID, store.StateFailed)
	if failed.FailedReason != "processor panic: boom" {
		t.Fatalf("failed reason = %q", failed.FailedReason)
	}
}

func TestWorkerCloseWaitsForInFlight(t *testing.T) {
	q, b := testQueue(t, "inflight")
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	w := NewWorker("inflight", b, func(ctx context.Context, job *Job) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, WithPollInterval(20*time.Millisecond))
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	job, _ := q.Add(ctx, "slow", nil, JobOptions{})
	<-started

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-closed
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := q.GetJob(ctx, job.ID); got.State != store.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if err := w.Run(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Run after Close = %v, want ErrClosed", err)
	}
}

func TestWorkerRenewsLease(t *testing.T) {
	q, b := testQueue(t, "renew")
	ctx := context.Background()

	w := NewWorker("renew", b, func(ctx context.Context, job *Job) (any, error) {
		time.Sleep(150 * time.Millisecond)
		return nil, nil
	}, WithLeaseDuration(60*time.Millisecond), WithPollInterval(20*time.Millisecond))
	runWorker(t, w)

	job, _ := q.Add(ctx, "long", nil, JobOptions{})
	time.Sleep(100 * time.Millisecond)
	active, err := q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if active.State == store.StateActive && active.LeaseExpiresAt != nil && active.LeaseExpiresAt.Before(time.Now()) {
		t.Fatalf("lease expired while processing: %v", active.LeaseExpiresAt)
	}
	waitState(t, q, job.ID, store.StateCompleted)
}

func TestWorkerLimiter(t *testing.T) {
	q, b := testQueue(t, "limited")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.Add(ctx, "x", nil, JobOptions{})
	}

	var done atomic.Int32
	w := NewWorker("limited", b, func(ctx context.Context, job *Job) (any, error) {
		done.Add(1)
		return nil, nil
	}, WithLimiter(1, 200*time.Millisecond), WithConcurrency(3), WithPollInterval(10*time.Millisecond))
	runWorker(t, w)

	time.Sleep(100 * time.Millisecond)
	if n := done.Load(); n > 1 {
		t.Fatalf("processed %d jobs within one limiter period, want <= 1", n)
	}
}

func TestWorkerFailsRejectedResult(t *testing.T) {
	q, b := testQueue(t, "typed")
	ctx := context.Background()

	w := NewWorker("typed", b, func(ctx context.Context, job *Job) (any, error) {
		return "not a number", nil
	}, WithPollInterval(20*time.Millisecond))
	sub := w.Subscribe(4)
	runWorker(t, w)

	job, err := q.Add(ctx, "x", nil, JobOptions{
		Attempts:     3,
		ResultSchema: []byte(`{"type":"integer"}`),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	nextEvent(t, sub) // active
	ev := nextEvent(t, sub)
	if ev.Type != EventFailed || ev.Retrying {
		t.Fatalf("event = %+v, want final failure", ev)
	}
	failed := waitState(t, q, job.ID, store.StateFailed)
	if failed.FailedReason == "" {
		t.Fatal("failed reason not recorded")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	_, b := testQueue(t, "subs")
	w := NewWorker("subs", b, func(ctx context.Context, job *Job) (any, error) { return nil, nil })
	sub := w.Subscribe(0)
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("received event after unsubscribe")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed by unsubscribe")
	}
}

func TestCloseWithIdleSubscriber(t *testing.T) {
	q, b := testQueue(t, "idle")
	ctx := context.Background()

	started := make(chan struct{})
	w := NewWorker("idle", b, func(ctx context.Context, job *Job) (any, error) {
		close(started)
		return "ok", nil
	}, WithPollInterval(20*time.Millisecond))
	sub := w.Subscribe(0) // never read
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	job, err := q.Add(ctx, "x", nil, JobOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	// The active event blocks until Close; give the claim time to happen.
	waitState(t, q, job.ID, store.StateActive)

	closed := make(chan struct{})
	go func() {
		w.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close blocked on a subscriber that does not read")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-started
	waitState(t, q, job.ID, store.StateCompleted)

	for range sub.C() {
	}
}

type lostLeaseBackend struct {
	*LocalBackend
}

func (lostLeaseBackend) ExtendLease(ctx context.Context, queue, id, token string, lease time.Duration) (*store.Job, error) {
	return nil, store.NewTransitionConflict("lease expired")
}

func TestWorkerReportsLostLease(t *testing.T) {
	q, b := testQueue(t, "lost")
	ctx := context.Background()

	w := NewWorker("lost", lostLeaseBackend{b}, func(ctx context.Context, job *Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, WithLeaseDuration(100*time.Millisecond), WithPollInterval(20*time.Millisecond))
	sub := w.Subscribe(4)
	runWorker(t, w)

	job, _ := q.Add(ctx, "x", nil, JobOptions{})
	if ev := nextEvent(t, sub); ev.Type != EventActive {
		t.Fatalf("event = %s, want active", ev.Type)
	}
	ev := nextEvent(t, sub)
	if ev.Type != EventStalled || ev.Job.ID != job.ID {
		t.Fatalf("event = %s for %v, want stalled", ev.Type, ev.Job)
	}
	if !store.IsStallRecovery(ev.Err) {
		t.Fatalf("stalled event err = %v", ev.Err)
	}
}

func TestWorkerID(t *testing.T) {
	_, b := testQueue(t, "ids")
	a := NewWorker("ids", b, nil)
	c := NewWorker("ids", b, nil)
	if !strings.HasPrefix(a.ID(), "wrk_") || a.ID() == c.ID() {
		t.Fatalf("worker ids = %q, %q", a.ID(), c.ID())
	}
}
