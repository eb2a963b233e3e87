package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/user/flowq/internal/observability"
	"github.com/user/flowq/internal/store"
)

// Processor handles one job. The returned value is stored as the job's
// return value. Return Unrecoverable(err) to fail without retrying.
type Processor func(ctx context.Context, job *Job) (any, error)

// Worker claims jobs from one queue and runs a Processor on them.
type Worker struct {
	id           string
	queue        string
	backend      WorkerBackend
	processor    Processor
	concurrency  int
	lease        time.Duration
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger

	mu       sync.Mutex
	subs     []*Subscription
	running  bool
	closed   bool
	stop     context.CancelFunc
	stopping <-chan struct{}
	done     chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets how many jobs run at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithLeaseDuration sets the claim lease. The worker renews it every
// half lease while the processor runs.
func WithLeaseDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lease = d
		}
	}
}

// WithPollInterval bounds how long one claim waits for a job.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithLimiter caps claims at max jobs per period across all slots.
func WithLimiter(max int, per time.Duration) WorkerOption {
	return func(w *Worker) {
		if max > 0 && per > 0 {
			w.limiter = rate.NewLimiter(rate.Every(per/time.Duration(max)), max)
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker returns a worker for queue. Call Run to start it.
func NewWorker(queue string, backend WorkerBackend, processor Processor, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:           store.NewWorkerID(),
		queue:        queue,
		backend:      backend,
		processor:    processor,
		concurrency:  1,
		lease:        store.DefaultLeaseDuration,
		pollInterval: time.Second,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.With("worker_id", w.id, "queue", queue)
	return w
}

// ID returns the worker's unique identifier.
func (w *Worker) ID() string { return w.id }

// Run claims and processes jobs until ctx is done or Close is called. It
// returns after every in-flight job has finished.
func (w *Worker) Run(ctx context.Context) error {
	if err := store.ValidateQueueName(w.queue); err != nil {
		return err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.id)
	}
	claimCtx, stop := context.WithCancel(ctx)
	w.running = true
	w.stop = stop
	w.stopping = claimCtx.Done()
	w.done = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker started", "concurrency", w.concurrency, "lease", w.lease)
	defer func() {
		stop()
		w.mu.Lock()
		w.running = false
		for _, s := range w.subs {
			s.finish()
		}
		w.subs = nil
		close(w.done)
		w.mu.Unlock()
		w.logger.Info("worker stopped")
	}()

	g, gctx := errgroup.WithContext(claimCtx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			w.slot(gctx, ctx)
			return nil
		})
	}
	return g.Wait()
}

// slot claims one job at a time on claimCtx and processes it on runCtx,
// so Close stops claiming without cancelling jobs in flight.
func (w *Worker) slot(claimCtx, runCtx context.Context) {
	for claimCtx.Err() == nil {
		if w.limiter != nil {
			if err := w.limiter.Wait(claimCtx); err != nil {
				return
			}
		}
		job, err := w.backend.Claim(claimCtx, w.queue, w.lease, w.pollInterval)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			w.logger.Warn("claim failed", "error", err)
			select {
			case <-claimCtx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(runCtx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	ctx, span := observability.Tracer().Start(ctx, "process "+job.Queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("flowq.queue", job.Queue),
			attribute.String("flowq.job_id", job.ID),
			attribute.String("flowq.job_name", job.Name),
			attribute.Int("flowq.attempt", job.AttemptsMade+1),
		),
	)
	defer span.End()

	w.emit(Event{Type: EventActive, Job: job})

	jobCtx, cancel := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLease(jobCtx, cancel, job)
	}()

	result, perr := w.run(jobCtx, job)
	cancel()
	<-renewDone

	if perr != nil {
		span.RecordError(perr)
		span.SetStatus(codes.Error, perr.Error())
		w.fail(ctx, job, perr)
		return
	}
	w.complete(ctx, job, result)
}

// run calls the processor, turning a panic into an error.
func (w *Worker) run(ctx context.Context, job *Job) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("processor panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return w.processor(ctx, job)
}

// renewLease extends the claim every half lease. Losing the claim
// cancels the job context.
func (w *Worker) renewLease(ctx context.Context, cancel context.CancelFunc, job *Job) {
	ticker := time.NewTicker(w.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.backend.ExtendLease(ctx, job.Queue, job.ID, job.Token, w.lease); err != nil {
				if ctx.Err() != nil {
					return
				}
				if store.IsTransitionConflict(err) || store.IsNotFound(err) {
					w.logger.Warn("lease lost", "job_id", job.ID, "error", err)
					cancel()
					w.emit(Event{
						Type: EventStalled,
						Job:  job,
						Err:  store.NewStallRecoveryError(job.Key(), job.StalledCount+1),
					})
					return
				}
				w.logger.Warn("extend lease failed", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (w *Worker) complete(ctx context.Context, job *Job, result any) {
	rv, err := marshalData(result)
	if err != nil {
		w.fail(ctx, job, Unrecoverable(err))
		return
	}
	res, err := w.backend.Complete(ctx, job.Queue, job.ID, job.Token, rv)
	if err != nil {
		if store.IsValidationError(err) {
			// Result schema rejected the value.
			w.fail(ctx, job, Unrecoverable(err))
			return
		}
		w.logCommitError("complete", job, err)
		return
	}
	w.emit(Event{Type: EventCompleted, Job: res.Job, Result: rv})
}

func (w *Worker) fail(ctx context.Context, job *Job, perr error) {
	reason := perr.Error()
	res, err := w.backend.Fail(ctx, job.Queue, job.ID, job.Token, reason, IsUnrecoverable(perr))
	if err != nil {
		w.logCommitError("fail", job, err)
		return
	}
	w.emit(Event{
		Type:     EventFailed,
		Job:      res.Job,
		Err:      store.NewProcessingError(reason),
		Retrying: res.Retrying,
	})
}

// logCommitError drops transition conflicts: the job was reclaimed and
// belongs to another worker now.
func (w *Worker) logCommitError(op string, job *Job, err error) {
	if store.IsTransitionConflict(err) {
		w.logger.Warn("job no longer owned", "op", op, "job_id", job.ID, "error", err)
		return
	}
	w.logger.Error("commit job result", "op", op, "job_id", job.ID, "error", err)
}

// WaitUntilReady blocks until the backend accepts worker calls.
func (w *Worker) WaitUntilReady(ctx context.Context) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return waitReady(ctx, w.backend.Ready)
}

// Close stops claiming and waits for in-flight jobs to finish. Jobs
// already claimed are processed to completion.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	running, stop, done := w.running, w.stop, w.done
	w.mu.Unlock()

	if running {
		stop()
		<-done
	}
	return nil
}

// EventType names a worker notification.
type EventType string

const (
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled" // claim lost; Err is a stall recovery error
)

// Event is a worker notification about one job.
type Event struct {
	Type     EventType
	Job      *Job
	Result   json.RawMessage
	Err      error
	Retrying bool
}

// emitGrace bounds how long a stopping worker waits on a subscriber that
// is not reading.
const emitGrace = time.Second

// Subscription delivers worker events in per-job order. Sends block until
// the subscriber reads or unsubscribes, so a slow reader slows the worker.
type Subscription struct {
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closed bool
	w      *Worker
}

// Subscribe registers a listener with the given channel buffer.
func (w *Worker) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{ch: make(chan Event, buffer), done: make(chan struct{}), w: w}
	w.mu.Lock()
	w.subs = append(w.subs, s)
	w.mu.Unlock()
	return s
}

// C returns the event channel. It is closed by Unsubscribe and when the
// worker stops.
func (s *Subscription) C() <-chan Event { return s.ch }

// Unsubscribe stops delivery and closes C. Pending sends are abandoned.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { close(s.done) })
	s.w.mu.Lock()
	for i, sub := range s.w.subs {
		if sub == s {
			s.w.subs = append(s.w.subs[:i], s.w.subs[i+1:]...)
			break
		}
	}
	s.w.mu.Unlock()
	s.finish()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send holds s.mu so finish cannot close the channel mid-send. Once the
// worker is stopping, a reader that does not take ev within emitGrace is
// skipped.
func (s *Subscription) send(ev Event, stopping <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	case <-s.done:
		return
	case <-stopping:
	}
	t := time.NewTimer(emitGrace)
	defer t.Stop()
	select {
	case s.ch <- ev:
	case <-s.done:
	case <-t.C:
	}
}

func (w *Worker) emit(ev Event) {
	w.mu.Lock()
	subs := append([]*Subscription(nil), w.subs...)
	stopping := w.stopping
	w.mu.Unlock()
	for _, s := range subs {
		s.send(ev, stopping)
	}
}
