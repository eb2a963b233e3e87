package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/flowq/internal/store"
)

// Queue is a producer and admin handle for one named queue.
type Queue struct {
	name     string
	backend  Backend
	defaults JobOptions
	logger   *slog.Logger
	closed   atomic.Bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithDefaultJobOptions sets options merged into every added job.
func WithDefaultJobOptions(o JobOptions) Option {
	return func(q *Queue) { q.defaults = o }
}

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New returns a handle for queue name.
func New(name string, backend Backend, opts ...Option) (*Queue, error) {
	if err := store.ValidateQueueName(name); err != nil {
		return nil, err
	}
	q := &Queue{name: name, backend: backend, logger: slog.Default()}
	for _, o := range opts {
		o(q)
	}
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) check() error {
	if q.closed.Load() {
		return ErrClosed
	}
	return nil
}

// BulkJob is one entry of AddBulk.
type BulkJob struct {
	Name string
	Data any
	Opts JobOptions
}

// Add creates a job. An empty name becomes the default job name.
func (q *Queue) Add(ctx context.Context, name string, data any, opts JobOptions) (*Job, error) {
	jobs, err := q.AddBulk(ctx, []BulkJob{{Name: name, Data: data, Opts: opts}})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// AddBulk creates all jobs atomically: either every job exists afterwards
// or none was added.
func (q *Queue) AddBulk(ctx context.Context, jobs []BulkJob) ([]*Job, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	req := make([]store.NewJob, len(jobs))
	for i, j := range jobs {
		data, err := marshalData(j.Data)
		if err != nil {
			return nil, err
		}
		name := j.Name
		if name == "" {
			name = store.DefaultJobName
		}
		req[i] = store.NewJob{Queue: q.name, Name: name, Data: data, Opts: j.Opts.Merge(q.defaults)}
	}
	res, err := q.backend.AddJobs(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

// Count returns the number of jobs waiting to be processed: waiting,
// paused, delayed, prioritized and waiting-children.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.GetJobCountByTypes(ctx, store.CountStates...)
}

// GetJobCounts returns per-state counts. No states means all states.
func (q *Queue) GetJobCounts(ctx context.Context, states ...State) (map[State]int, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	return q.backend.GetJobCounts(ctx, q.name, states...)
}

// GetJobCountByTypes returns the summed count of the given states.
func (q *Queue) GetJobCountByTypes(ctx context.Context, states ...State) (int, error) {
	counts, err := q.GetJobCounts(ctx, states...)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	if err := q.check(); err != nil {
		return err
	}
	return q.backend.Pause(ctx, q.name)
}

func (q *Queue) Resume(ctx context.Context) error {
	if err := q.check(); err != nil {
		return err
	}
	return q.backend.Resume(ctx, q.name)
}

func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	if err := q.check(); err != nil {
		return false, err
	}
	return q.backend.IsPaused(ctx, q.name)
}

// Drain removes jobs that have not started, and delayed jobs too when
// delayed is set. Active and finished jobs are untouched.
func (q *Queue) Drain(ctx context.Context, delayed bool) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	n, err := q.backend.Drain(ctx, q.name, delayed)
	if err == nil {
		q.logger.Debug("queue drained", "queue", q.name, "removed", n, "delayed", delayed)
	}
	return n, err
}

// RetryJobs moves failed jobs (or completed with req.State) back to the
// runnable pool.
func (q *Queue) RetryJobs(ctx context.Context, req RetryJobsRequest) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	return q.backend.RetryJobs(ctx, q.name, req)
}

// PromoteJobs makes delayed jobs runnable now.
func (q *Queue) PromoteJobs(ctx context.Context, count int) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	return q.backend.PromoteJobs(ctx, q.name, count)
}

func (q *Queue) RemoveDeprecatedPriorityKey(ctx context.Context) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	return q.backend.RemoveDeprecatedPriorityKey(ctx, q.name)
}

func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	return q.backend.GetJob(ctx, q.name, id)
}

func (q *Queue) RemoveJob(ctx context.Context, id string) error {
	if err := q.check(); err != nil {
		return err
	}
	return q.backend.RemoveJob(ctx, q.name, id)
}

// GetDependencies returns a parent's children grouped by resolution.
func (q *Queue) GetDependencies(ctx context.Context, id string) (*Dependencies, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	return q.backend.GetDependencies(ctx, q.name, id)
}

// GetChildrenValues returns the return values of completed children keyed
// "queue:id".
func (q *Queue) GetChildrenValues(ctx context.Context, id string) (map[string]json.RawMessage, error) {
	deps, err := q.GetDependencies(ctx, id)
	if err != nil {
		return nil, err
	}
	return deps.Processed, nil
}

// Clean removes up to limit jobs in state older than grace. A zero limit
// removes all of them.
func (q *Queue) Clean(ctx context.Context, state State, grace time.Duration, limit int) (int, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	return q.backend.Clean(ctx, q.name, state, grace, limit)
}

// WaitUntilReady blocks until the backend accepts writes.
func (q *Queue) WaitUntilReady(ctx context.Context) error {
	if err := q.check(); err != nil {
		return err
	}
	return waitReady(ctx, q.backend.Ready)
}

// Close releases the handle. The backend is left open.
func (q *Queue) Close() error {
	q.closed.Store(true)
	return nil
}
