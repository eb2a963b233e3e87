package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/user/flowq/internal/store"
)

// Shared data types.
type (
	Job              = store.Job
	JobOptions       = store.JobOptions
	JobKey           = store.JobKey
	State            = store.State
	Backoff          = store.Backoff
	RetryJobsRequest = store.RetryJobsRequest
	Dependencies     = store.Dependencies
)

// WorkerBackend is the subset of operations a Worker needs.
type WorkerBackend interface {
	// Claim returns the next job, waiting up to wait for one. It returns
	// nil, nil when none became available.
	Claim(ctx context.Context, queue string, lease, wait time.Duration) (*store.Job, error)
	Complete(ctx context.Context, queue, id, token string, returnValue json.RawMessage) (*store.CompleteResult, error)
	Fail(ctx context.Context, queue, id, token, reason string, unrecoverable bool) (*store.FailResult, error)
	ExtendLease(ctx context.Context, queue, id, token string, lease time.Duration) (*store.Job, error)
	Ready(ctx context.Context) error
}

// Backend is the full set of queue operations.
type Backend interface {
	WorkerBackend

	AddJobs(ctx context.Context, jobs []store.NewJob) (*store.AddJobsResult, error)
	AddFlow(ctx context.Context, root store.FlowNode) (*store.FlowResult, error)
	Pause(ctx context.Context, queue string) error
	Resume(ctx context.Context, queue string) error
	IsPaused(ctx context.Context, queue string) (bool, error)
	Drain(ctx context.Context, queue string, delayed bool) (int, error)
	RetryJobs(ctx context.Context, queue string, req store.RetryJobsRequest) (int, error)
	PromoteJobs(ctx context.Context, queue string, count int) (int, error)
	RemoveDeprecatedPriorityKey(ctx context.Context, queue string) (int, error)
	GetJob(ctx context.Context, queue, id string) (*store.Job, error)
	RemoveJob(ctx context.Context, queue, id string) error
	GetJobCounts(ctx context.Context, queue string, states ...store.State) (map[store.State]int, error)
	GetDependencies(ctx context.Context, queue, id string) (*store.Dependencies, error)
	Clean(ctx context.Context, queue string, state store.State, grace time.Duration, limit int) (int, error)
}

// LocalBackend runs operations directly against an in-process store.
type LocalBackend struct {
	store *store.Store
	poll  time.Duration
}

var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend wraps s.
func NewLocalBackend(s *store.Store) *LocalBackend {
	return &LocalBackend{store: s, poll: 20 * time.Millisecond}
}

func (b *LocalBackend) Claim(ctx context.Context, queue string, lease, wait time.Duration) (*store.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		job, err := b.store.Claim(queue, lease)
		if err != nil || job != nil {
			return job, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(b.poll):
		}
	}
}

func (b *LocalBackend) Complete(_ context.Context, queue, id, token string, rv json.RawMessage) (*store.CompleteResult, error) {
	return b.store.Complete(queue, id, token, rv)
}

func (b *LocalBackend) Fail(_ context.Context, queue, id, token, reason string, unrecoverable bool) (*store.FailResult, error) {
	return b.store.Fail(queue, id, token, reason, unrecoverable)
}

func (b *LocalBackend) ExtendLease(_ context.Context, queue, id, token string, lease time.Duration) (*store.Job, error) {
	return b.store.ExtendLease(queue, id, token, lease)
}

func (b *LocalBackend) Ready(context.Context) error { return b.store.Ready() }

func (b *LocalBackend) AddJobs(_ context.Context, jobs []store.NewJob) (*store.AddJobsResult, error) {
	return b.store.AddJobs(jobs)
}

func (b *LocalBackend) AddFlow(_ context.Context, root store.FlowNode) (*store.FlowResult, error) {
	return b.store.AddFlow(root)
}

func (b *LocalBackend) Pause(_ context.Context, queue string) error  { return b.store.Pause(queue) }
func (b *LocalBackend) Resume(_ context.Context, queue string) error { return b.store.Resume(queue) }

func (b *LocalBackend) IsPaused(_ context.Context, queue string) (bool, error) {
	return b.store.IsPaused(queue)
}

func (b *LocalBackend) Drain(_ context.Context, queue string, delayed bool) (int, error) {
	return b.store.Drain(queue, delayed)
}

func (b *LocalBackend) RetryJobs(_ context.Context, queue string, req store.RetryJobsRequest) (int, error) {
	return b.store.RetryJobs(queue, req)
}

func (b *LocalBackend) PromoteJobs(_ context.Context, queue string, count int) (int, error) {
	return b.store.PromoteJobs(queue, count)
}

func (b *LocalBackend) RemoveDeprecatedPriorityKey(_ context.Context, queue string) (int, error) {
	return b.store.RemoveDeprecatedPriorityKey(queue)
}

func (b *LocalBackend) GetJob(_ context.Context, queue, id string) (*store.Job, error) {
	return b.store.GetJob(queue, id)
}

func (b *LocalBackend) RemoveJob(_ context.Context, queue, id string) error {
	return b.store.RemoveJob(queue, id)
}

func (b *LocalBackend) GetJobCounts(_ context.Context, queue string, states ...store.State) (map[store.State]int, error) {
	return b.store.GetJobCounts(queue, states...)
}

func (b *LocalBackend) GetDependencies(_ context.Context, queue, id string) (*store.Dependencies, error) {
	return b.store.GetDependencies(queue, id)
}

func (b *LocalBackend) Clean(_ context.Context, queue string, state store.State, grace time.Duration, limit int) (int, error) {
	return b.store.Clean(queue, state, grace, limit)
}
