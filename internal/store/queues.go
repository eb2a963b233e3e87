package store

import (
	"fmt"
	"time"
)

// Pause sets the queue's pause flag and moves its runnable jobs to paused.
func (s *Store) Pause(queue string) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	res, err := applyOpResult[BatchResult](s, OpPauseQueue, QueueOp{Queue: queue, NowNs: nowNs()})
	if err != nil {
		return err
	}
	s.publish(JobEvent{Type: JobEventPaused, Queue: queue, Count: res.Moved})
	return nil
}

// Resume clears the pause flag and moves paused jobs back to waiting or
// prioritized.
func (s *Store) Resume(queue string) error {
	if err := ValidateQueueName(queue); err != nil {
		return err
	}
	res, err := applyOpResult[BatchResult](s, OpResumeQueue, QueueOp{Queue: queue, NowNs: nowNs()})
	if err != nil {
		return err
	}
	s.publish(JobEvent{Type: JobEventResumed, Queue: queue, Count: res.Moved})
	return nil
}

// Drain removes every waiting, prioritized and paused job of queue, plus
// delayed jobs when includeDelayed is set. Parents of drained children are
// resolved in the same op.
func (s *Store) Drain(queue string, includeDelayed bool) (int, error) {
	if err := ValidateQueueName(queue); err != nil {
		return 0, err
	}
	res, err := applyOpResult[BatchResult](s, OpDrain, DrainOp{
		Queue:          queue,
		IncludeDelayed: includeDelayed,
		NowNs:          nowNs(),
	})
	if err != nil {
		return 0, err
	}
	s.publish(JobEvent{Type: JobEventDrained, Queue: queue, Count: res.Moved})
	return res.Moved, nil
}

// RetryJobsRequest selects finished jobs to re-run.
type RetryJobsRequest struct {
	State     State     `json:"state,omitempty"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RetryJobs moves failed (or completed) jobs finished at or before the
// timestamp back to the runnable pool, oldest first, in batches of Count
// until none are left.
func (s *Store) RetryJobs(queue string, req RetryJobsRequest) (int, error) {
	if err := ValidateQueueName(queue); err != nil {
		return 0, err
	}
	if req.State == "" {
		req.State = StateFailed
	}
	if !req.State.Terminal() {
		return 0, NewValidationError(fmt.Sprintf("cannot retry jobs in state %q", req.State))
	}
	if req.Count <= 0 {
		req.Count = s.batchSize
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	total := 0
	for {
		res, err := applyOpResult[BatchResult](s, OpRetryJobs, RetryJobsOp{
			Queue:       queue,
			State:       req.State,
			Count:       req.Count,
			TimestampNs: uint64(req.Timestamp.UnixNano()),
			NowNs:       nowNs(),
		})
		if err != nil {
			return total, err
		}
		total += res.Moved
		for _, k := range res.Keys {
			s.publish(JobEvent{Type: JobEventRetrying, Queue: k.Queue, JobID: k.ID})
		}
		if res.Moved < req.Count {
			return total, nil
		}
	}
}

// PromoteJobs moves delayed jobs to the runnable pool regardless of their
// delay, in batches of count until none are left.
func (s *Store) PromoteJobs(queue string, count int) (int, error) {
	if err := ValidateQueueName(queue); err != nil {
		return 0, err
	}
	if count <= 0 {
		count = s.batchSize
	}
	total := 0
	for {
		res, err := applyOpResult[BatchResult](s, OpPromoteJobs, PromoteJobsOp{Queue: queue, Count: count, NowNs: nowNs()})
		if err != nil {
			return total, err
		}
		total += res.Moved
		for _, k := range res.Keys {
			s.publish(JobEvent{Type: JobEventPromoted, Queue: k.Queue, JobID: k.ID})
		}
		if res.Moved < count {
			return total, nil
		}
	}
}

// PromoteDue moves up to limit delayed jobs of every queue whose delay has
// elapsed.
func (s *Store) PromoteDue(limit int) (*BatchResult, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	res, err := applyOpResult[BatchResult](s, OpPromoteDue, PromoteDueOp{Limit: limit, NowNs: nowNs()})
	if err != nil {
		return nil, err
	}
	for _, k := range res.Keys {
		s.publish(JobEvent{Type: JobEventPromoted, Queue: k.Queue, JobID: k.ID})
	}
	return res, nil
}

// ReclaimStalled requeues active jobs whose lease has expired. Jobs that
// stalled more than maxStalledCount times are failed.
func (s *Store) ReclaimStalled(maxStalledCount int) (*ReclaimResult, error) {
	if maxStalledCount < 0 {
		maxStalledCount = 0
	}
	res, err := applyOpResult[ReclaimResult](s, OpReclaimStalled, ReclaimStalledOp{
		MaxStalledCount: maxStalledCount,
		NowNs:           nowNs(),
	})
	if err != nil {
		return nil, err
	}
	for _, k := range res.Requeued {
		s.publish(JobEvent{Type: JobEventStalled, Queue: k.Queue, JobID: k.ID})
	}
	for _, k := range res.Failed {
		s.publish(JobEvent{Type: JobEventFailed, Queue: k.Queue, JobID: k.ID, State: StateFailed, FailedReason: StalledReason})
	}
	return res, nil
}

// RemoveDeprecatedPriorityKey deletes the queue's legacy priority index.
// Current orderings are not touched.
func (s *Store) RemoveDeprecatedPriorityKey(queue string) (int, error) {
	if err := ValidateQueueName(queue); err != nil {
		return 0, err
	}
	res, err := applyOpResult[BatchResult](s, OpRemoveDeprecatedPriorityKey, QueueOp{Queue: queue, NowNs: nowNs()})
	if err != nil {
		return 0, err
	}
	return res.Moved, nil
}

// RemoveJob deletes a job. Jobs in waiting-children cannot be removed
// while their children are pending.
func (s *Store) RemoveJob(queue, id string) error {
	res, err := applyOpResult[BatchResult](s, OpRemoveJob, RemoveJobOp{Queue: queue, JobID: id, NowNs: nowNs()})
	if err != nil {
		return err
	}
	for _, k := range res.Keys {
		s.publish(JobEvent{Type: JobEventRemoved, Queue: k.Queue, JobID: k.ID})
	}
	return nil
}

// Clean removes up to limit completed or failed jobs that finished more
// than grace ago.
func (s *Store) Clean(queue string, state State, grace time.Duration, limit int) (int, error) {
	if err := ValidateQueueName(queue); err != nil {
		return 0, err
	}
	if !state.Terminal() {
		return 0, NewValidationError(fmt.Sprintf("cannot clean jobs in state %q", state))
	}
	if limit <= 0 {
		limit = s.batchSize
	}
	res, err := applyOpResult[BatchResult](s, OpClean, CleanOp{
		Queue:    queue,
		State:    state,
		BeforeNs: uint64(time.Now().Add(-grace).UnixNano()),
		Limit:    limit,
		NowNs:    nowNs(),
	})
	if err != nil {
		return 0, err
	}
	return res.Moved, nil
}
