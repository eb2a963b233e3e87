package raft

import (
	"fmt"
	"time"

	"github.com/user/flowq/internal/kv"
	"github.com/user/flowq/internal/store"
)

// --- Add ---

func (f *FSM) applyAddJobs(op store.AddJobsOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	res := &store.AddJobsResult{
		Jobs:     make([]*store.Job, 0, len(op.Jobs)),
		Existing: make([]bool, 0, len(op.Jobs)),
	}
	for _, nj := range op.Jobs {
		id := nj.Opts.JobID
		if id != "" {
			existing, err := t.getJob(nj.Queue, id)
			if err != nil {
				return errResult(err)
			}
			if existing != nil {
				res.Jobs = append(res.Jobs, existing)
				res.Existing = append(res.Existing, true)
				continue
			}
		} else {
			var err error
			if id, err = t.nextJobID(nj.Queue); err != nil {
				return errResult(err)
			}
		}
		job, err := t.createJob(nj, id, nil, 0)
		if err != nil {
			return errResult(err)
		}
		res.Jobs = append(res.Jobs, job)
		res.Existing = append(res.Existing, false)
	}

	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// createJob writes a new job in its initial state. A parent reference also
// records the pending dependency under the parent.
func (t *txn) createJob(nj store.NewJob, id string, parent *store.JobKey, childCount int) (*store.Job, error) {
	if err := t.registerQueue(nj.Queue); err != nil {
		return nil, err
	}
	seq, err := t.nextSeq()
	if err != nil {
		return nil, err
	}
	paused, err := t.paused(nj.Queue)
	if err != nil {
		return nil, err
	}

	job := &store.Job{
		ID:                   id,
		Queue:                nj.Queue,
		Name:                 nj.Name,
		Data:                 nj.Data,
		Opts:                 nj.Opts,
		Parent:               parent,
		ChildCount:           childCount,
		UnresolvedChildCount: childCount,
		Seq:                  seq,
		CreatedAt:            t.now(),
	}
	job.Opts.JobID = ""
	job.State = store.InitialState(job.Opts, childCount, paused)
	if job.State == store.StateDelayed {
		ready := store.ReadyAt(t.now(), time.Duration(min(job.Opts.DelayMs, store.MaxDelayMs))*time.Millisecond)
		job.ReadyAt = &ready
	}
	if err := t.putJob(job); err != nil {
		return nil, err
	}
	if parent != nil {
		dep := kv.DependencyKey(parent.Queue, parent.ID, job.Queue, job.ID)
		if err := t.set(dep, nil); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// --- Claim ---

func (f *FSM) applyClaim(op store.ClaimOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	paused, err := t.paused(op.Queue)
	if err != nil {
		return errResult(err)
	}
	if paused {
		return &store.OpResult{Data: &store.ClaimResult{}}
	}
	if _, err := t.promoteDueQueue(op.Queue, store.DefaultBatchSize); err != nil {
		return errResult(err)
	}

	var next []kvPair
	for _, prefix := range []string{kv.PrefixPrioritized, kv.PrefixWaiting} {
		lower := kv.StatePrefix(prefix, op.Queue)
		if next, err = t.scanKeys(lower, kv.PrefixUpperBound(lower), 1); err != nil {
			return errResult(err)
		}
		if len(next) > 0 {
			break
		}
	}
	if len(next) == 0 {
		if err := t.commit(); err != nil {
			return errResult(err)
		}
		return &store.OpResult{Data: &store.ClaimResult{}}
	}

	job, err := t.mustJob(op.Queue, string(next[0].val))
	if err != nil {
		return errResult(err)
	}
	state, _, err := store.Transition(job, store.EventClaim, false)
	if err != nil {
		return errResult(err)
	}
	lease := time.Unix(0, int64(op.LeaseExpiresNs)).UTC()
	err = t.move(job, state, func(j *store.Job) {
		j.ProcessedOn = t.nowPtr()
		j.Token = op.Token
		j.LeaseExpiresAt = &lease
	})
	if err != nil {
		return errResult(err)
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: &store.ClaimResult{Job: job}}
}

// activeJob loads a job and checks the caller still owns its claim.
func (t *txn) activeJob(queue, id, token string) (*store.Job, error) {
	job, err := t.mustJob(queue, id)
	if err != nil {
		return nil, err
	}
	if job.State != store.StateActive {
		return nil, store.NewTransitionConflict(fmt.Sprintf("job %s is not active (state %s)", job.Key(), job.State))
	}
	if job.Token != token {
		return nil, store.NewTransitionConflict(fmt.Sprintf("job %s is locked by another worker", job.Key()))
	}
	return job, nil
}

func releaseClaim(j *store.Job) {
	j.Token = ""
	j.LeaseExpiresAt = nil
}

// --- Complete ---

func (f *FSM) applyComplete(op store.CompleteOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	job, err := t.activeJob(op.Queue, op.JobID, op.Token)
	if err != nil {
		return errResult(err)
	}
	next, _, err := store.Transition(job, store.EventComplete, false)
	if err != nil {
		return errResult(err)
	}

	res := &store.CompleteResult{}
	finish := func(j *store.Job) {
		j.AttemptsMade++
		j.FinishedOn = t.nowPtr()
		j.ReturnValue = op.ReturnValue
		releaseClaim(j)
	}
	if job.Opts.RemoveOnComplete {
		if err := t.deleteJob(job); err != nil {
			return errResult(err)
		}
		job.State = next
		finish(job)
		res.Removed = true
	} else if err := t.move(job, next, finish); err != nil {
		return errResult(err)
	}
	res.Job = job

	if err := t.resolveChild(job, childCompleted, ""); err != nil {
		return errResult(err)
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// --- Fail ---

func (f *FSM) applyFail(op store.FailOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	job, err := t.activeJob(op.Queue, op.JobID, op.Token)
	if err != nil {
		return errResult(err)
	}

	res := &store.FailResult{Job: job}
	attempts := job.AttemptsMade + 1
	if !op.Unrecoverable && attempts < job.MaxAttempts() {
		res.Retrying = true
		if err := t.retryActive(job, attempts, op.Reason); err != nil {
			return errResult(err)
		}
	} else {
		removed, err := t.failActive(job, store.EventFail, op.Reason, func(j *store.Job) {
			j.AttemptsMade = attempts
		})
		if err != nil {
			return errResult(err)
		}
		res.Removed = removed
	}

	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// retryActive sends an active job back for another attempt, through
// delayed when its backoff is positive.
func (t *txn) retryActive(job *store.Job, attempts int, reason string) error {
	mutate := func(j *store.Job) {
		j.AttemptsMade = attempts
		j.FailedReason = reason
		releaseClaim(j)
	}
	if delay := store.CalculateBackoff(job.Opts.Backoff, attempts); delay > 0 {
		next, _, err := store.Transition(job, store.EventBackoff, false)
		if err != nil {
			return err
		}
		ready := store.ReadyAt(t.now(), delay)
		return t.move(job, next, func(j *store.Job) {
			mutate(j)
			j.ReadyAt = &ready
		})
	}
	paused, err := t.paused(job.Queue)
	if err != nil {
		return err
	}
	next, _, err := store.Transition(job, store.EventRetry, paused)
	if err != nil {
		return err
	}
	return t.requeue(job, next, mutate)
}

// failActive moves an active job to failed (or deletes it under
// RemoveOnFail) and resolves its parent.
func (t *txn) failActive(job *store.Job, event store.Event, reason string, mutate func(j *store.Job)) (bool, error) {
	next, _, err := store.Transition(job, event, false)
	if err != nil {
		return false, err
	}
	finish := func(j *store.Job) {
		j.FailedReason = reason
		j.FinishedOn = t.nowPtr()
		releaseClaim(j)
		if mutate != nil {
			mutate(j)
		}
	}
	removed := job.Opts.RemoveOnFail
	if removed {
		if err := t.deleteJob(job); err != nil {
			return false, err
		}
		job.State = next
		finish(job)
	} else if err := t.move(job, next, finish); err != nil {
		return false, err
	}
	return removed, t.resolveChild(job, childFailed, "")
}

// --- Extend lease ---

func (f *FSM) applyExtendLease(op store.ExtendLeaseOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	job, err := t.activeJob(op.Queue, op.JobID, op.Token)
	if err != nil {
		return errResult(err)
	}
	lease := time.Unix(0, int64(op.LeaseExpiresNs)).UTC()
	job.LeaseExpiresAt = &lease
	if err := t.putJob(job); err != nil {
		return errResult(err)
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: &store.ClaimResult{Job: job}}
}
