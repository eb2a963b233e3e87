package raft

import (
	"bytes"

	"github.com/user/flowq/internal/kv"
	"github.com/user/flowq/internal/store"
)

// loadIndexed returns the job an index entry points at, or nil when the
// entry is stale (the job moved or vanished earlier in this batch).
func (t *txn) loadIndexed(queue string, p kvPair, active bool) (*store.Job, error) {
	id := string(p.val)
	if active {
		_, rest, ok := kv.SplitQueueKey(kv.PrefixActive, p.key)
		if !ok {
			return nil, nil
		}
		id = string(rest)
	}
	job, err := t.getJob(queue, id)
	if err != nil || job == nil {
		return nil, err
	}
	idx, err := store.IndexKey(job)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(idx, p.key) {
		return nil, nil
	}
	return job, nil
}

func (t *txn) scanState(prefix, queue string, limit int) ([]kvPair, error) {
	lower := kv.StatePrefix(prefix, queue)
	return t.scanKeys(lower, kv.PrefixUpperBound(lower), limit)
}

// scanBefore scans a time-ordered partition up to (excluding) beforeNs.
func (t *txn) scanBefore(prefix, queue string, beforeNs uint64, limit int) ([]kvPair, error) {
	lower := kv.StatePrefix(prefix, queue)
	upper := kv.PutUint64BE(kv.StatePrefix(prefix, queue), beforeNs)
	return t.scanKeys(lower, upper, limit)
}

// --- Pause / resume ---

func (f *FSM) applyPauseQueue(op store.QueueOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	meta, err := t.queueMeta(op.Queue)
	if err != nil {
		return errResult(err)
	}
	meta.Paused = true
	if err := t.setQueueMeta(op.Queue, meta); err != nil {
		return errResult(err)
	}

	res := &store.BatchResult{}
	for _, prefix := range []string{kv.PrefixPrioritized, kv.PrefixWaiting} {
		pairs, err := t.scanState(prefix, op.Queue, 0)
		if err != nil {
			return errResult(err)
		}
		for _, p := range pairs {
			job, err := t.loadIndexed(op.Queue, p, false)
			if err != nil {
				return errResult(err)
			}
			if job == nil {
				continue
			}
			next, _, err := store.Transition(job, store.EventPause, true)
			if err != nil {
				return errResult(err)
			}
			if err := t.move(job, next, nil); err != nil {
				return errResult(err)
			}
			res.Moved++
		}
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

func (f *FSM) applyResumeQueue(op store.QueueOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	meta, err := t.queueMeta(op.Queue)
	if err != nil {
		return errResult(err)
	}
	meta.Paused = false
	if err := t.setQueueMeta(op.Queue, meta); err != nil {
		return errResult(err)
	}

	pairs, err := t.scanState(kv.PrefixPaused, op.Queue, 0)
	if err != nil {
		return errResult(err)
	}
	res := &store.BatchResult{}
	for _, p := range pairs {
		job, err := t.loadIndexed(op.Queue, p, false)
		if err != nil {
			return errResult(err)
		}
		if job == nil {
			continue
		}
		next, _, err := store.Transition(job, store.EventResume, false)
		if err != nil {
			return errResult(err)
		}
		if err := t.move(job, next, nil); err != nil {
			return errResult(err)
		}
		res.Moved++
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// --- Drain ---

func (f *FSM) applyDrain(op store.DrainOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	prefixes := []string{kv.PrefixWaiting, kv.PrefixPrioritized, kv.PrefixPaused}
	if op.IncludeDelayed {
		prefixes = append(prefixes, kv.PrefixDelayed)
	}

	res := &store.BatchResult{}
	for _, prefix := range prefixes {
		pairs, err := t.scanState(prefix, op.Queue, 0)
		if err != nil {
			return errResult(err)
		}
		for _, p := range pairs {
			job, err := t.loadIndexed(op.Queue, p, false)
			if err != nil {
				return errResult(err)
			}
			if job == nil {
				continue
			}
			if _, _, err := store.Transition(job, store.EventDrain, false); err != nil {
				return errResult(err)
			}
			if err := t.removeCascade(job, op.Queue); err != nil {
				return errResult(err)
			}
			res.Moved++
			res.Keys = append(res.Keys, job.Key())
		}
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// --- Retry jobs ---

func (f *FSM) applyRetryJobs(op store.RetryJobsOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	prefix, err := store.StatePrefix(op.State)
	if err != nil {
		return errResult(err)
	}
	paused, err := t.paused(op.Queue)
	if err != nil {
		return errResult(err)
	}
	pairs, err := t.scanBefore(prefix, op.Queue, op.TimestampNs+1, op.Count)
	if err != nil {
		return errResult(err)
	}

	res := &store.BatchResult{}
	for _, p := range pairs {
		job, err := t.loadIndexed(op.Queue, p, false)
		if err != nil {
			return errResult(err)
		}
		if job == nil {
			continue
		}
		next, _, err := store.Transition(job, store.EventRetryJobs, paused)
		if err != nil {
			return errResult(err)
		}
		err = t.requeue(job, next, func(j *store.Job) {
			j.AttemptsMade = 0
			j.StalledCount = 0
			j.FailedReason = ""
			j.ReturnValue = nil
			j.ProcessedOn = nil
			j.FinishedOn = nil
		})
		if err != nil {
			return errResult(err)
		}
		res.Moved++
		res.Keys = append(res.Keys, job.Key())
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// --- Promote ---

func (f *FSM) applyPromoteJobs(op store.PromoteJobsOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	pairs, err := t.scanState(kv.PrefixDelayed, op.Queue, op.Count)
	if err != nil {
		return errResult(err)
	}
	keys, err := t.promote(op.Queue, pairs, store.EventPromoteJobs)
	if err != nil {
		return errResult(err)
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: &store.BatchResult{Moved: len(keys), Keys: keys}}
}

func (f *FSM) applyPromoteDue(op store.PromoteDueOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	queues, err := t.scanKeys([]byte(kv.PrefixQueueName), kv.PrefixUpperBound([]byte(kv.PrefixQueueName)), 0)
	if err != nil {
		return errResult(err)
	}
	res := &store.BatchResult{}
	for _, q := range queues {
		if res.Moved >= op.Limit {
			break
		}
		queue := string(q.key[len(kv.PrefixQueueName):])
		keys, err := t.promoteDueQueue(queue, op.Limit-res.Moved)
		if err != nil {
			return errResult(err)
		}
		res.Moved += len(keys)
		res.Keys = append(res.Keys, keys...)
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// promoteDueQueue promotes delayed jobs of one queue whose ready time has
// passed, in (readyAt, seq) order.
func (t *txn) promoteDueQueue(queue string, limit int) ([]store.JobKey, error) {
	pairs, err := t.scanBefore(kv.PrefixDelayed, queue, t.nowNs+1, limit)
	if err != nil {
		return nil, err
	}
	return t.promote(queue, pairs, store.EventPromote)
}

func (t *txn) promote(queue string, pairs []kvPair, event store.Event) ([]store.JobKey, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	paused, err := t.paused(queue)
	if err != nil {
		return nil, err
	}
	var keys []store.JobKey
	for _, p := range pairs {
		job, err := t.loadIndexed(queue, p, false)
		if err != nil {
			return nil, err
		}
		if job == nil {
			continue
		}
		next, _, err := store.Transition(job, event, paused)
		if err != nil {
			return nil, err
		}
		if err := t.requeue(job, next, nil); err != nil {
			return nil, err
		}
		keys = append(keys, job.Key())
	}
	return keys, nil
}

// --- Stalled ---

func (f *FSM) applyReclaimStalled(op store.ReclaimStalledOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	prefix := []byte(kv.PrefixActive)
	pairs, err := t.scanKeys(prefix, kv.PrefixUpperBound(prefix), 0)
	if err != nil {
		return errResult(err)
	}

	res := &store.ReclaimResult{}
	for _, p := range pairs {
		if kv.GetUint64BE(p.val) >= op.NowNs {
			continue
		}
		queue, _, ok := kv.SplitQueueKey(kv.PrefixActive, p.key)
		if !ok {
			continue
		}
		job, err := t.loadIndexed(queue, p, true)
		if err != nil {
			return errResult(err)
		}
		if job == nil {
			continue
		}
		job.StalledCount++
		if job.StalledCount > op.MaxStalledCount {
			if _, err := t.failActive(job, store.EventStallFail, store.StalledReason, func(j *store.Job) {
				j.AttemptsMade++
			}); err != nil {
				return errResult(err)
			}
			res.Failed = append(res.Failed, job.Key())
			continue
		}
		paused, err := t.paused(queue)
		if err != nil {
			return errResult(err)
		}
		next, _, err := store.Transition(job, store.EventStall, paused)
		if err != nil {
			return errResult(err)
		}
		if err := t.requeue(job, next, releaseClaim); err != nil {
			return errResult(err)
		}
		res.Requeued = append(res.Requeued, job.Key())
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// --- Legacy priority index ---

func (f *FSM) applyRemoveLegacyPriority(op store.QueueOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	lower := kv.LegacyPriorityPrefix(op.Queue)
	upper := kv.PrefixUpperBound(lower)
	pairs, err := t.scanKeys(lower, upper, 0)
	if err != nil {
		return errResult(err)
	}
	if len(pairs) > 0 {
		if err := t.batch.DeleteRange(lower, upper, nil); err != nil {
			return errResult(err)
		}
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: &store.BatchResult{Moved: len(pairs)}}
}

// --- Remove / clean ---

func (f *FSM) applyRemoveJob(op store.RemoveJobOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	job, err := t.mustJob(op.Queue, op.JobID)
	if err != nil {
		return errResult(err)
	}
	if _, _, err := store.Transition(job, store.EventRemove, false); err != nil {
		return errResult(err)
	}
	if err := t.removeCascade(job, ""); err != nil {
		return errResult(err)
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: &store.BatchResult{Moved: 1, Keys: []store.JobKey{job.Key()}}}
}

func (f *FSM) applyClean(op store.CleanOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	prefix, err := store.StatePrefix(op.State)
	if err != nil {
		return errResult(err)
	}
	pairs, err := t.scanBefore(prefix, op.Queue, op.BeforeNs, op.Limit)
	if err != nil {
		return errResult(err)
	}
	res := &store.BatchResult{}
	for _, p := range pairs {
		job, err := t.loadIndexed(op.Queue, p, false)
		if err != nil {
			return errResult(err)
		}
		if job == nil {
			continue
		}
		if err := t.deleteJob(job); err != nil {
			return errResult(err)
		}
		res.Moved++
		res.Keys = append(res.Keys, job.Key())
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}
