package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/user/flowq/internal/kv"
	"github.com/user/flowq/internal/store"
)

// txn is the working state of one FSM op: an indexed batch (so later steps
// of a cascade read earlier writes), cached queue metadata and the set of
// jobs to mirror once the batch commits.
type txn struct {
	f       *FSM
	batch   *pebble.Batch
	nowNs   uint64
	metas   map[string]store.QueueMeta
	dirty   map[string]bool
	touched map[store.JobKey]*store.Job
	order   []store.JobKey
	queues  map[string]struct{}
}

func (f *FSM) newTxn(nowNs uint64) *txn {
	return &txn{
		f:       f,
		batch:   f.pebble.NewIndexedBatch(),
		nowNs:   nowNs,
		metas:   make(map[string]store.QueueMeta),
		dirty:   make(map[string]bool),
		touched: make(map[store.JobKey]*store.Job),
		queues:  make(map[string]struct{}),
	}
}

func (t *txn) close() {
	t.batch.Close()
}

func (t *txn) now() time.Time {
	return time.Unix(0, int64(t.nowNs)).UTC()
}

func (t *txn) nowPtr() *time.Time {
	n := t.now()
	return &n
}

func (t *txn) set(key, val []byte) error {
	return t.batch.Set(key, val, nil)
}

func (t *txn) del(key []byte) error {
	return t.batch.Delete(key, nil)
}

func (t *txn) has(key []byte) (bool, error) {
	_, closer, err := t.batch.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (t *txn) getJob(queue, id string) (*store.Job, error) {
	return store.LoadJob(t.batch, queue, id)
}

// mustJob loads a job or returns a NotFound error.
func (t *txn) mustJob(queue, id string) (*store.Job, error) {
	job, err := t.getJob(queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, store.NewNotFoundError(fmt.Sprintf("job %s:%s not found", queue, id))
	}
	return job, nil
}

func (t *txn) touch(key store.JobKey, job *store.Job) {
	if _, ok := t.touched[key]; !ok {
		t.order = append(t.order, key)
	}
	t.touched[key] = job
}

// putJob writes the job document and its state index entry. The caller
// must have removed any previous index entry.
func (t *txn) putJob(job *store.Job) error {
	data, err := store.EncodeJob(job)
	if err != nil {
		return err
	}
	if err := t.set(kv.JobKey(job.Queue, job.ID), data); err != nil {
		return err
	}
	idx, err := store.IndexKey(job)
	if err != nil {
		return err
	}
	if err := t.set(idx, store.IndexValue(job)); err != nil {
		return err
	}
	t.touch(job.Key(), job)
	return nil
}

// updateJob rewrites the job document without touching its index.
func (t *txn) updateJob(job *store.Job) error {
	data, err := store.EncodeJob(job)
	if err != nil {
		return err
	}
	if err := t.set(kv.JobKey(job.Queue, job.ID), data); err != nil {
		return err
	}
	t.touch(job.Key(), job)
	return nil
}

func (t *txn) unindex(job *store.Job) error {
	idx, err := store.IndexKey(job)
	if err != nil {
		return err
	}
	return t.del(idx)
}

// move re-indexes job under next. mutate runs between removing the old
// index entry and writing the new one, so fields that feed the key (seq,
// readyAt, finishedOn) can change.
func (t *txn) move(job *store.Job, next store.State, mutate func(j *store.Job)) error {
	if err := t.unindex(job); err != nil {
		return err
	}
	job.State = next
	if mutate != nil {
		mutate(job)
	}
	return t.putJob(job)
}

// requeue moves job to a runnable state with a fresh sequence so it queues
// behind work that is already waiting.
func (t *txn) requeue(job *store.Job, next store.State, mutate func(j *store.Job)) error {
	seq, err := t.nextSeq()
	if err != nil {
		return err
	}
	return t.move(job, next, func(j *store.Job) {
		j.Seq = seq
		j.ReadyAt = nil
		if mutate != nil {
			mutate(j)
		}
	})
}

// deleteJob removes the job document, its index entry and everything it
// owns as a parent.
func (t *txn) deleteJob(job *store.Job) error {
	if err := t.unindex(job); err != nil {
		return err
	}
	if err := t.del(kv.JobKey(job.Queue, job.ID)); err != nil {
		return err
	}
	if err := t.del(kv.LegacyPriorityKey(job.Queue, job.ID)); err != nil {
		return err
	}
	for _, prefix := range [][]byte{
		kv.DependencyPrefix(job.Queue, job.ID),
		kv.ProcessedPrefix(job.Queue, job.ID),
		kv.FailedChildPrefix(job.Queue, job.ID),
	} {
		if err := t.batch.DeleteRange(prefix, kv.PrefixUpperBound(prefix), nil); err != nil {
			return err
		}
	}
	t.touch(job.Key(), nil)
	return nil
}

func (t *txn) queueMeta(queue string) (store.QueueMeta, error) {
	if m, ok := t.metas[queue]; ok {
		return m, nil
	}
	m, err := store.LoadQueueMeta(t.batch, queue)
	if err != nil {
		return m, err
	}
	t.metas[queue] = m
	return m, nil
}

func (t *txn) paused(queue string) (bool, error) {
	m, err := t.queueMeta(queue)
	return m.Paused, err
}

func (t *txn) setQueueMeta(queue string, meta store.QueueMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	t.metas[queue] = meta
	t.dirty[queue] = true
	if err := t.set(kv.QueueMetaKey(queue), data); err != nil {
		return err
	}
	return t.registerQueue(queue)
}

func (t *txn) registerQueue(queue string) error {
	if _, ok := t.queues[queue]; ok {
		return nil
	}
	t.queues[queue] = struct{}{}
	return t.set(kv.QueueNameKey(queue), nil)
}

func (t *txn) counter(key []byte) (uint64, error) {
	val, closer, err := t.batch.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	defer closer.Close()
	return kv.GetUint64BE(val), nil
}

func (t *txn) increment(key []byte) (uint64, error) {
	n, err := t.counter(key)
	if err != nil {
		return 0, err
	}
	n++
	return n, t.set(key, kv.PutUint64BE(nil, n))
}

func (t *txn) nextSeq() (uint64, error) {
	return t.increment([]byte(kv.KeySequence))
}

func (t *txn) nextJobID(queue string) (string, error) {
	for {
		n, err := t.increment(kv.QueueCounterKey(queue))
		if err != nil {
			return "", err
		}
		id := store.FormatGeneratedID(n)
		exists, err := t.has(kv.JobKey(queue, id))
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
}

// scanKeys collects up to limit (key, value) pairs under prefix. Iteration
// finishes before the caller mutates the batch.
func (t *txn) scanKeys(lower, upper []byte, limit int) ([]kvPair, error) {
	iter, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	var out []kvPair
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, kvPair{
			key: append([]byte(nil), iter.Key()...),
			val: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return nil, err
	}
	return out, iter.Close()
}

type kvPair struct {
	key []byte
	val []byte
}

// commit writes the batch and mirrors touched jobs to SQLite.
func (t *txn) commit() error {
	if err := t.batch.Commit(t.f.writeOpts); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	if len(t.order) == 0 && len(t.dirty) == 0 {
		return nil
	}
	t.f.syncSQLite(func(db sqlExecer) error {
		for _, k := range t.order {
			if job := t.touched[k]; job != nil {
				if err := sqliteUpsertJob(db, job); err != nil {
					return err
				}
			} else if err := sqliteDeleteJob(db, k); err != nil {
				return err
			}
		}
		for q := range t.dirty {
			if err := sqliteUpsertQueue(db, q, t.metas[q]); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

func errResult(err error) *store.OpResult {
	return &store.OpResult{Err: err}
}
