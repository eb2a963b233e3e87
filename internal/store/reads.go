package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/user/flowq/internal/kv"
)

// Reader is the read surface shared by pebble.DB, snapshots and indexed
// batches.
type Reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// LoadJob reads a job document. It returns nil, nil when the job does not
// exist.
func LoadJob(r Reader, queue, id string) (*Job, error) {
	val, closer, err := r.Get(kv.JobKey(queue, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s:%s: %w", queue, id, err)
	}
	defer closer.Close()
	return DecodeJob(val)
}

// LoadQueueMeta reads a queue's metadata, returning the zero value for
// unknown queues.
func LoadQueueMeta(r Reader, queue string) (QueueMeta, error) {
	var meta QueueMeta
	val, closer, err := r.Get(kv.QueueMetaKey(queue))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return meta, nil
		}
		return meta, fmt.Errorf("get queue meta %s: %w", queue, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &meta); err != nil {
		return meta, fmt.Errorf("decode queue meta %s: %w", queue, err)
	}
	return meta, nil
}

// CountPrefix counts keys under prefix.
func CountPrefix(r Reader, prefix []byte) (int, error) {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (s *Store) snapshot() (*pebble.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.pebble.NewSnapshot(), nil
}

// GetJob returns one job.
func (s *Store) GetJob(queue, id string) (*Job, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	job, err := LoadJob(snap, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, NewNotFoundError(fmt.Sprintf("job %s:%s not found", queue, id))
	}
	return job, nil
}

// GetJobCounts returns the size of each requested state partition, read
// from a single snapshot. No states means all states.
func (s *Store) GetJobCounts(queue string, states ...State) (map[State]int, error) {
	if len(states) == 0 {
		states = AllStates
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	return countStates(snap, queue, states)
}

func countStates(r Reader, queue string, states []State) (map[State]int, error) {
	out := make(map[State]int, len(states))
	for _, st := range states {
		prefix, err := StatePrefix(st)
		if err != nil {
			return nil, err
		}
		n, err := CountPrefix(r, kv.StatePrefix(prefix, queue))
		if err != nil {
			return nil, fmt.Errorf("count %s %s: %w", queue, st, err)
		}
		out[st] = n
	}
	return out, nil
}

// GetJobCountByTypes returns the sum of the requested partitions.
func (s *Store) GetJobCountByTypes(queue string, states ...State) (int, error) {
	counts, err := s.GetJobCounts(queue, states...)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// CountStates are the partitions summed by Count: every job not yet
// claimed or finished.
var CountStates = []State{StateWaiting, StatePaused, StateDelayed, StatePrioritized, StateWaitingChildren}

// Count returns the number of jobs waiting to be processed.
func (s *Store) Count(queue string) (int, error) {
	return s.GetJobCountByTypes(queue, CountStates...)
}

// IsPaused reports the queue's pause flag.
func (s *Store) IsPaused(queue string) (bool, error) {
	snap, err := s.snapshot()
	if err != nil {
		return false, err
	}
	defer snap.Close()
	meta, err := LoadQueueMeta(snap, queue)
	return meta.Paused, err
}

// ListQueues returns every known queue with its counts.
func (s *Store) ListQueues() ([]QueueInfo, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	prefix := []byte(kv.PrefixQueueName)
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	var names []string
	for iter.First(); iter.Valid(); iter.Next() {
		names = append(names, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]QueueInfo, 0, len(names))
	for _, name := range names {
		meta, err := LoadQueueMeta(snap, name)
		if err != nil {
			return nil, err
		}
		counts, err := countStates(snap, name, AllStates)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueInfo{Name: name, Paused: meta.Paused, Counts: counts})
	}
	return out, nil
}

// ListJobs returns up to limit jobs of a state partition in index order.
func (s *Store) ListJobs(queue string, state State, limit int) ([]*Job, error) {
	prefix, err := StatePrefix(state)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	lower := kv.StatePrefix(prefix, queue)
	iter, err := snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: kv.PrefixUpperBound(lower)})
	if err != nil {
		return nil, err
	}
	var ids []string
	for iter.First(); iter.Valid() && len(ids) < limit; iter.Next() {
		if state == StateActive {
			ids = append(ids, string(iter.Key()[len(lower):]))
		} else {
			ids = append(ids, string(iter.Value()))
		}
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := LoadJob(snap, queue, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, job)
		}
	}
	return out, nil
}

// GetDependencies returns a parent's children grouped by resolution.
func (s *Store) GetDependencies(queue, id string) (*Dependencies, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	job, err := LoadJob(snap, queue, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, NewNotFoundError(fmt.Sprintf("job %s:%s not found", queue, id))
	}

	deps := &Dependencies{
		Pending:   []JobKey{},
		Processed: map[string]json.RawMessage{},
		Failed:    map[string]string{},
	}
	err = scanChildren(snap, kv.DependencyPrefix(queue, id), func(child JobKey, _ []byte) {
		deps.Pending = append(deps.Pending, child)
	})
	if err != nil {
		return nil, err
	}
	err = scanChildren(snap, kv.ProcessedPrefix(queue, id), func(child JobKey, val []byte) {
		deps.Processed[child.String()] = append(json.RawMessage(nil), val...)
	})
	if err != nil {
		return nil, err
	}
	err = scanChildren(snap, kv.FailedChildPrefix(queue, id), func(child JobKey, val []byte) {
		deps.Failed[child.String()] = string(val)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(deps.Pending, func(i, j int) bool {
		return deps.Pending[i].String() < deps.Pending[j].String()
	})
	return deps, nil
}

// GetChildrenValues returns the return values of a parent's completed
// children keyed "queue:id".
func (s *Store) GetChildrenValues(queue, id string) (map[string]json.RawMessage, error) {
	deps, err := s.GetDependencies(queue, id)
	if err != nil {
		return nil, err
	}
	return deps.Processed, nil
}

func scanChildren(r Reader, prefix []byte, fn func(child JobKey, val []byte)) error {
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: kv.PrefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		q, id, ok := kv.ChildFromKey(prefix, iter.Key())
		if !ok {
			continue
		}
		fn(JobKey{Queue: q, ID: id}, iter.Value())
	}
	return iter.Error()
}
