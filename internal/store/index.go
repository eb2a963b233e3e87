package store

import (
	"fmt"

	"github.com/user/flowq/internal/kv"
)

var statePrefixes = map[State]string{
	StateWaiting:         kv.PrefixWaiting,
	StatePrioritized:     kv.PrefixPrioritized,
	StateDelayed:         kv.PrefixDelayed,
	StateWaitingChildren: kv.PrefixWaitingChildren,
	StateActive:          kv.PrefixActive,
	StatePaused:          kv.PrefixPaused,
	StateCompleted:       kv.PrefixCompleted,
	StateFailed:          kv.PrefixFailed,
}

// StatePrefix returns the kv prefix of a state partition.
func StatePrefix(state State) (string, error) {
	p, ok := statePrefixes[state]
	if !ok {
		return "", NewValidationError(fmt.Sprintf("unknown state %q", state))
	}
	return p, nil
}

// IndexKey returns the key under which job is indexed for its current
// state. Every job lives under exactly one such key.
func IndexKey(job *Job) ([]byte, error) {
	switch job.State {
	case StateWaiting:
		return kv.WaitingKey(job.Queue, job.Seq), nil
	case StatePrioritized:
		return kv.PrioritizedKey(job.Queue, uint32(job.Opts.Priority), job.Seq), nil
	case StateDelayed:
		return kv.DelayedKey(job.Queue, uint64(timeNs(job.ReadyAt)), job.Seq), nil
	case StateWaitingChildren:
		return kv.WaitingChildrenKey(job.Queue, job.Seq), nil
	case StateActive:
		return kv.ActiveKey(job.Queue, job.ID), nil
	case StatePaused:
		return kv.PausedKey(job.Queue, job.Seq), nil
	case StateCompleted:
		return kv.CompletedKey(job.Queue, uint64(timeNs(job.FinishedOn)), job.Seq), nil
	case StateFailed:
		return kv.FailedKey(job.Queue, uint64(timeNs(job.FinishedOn)), job.Seq), nil
	}
	return nil, fmt.Errorf("job %s has no index for state %q", job.Key(), job.State)
}

// IndexValue returns the value stored under IndexKey.
func IndexValue(job *Job) []byte {
	if job.State == StateActive {
		return kv.PutUint64BE(nil, uint64(timeNs(job.LeaseExpiresAt)))
	}
	return []byte(job.ID)
}
