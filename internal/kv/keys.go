package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator. Every per-queue
// key starts with {prefix}{queue}\x00 so one queue can be scanned or
// cleared without touching its neighbours.
const (
	PrefixJob             = "j|"    // j|{queue}\x00{job_id}
	PrefixWaiting         = "w|"    // w|{queue}\x00{seq:8BE}
	PrefixPrioritized     = "p|"    // p|{queue}\x00{priority:4BE}{seq:8BE}
	PrefixDelayed         = "d|"    // d|{queue}\x00{ready_ns:8BE}{seq:8BE}
	PrefixPaused          = "z|"    // z|{queue}\x00{seq:8BE}
	PrefixWaitingChildren = "c|"    // c|{queue}\x00{seq:8BE}
	PrefixActive          = "a|"    // a|{queue}\x00{job_id} => lease_expires_ns:8BE
	PrefixCompleted       = "k|"    // k|{queue}\x00{finished_ns:8BE}{seq:8BE}
	PrefixFailed          = "f|"    // f|{queue}\x00{finished_ns:8BE}{seq:8BE}
	PrefixQueueMeta       = "qm|"   // qm|{queue} => JSON queue metadata
	PrefixQueueName       = "qn|"   // qn|{queue}
	PrefixQueueCounter    = "qid|"  // qid|{queue} => last generated id:8BE
	PrefixLegacyPriority  = "lp|"   // lp|{queue}\x00{job_id} => priority:4BE
	PrefixDependency      = "dep|"  // dep|{parent_queue}\x00{parent_id}\x00{child_queue}\x00{child_id}
	PrefixProcessed       = "pr|"   // pr|{parent_queue}\x00{parent_id}\x00{child_queue}\x00{child_id} => return value
	PrefixFailedChild     = "pfr|"  // pfr|{parent_queue}\x00{parent_id}\x00{child_queue}\x00{child_id} => reason
	KeySequence           = "seq|"  // seq| => last global creation sequence:8BE
)

// Index values for the ordered partitions hold the job id; the active
// partition is keyed by job id directly and stores the lease instead.

const sep = '\x00'

func queuePrefix(prefix, queue string) []byte {
	k := make([]byte, 0, len(prefix)+len(queue)+1)
	k = append(k, prefix...)
	k = append(k, queue...)
	return append(k, sep)
}

// JobKey returns the Pebble key for a job document: j|{queue}\x00{job_id}
func JobKey(queue, jobID string) []byte {
	return append(queuePrefix(PrefixJob, queue), jobID...)
}

// WaitingKey returns the FIFO key of a waiting job: w|{queue}\x00{seq:8BE}
func WaitingKey(queue string, seq uint64) []byte {
	return PutUint64BE(queuePrefix(PrefixWaiting, queue), seq)
}

// PrioritizedKey returns the key of a prioritized job.
// Sort order: priority ASC, then creation sequence ASC.
// p|{queue}\x00{priority:4BE}{seq:8BE}
func PrioritizedKey(queue string, priority uint32, seq uint64) []byte {
	k := PutUint32BE(queuePrefix(PrefixPrioritized, queue), priority)
	return PutUint64BE(k, seq)
}

// DelayedKey returns the key of a delayed job: d|{queue}\x00{ready_ns:8BE}{seq:8BE}
func DelayedKey(queue string, readyNs, seq uint64) []byte {
	k := PutUint64BE(queuePrefix(PrefixDelayed, queue), readyNs)
	return PutUint64BE(k, seq)
}

// PausedKey returns the FIFO key of a paused job: z|{queue}\x00{seq:8BE}
func PausedKey(queue string, seq uint64) []byte {
	return PutUint64BE(queuePrefix(PrefixPaused, queue), seq)
}

// WaitingChildrenKey returns the key of a parent waiting on children.
func WaitingChildrenKey(queue string, seq uint64) []byte {
	return PutUint64BE(queuePrefix(PrefixWaitingChildren, queue), seq)
}

// ActiveKey returns the Pebble key for an active job: a|{queue}\x00{job_id}
// Value stores lease_expires_ns as 8-byte big-endian.
func ActiveKey(queue, jobID string) []byte {
	return append(queuePrefix(PrefixActive, queue), jobID...)
}

// CompletedKey returns the key of a completed job ordered by finish time.
func CompletedKey(queue string, finishedNs, seq uint64) []byte {
	k := PutUint64BE(queuePrefix(PrefixCompleted, queue), finishedNs)
	return PutUint64BE(k, seq)
}

// FailedKey returns the key of a failed job ordered by finish time.
func FailedKey(queue string, finishedNs, seq uint64) []byte {
	k := PutUint64BE(queuePrefix(PrefixFailed, queue), finishedNs)
	return PutUint64BE(k, seq)
}

// StatePrefix returns the scan prefix of one state partition of a queue.
func StatePrefix(prefix, queue string) []byte {
	return queuePrefix(prefix, queue)
}

// QueueMetaKey returns the key of a queue's metadata: qm|{queue}
func QueueMetaKey(queue string) []byte {
	return append([]byte(PrefixQueueMeta), queue...)
}

// QueueNameKey returns the registry key of a queue: qn|{queue}
func QueueNameKey(queue string) []byte {
	return append([]byte(PrefixQueueName), queue...)
}

// QueueCounterKey returns the id counter key of a queue: qid|{queue}
func QueueCounterKey(queue string) []byte {
	return append([]byte(PrefixQueueCounter), queue...)
}

// LegacyPriorityKey returns a legacy priority index entry: lp|{queue}\x00{job_id}
func LegacyPriorityKey(queue, jobID string) []byte {
	return append(queuePrefix(PrefixLegacyPriority, queue), jobID...)
}

// LegacyPriorityPrefix returns the scan prefix of a queue's legacy priority index.
func LegacyPriorityPrefix(queue string) []byte {
	return queuePrefix(PrefixLegacyPriority, queue)
}

func parentPrefix(prefix, parentQueue, parentID string) []byte {
	k := queuePrefix(prefix, parentQueue)
	k = append(k, parentID...)
	return append(k, sep)
}

func childKey(prefix, parentQueue, parentID, childQueue, childID string) []byte {
	k := parentPrefix(prefix, parentQueue, parentID)
	k = append(k, childQueue...)
	k = append(k, sep)
	return append(k, childID...)
}

// DependencyKey marks a child the parent still waits on.
func DependencyKey(parentQueue, parentID, childQueue, childID string) []byte {
	return childKey(PrefixDependency, parentQueue, parentID, childQueue, childID)
}

// DependencyPrefix returns the scan prefix of a parent's pending children.
func DependencyPrefix(parentQueue, parentID string) []byte {
	return parentPrefix(PrefixDependency, parentQueue, parentID)
}

// ProcessedKey stores a completed child's return value under its parent.
func ProcessedKey(parentQueue, parentID, childQueue, childID string) []byte {
	return childKey(PrefixProcessed, parentQueue, parentID, childQueue, childID)
}

// ProcessedPrefix returns the scan prefix of a parent's processed children.
func ProcessedPrefix(parentQueue, parentID string) []byte {
	return parentPrefix(PrefixProcessed, parentQueue, parentID)
}

// FailedChildKey stores a failed child's reason under its parent.
func FailedChildKey(parentQueue, parentID, childQueue, childID string) []byte {
	return childKey(PrefixFailedChild, parentQueue, parentID, childQueue, childID)
}

// FailedChildPrefix returns the scan prefix of a parent's failed children.
func FailedChildPrefix(parentQueue, parentID string) []byte {
	return parentPrefix(PrefixFailedChild, parentQueue, parentID)
}

// ChildFromKey returns the child queue and id encoded after a parent prefix.
func ChildFromKey(parentPrefix, key []byte) (queue, id string, ok bool) {
	if !bytes.HasPrefix(key, parentPrefix) {
		return "", "", false
	}
	rest := key[len(parentPrefix):]
	i := bytes.IndexByte(rest, sep)
	if i < 0 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

// SplitQueueKey splits a per-queue key into queue and the remainder after
// the separator, e.g. a|{queue}\x00{job_id} -> (queue, job_id).
func SplitQueueKey(prefix string, key []byte) (queue string, rest []byte, ok bool) {
	if !bytes.HasPrefix(key, []byte(prefix)) {
		return "", nil, false
	}
	body := key[len(prefix):]
	i := bytes.IndexByte(body, sep)
	if i < 0 {
		return "", nil, false
	}
	return string(body[:i]), body[i+1:], true
}
