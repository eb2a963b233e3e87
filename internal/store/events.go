package store

import (
	"encoding/json"
	"time"
)

// JobEventType names a lifecycle notification.
type JobEventType string

const (
	JobEventAdded     JobEventType = "added"
	JobEventActive    JobEventType = "active"
	JobEventCompleted JobEventType = "completed"
	JobEventFailed    JobEventType = "failed"
	JobEventRetrying  JobEventType = "retrying"
	JobEventStalled   JobEventType = "stalled"
	JobEventRemoved   JobEventType = "removed"
	JobEventDrained   JobEventType = "drained"
	JobEventPaused    JobEventType = "paused"
	JobEventResumed   JobEventType = "resumed"
	JobEventPromoted  JobEventType = "promoted"
)

// JobEvent is a notification about a job or queue transition.
type JobEvent struct {
	Type         JobEventType    `json:"type"`
	Queue        string          `json:"queue"`
	JobID        string          `json:"job_id,omitempty"`
	State        State           `json:"state,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	ReturnValue  json.RawMessage `json:"return_value,omitempty"`
	Count        int             `json:"count,omitempty"`
	At           time.Time       `json:"at"`
}

// Publisher receives job events after the transition is committed.
// Publish must not block.
type Publisher interface {
	Publish(ev JobEvent)
}

func (s *Store) publish(ev JobEvent) {
	if s.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	s.publisher.Publish(ev)
}

func (s *Store) publishJob(typ JobEventType, job *Job) {
	if job == nil {
		return
	}
	s.publish(JobEvent{
		Type:         typ,
		Queue:        job.Queue,
		JobID:        job.ID,
		State:        job.State,
		FailedReason: job.FailedReason,
		ReturnValue:  job.ReturnValue,
	})
}
