package store

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Job states
const (
	StateWaiting         State = "waiting"
	StatePrioritized     State = "prioritized"
	StateDelayed         State = "delayed"
	StateWaitingChildren State = "waiting-children"
	StateActive          State = "active"
	StatePaused          State = "paused"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// AllStates lists every state in display order.
var AllStates = []State{
	StateWaiting, StatePrioritized, StateDelayed, StateWaitingChildren,
	StateActive, StatePaused, StateCompleted, StateFailed,
}

// ParseState accepts the canonical state names plus the "wait" alias.
func ParseState(s string) (State, bool) {
	if s == "wait" {
		return StateWaiting, true
	}
	for _, st := range AllStates {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether the state is completed or failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DefaultJobName is used when a job is added without a name.
const DefaultJobName = "__default__"

// MaxPriority is the largest accepted priority value.
const MaxPriority = 2_097_152

// MaxDelayMs bounds job delays and backoff delays (about ten years).
const MaxDelayMs int64 = 10 * 365 * 24 * 60 * 60 * 1000

// Backoff strategies
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff configures the delay between retry attempts.
type Backoff struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delay"`
	MaxMs   int64  `json:"max_delay,omitempty"`
}

// JobOptions are the per-job options accepted by add, addBulk and flows.
type JobOptions struct {
	JobID               string          `json:"job_id,omitempty"`
	Priority            int             `json:"priority,omitempty"`
	DelayMs             int64           `json:"delay,omitempty"`
	Attempts            int             `json:"attempts,omitempty"`
	Backoff             *Backoff        `json:"backoff,omitempty"`
	RemoveOnComplete    bool            `json:"remove_on_complete,omitempty"`
	RemoveOnFail        bool            `json:"remove_on_fail,omitempty"`
	FailParentOnFailure bool            `json:"fail_parent_on_failure,omitempty"`
	ResultSchema        json.RawMessage `json:"result_schema,omitempty"`
}

// Merge fills zero-valued fields of o from defaults. The caller id is never
// inherited.
func (o JobOptions) Merge(defaults JobOptions) JobOptions {
	out := o
	if out.Priority == 0 {
		out.Priority = defaults.Priority
	}
	if out.DelayMs == 0 {
		out.DelayMs = defaults.DelayMs
	}
	if out.Attempts == 0 {
		out.Attempts = defaults.Attempts
	}
	if out.Backoff == nil && defaults.Backoff != nil {
		b := *defaults.Backoff
		out.Backoff = &b
	}
	out.RemoveOnComplete = out.RemoveOnComplete || defaults.RemoveOnComplete
	out.RemoveOnFail = out.RemoveOnFail || defaults.RemoveOnFail
	out.FailParentOnFailure = out.FailParentOnFailure || defaults.FailParentOnFailure
	if len(out.ResultSchema) == 0 {
		out.ResultSchema = defaults.ResultSchema
	}
	return out
}

// JobKey addresses a job across queues.
type JobKey struct {
	Queue string `json:"queue"`
	ID    string `json:"id"`
}

func (k JobKey) String() string {
	return k.Queue + ":" + k.ID
}

// Job represents a job in the system.
type Job struct {
	ID                   string          `json:"id"`
	Queue                string          `json:"queue"`
	Name                 string          `json:"name"`
	Data                 json.RawMessage `json:"data"`
	Opts                 JobOptions      `json:"opts"`
	State                State           `json:"state"`
	Parent               *JobKey         `json:"parent,omitempty"`
	ChildCount           int             `json:"child_count,omitempty"`
	UnresolvedChildCount int             `json:"unresolved_child_count,omitempty"`
	AttemptsMade         int             `json:"attempts_made"`
	StalledCount         int             `json:"stalled_count,omitempty"`
	FailedReason         string          `json:"failed_reason,omitempty"`
	ReturnValue          json.RawMessage `json:"return_value,omitempty"`
	Seq                  uint64          `json:"seq"`
	CreatedAt            time.Time       `json:"created_at"`
	ReadyAt              *time.Time      `json:"ready_at,omitempty"`
	ProcessedOn          *time.Time      `json:"processed_on,omitempty"`
	FinishedOn           *time.Time      `json:"finished_on,omitempty"`
	Token                string          `json:"token,omitempty"`
	LeaseExpiresAt       *time.Time      `json:"lease_expires_at,omitempty"`
}

// Key returns the job's cross-queue address.
func (j *Job) Key() JobKey {
	return JobKey{Queue: j.Queue, ID: j.ID}
}

// MaxAttempts returns the attempt budget, at least 1.
func (j *Job) MaxAttempts() int {
	if j.Opts.Attempts < 1 {
		return 1
	}
	return j.Opts.Attempts
}

// QueueMeta is the persisted per-queue metadata.
type QueueMeta struct {
	Paused bool `json:"paused"`
}

// QueueInfo is a queue plus live job counts.
type QueueInfo struct {
	Name   string        `json:"name"`
	Paused bool          `json:"paused"`
	Counts map[State]int `json:"counts"`
}

// FlowNode is one node of a flow to materialize.
type FlowNode struct {
	Name     string          `json:"name"`
	Queue    string          `json:"queue"`
	Data     json.RawMessage `json:"data,omitempty"`
	Opts     JobOptions      `json:"opts,omitempty"`
	Children []FlowNode      `json:"children,omitempty"`
}

// FlowResult is the materialized tree returned by AddFlow.
type FlowResult struct {
	Job      *Job         `json:"job"`
	Children []FlowResult `json:"children,omitempty"`
}

// Dependencies describes the children of a parent job by resolution.
type Dependencies struct {
	Pending   []JobKey                   `json:"pending"`
	Processed map[string]json.RawMessage `json:"processed"`
	Failed    map[string]string          `json:"failed"`
}
