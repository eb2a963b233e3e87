package store

import "fmt"

// Event is something that moves a job between states.
type Event string

const (
	EventPromote          Event = "promote"
	EventClaim            Event = "claim"
	EventComplete         Event = "complete"
	EventFail             Event = "fail"
	EventRetry            Event = "retry"
	EventBackoff          Event = "backoff"
	EventStall            Event = "stall"
	EventStallFail        Event = "stall-fail"
	EventChildrenResolved Event = "children-resolved"
	EventChildFailed      Event = "child-failed"
	EventPause            Event = "pause"
	EventResume           Event = "resume"
	EventRemove           Event = "remove"
	EventDrain            Event = "drain"
	EventRetryJobs        Event = "retry-jobs"
	EventPromoteJobs      Event = "promote-jobs"
)

// stateRunnable is a pseudo target resolved by RunnableState.
const stateRunnable State = "runnable"

// stateRemoved is the pseudo target of deletions.
const stateRemoved State = "removed"

type transitionKey struct {
	from  State
	event Event
}

// transitions is the complete table of legal moves. Anything missing is a
// conflict.
var transitions = map[transitionKey]State{
	{StateDelayed, EventPromote}:     stateRunnable,
	{StateDelayed, EventPromoteJobs}: stateRunnable,

	{StateWaiting, EventClaim}:     StateActive,
	{StatePrioritized, EventClaim}: StateActive,

	{StateActive, EventComplete}:  StateCompleted,
	{StateActive, EventFail}:      StateFailed,
	{StateActive, EventRetry}:     stateRunnable,
	{StateActive, EventBackoff}:   StateDelayed,
	{StateActive, EventStall}:     stateRunnable,
	{StateActive, EventStallFail}: StateFailed,

	{StateWaitingChildren, EventChildrenResolved}: stateRunnable,
	{StateWaitingChildren, EventChildFailed}:      StateFailed,

	{StateWaiting, EventPause}:     StatePaused,
	{StatePrioritized, EventPause}: StatePaused,
	{StatePaused, EventResume}:     stateRunnable,

	{StateWaiting, EventDrain}:     stateRemoved,
	{StatePrioritized, EventDrain}: stateRemoved,
	{StatePaused, EventDrain}:      stateRemoved,
	{StateDelayed, EventDrain}:     stateRemoved,

	{StateWaiting, EventRemove}:     stateRemoved,
	{StatePrioritized, EventRemove}: stateRemoved,
	{StateDelayed, EventRemove}:     stateRemoved,
	{StatePaused, EventRemove}:      stateRemoved,
	{StateActive, EventRemove}:      stateRemoved,
	{StateCompleted, EventRemove}:   stateRemoved,
	{StateFailed, EventRemove}:      stateRemoved,

	{StateCompleted, EventRetryJobs}: stateRunnable,
	{StateFailed, EventRetryJobs}:    stateRunnable,
}

// Transition resolves the next state of job for event. Runnable targets
// are resolved against the queue's pause flag and the job's priority, and a
// job that still waits on children is routed to waiting-children. removed
// reports that the job leaves the store.
func Transition(job *Job, event Event, queuePaused bool) (next State, removed bool, err error) {
	target, ok := transitions[transitionKey{job.State, event}]
	if !ok {
		return "", false, NewTransitionConflict(fmt.Sprintf(
			"job %s cannot %s from state %s", job.Key(), event, job.State))
	}
	switch target {
	case stateRemoved:
		return "", true, nil
	case stateRunnable:
		if job.UnresolvedChildCount > 0 {
			return StateWaitingChildren, false, nil
		}
		return RunnableState(job.Opts.Priority, queuePaused), false, nil
	}
	return target, false, nil
}

// CanTransition reports whether event is legal from state.
func CanTransition(from State, event Event) bool {
	_, ok := transitions[transitionKey{from, event}]
	return ok
}

// RunnableState is the state a job enters when it becomes eligible to run.
func RunnableState(priority int, queuePaused bool) State {
	switch {
	case queuePaused:
		return StatePaused
	case priority > 0:
		return StatePrioritized
	default:
		return StateWaiting
	}
}

// InitialState is the state a newly created job enters.
func InitialState(opts JobOptions, childCount int, queuePaused bool) State {
	switch {
	case opts.DelayMs > 0:
		return StateDelayed
	case childCount > 0:
		return StateWaitingChildren
	default:
		return RunnableState(opts.Priority, queuePaused)
	}
}
