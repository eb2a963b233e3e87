package raft

import (
	"encoding/json"
	"fmt"

	"github.com/user/flowq/internal/kv"
	"github.com/user/flowq/internal/store"
)

// --- Add flow ---

type flowPlan struct {
	node     store.FlowNode
	id       string
	children []*flowPlan
}

func (f *FSM) applyAddFlow(op store.AddFlowOp) *store.OpResult {
	t := f.newTxn(op.NowNs)
	defer t.close()

	seen := make(map[store.JobKey]struct{})
	plan, err := t.planFlow(op.Root, seen)
	if err != nil {
		return errResult(err)
	}
	res, err := t.materializeFlow(plan, nil)
	if err != nil {
		return errResult(err)
	}
	if err := t.commit(); err != nil {
		return errResult(err)
	}
	return &store.OpResult{Data: res}
}

// planFlow assigns ids top-down so children can point at their parent.
func (t *txn) planFlow(node store.FlowNode, seen map[store.JobKey]struct{}) (*flowPlan, error) {
	id := node.Opts.JobID
	if id == "" {
		var err error
		if id, err = t.nextJobID(node.Queue); err != nil {
			return nil, err
		}
	} else {
		exists, err := t.has(kv.JobKey(node.Queue, id))
		if err != nil {
			return nil, err
		}
		key := store.JobKey{Queue: node.Queue, ID: id}
		if _, dup := seen[key]; exists || dup {
			return nil, store.NewValidationError(fmt.Sprintf("job %s already exists", key))
		}
	}
	seen[store.JobKey{Queue: node.Queue, ID: id}] = struct{}{}

	p := &flowPlan{node: node, id: id}
	for _, c := range node.Children {
		cp, err := t.planFlow(c, seen)
		if err != nil {
			return nil, err
		}
		p.children = append(p.children, cp)
	}
	return p, nil
}

// materializeFlow writes children before their parent, depth-first.
func (t *txn) materializeFlow(p *flowPlan, parent *store.JobKey) (*store.FlowResult, error) {
	self := store.JobKey{Queue: p.node.Queue, ID: p.id}
	out := &store.FlowResult{}
	for _, c := range p.children {
		cr, err := t.materializeFlow(c, &self)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, *cr)
	}
	nj := store.NewJob{Queue: p.node.Queue, Name: p.node.Name, Data: p.node.Data, Opts: p.node.Opts}
	job, err := t.createJob(nj, p.id, parent, len(p.children))
	if err != nil {
		return nil, err
	}
	out.Job = job
	return out, nil
}

// --- Resolution ---

type childOutcome int

const (
	childCompleted childOutcome = iota
	childFailed
	childRemoved
)

// resolveChild records that child reached a terminal outcome and updates
// its parent in the same batch. A child whose dependency is already gone
// was resolved before, so resolution is idempotent. drainQueue is set when
// the child was removed by a drain of that queue.
func (t *txn) resolveChild(child *store.Job, outcome childOutcome, drainQueue string) error {
	if child.Parent == nil {
		return nil
	}
	p := *child.Parent
	dep := kv.DependencyKey(p.Queue, p.ID, child.Queue, child.ID)
	pending, err := t.has(dep)
	if err != nil || !pending {
		return err
	}
	if err := t.del(dep); err != nil {
		return err
	}

	switch outcome {
	case childCompleted:
		val := child.ReturnValue
		if len(val) == 0 {
			val = json.RawMessage("null")
		}
		if err := t.set(kv.ProcessedKey(p.Queue, p.ID, child.Queue, child.ID), val); err != nil {
			return err
		}
	case childFailed:
		if err := t.set(kv.FailedChildKey(p.Queue, p.ID, child.Queue, child.ID), []byte(child.FailedReason)); err != nil {
			return err
		}
	}

	parent, err := t.getJob(p.Queue, p.ID)
	if err != nil || parent == nil {
		return err
	}
	if parent.UnresolvedChildCount > 0 {
		parent.UnresolvedChildCount--
	}

	if outcome == childFailed && child.Opts.FailParentOnFailure && store.CanTransition(parent.State, store.EventChildFailed) {
		return t.failParent(parent, fmt.Sprintf("child %s failed: %s", child.Key(), child.FailedReason))
	}
	if parent.UnresolvedChildCount > 0 || parent.State != store.StateWaitingChildren {
		return t.updateJob(parent)
	}
	if outcome == childRemoved && drainQueue != "" && parent.Queue == drainQueue {
		return t.removeCascade(parent, drainQueue)
	}

	paused, err := t.paused(parent.Queue)
	if err != nil {
		return err
	}
	next, _, err := store.Transition(parent, store.EventChildrenResolved, paused)
	if err != nil {
		return err
	}
	return t.requeue(parent, next, nil)
}

// failParent fails a waiting parent because of a child and propagates the
// failure to its own parent.
func (t *txn) failParent(parent *store.Job, reason string) error {
	next, _, err := store.Transition(parent, store.EventChildFailed, false)
	if err != nil {
		return err
	}
	finish := func(j *store.Job) {
		j.FailedReason = reason
		j.FinishedOn = t.nowPtr()
	}
	if parent.Opts.RemoveOnFail {
		if err := t.deleteJob(parent); err != nil {
			return err
		}
		parent.State = next
		finish(parent)
	} else if err := t.move(parent, next, finish); err != nil {
		return err
	}
	return t.resolveChild(parent, childFailed, "")
}

// removeCascade deletes job and resolves its parent as removed.
func (t *txn) removeCascade(job *store.Job, drainQueue string) error {
	if err := t.deleteJob(job); err != nil {
		return err
	}
	return t.resolveChild(job, childRemoved, drainQueue)
}
