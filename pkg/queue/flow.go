package queue

import (
	"context"
	"sync/atomic"

	"github.com/user/flowq/internal/store"
)

// FlowJob is one node of a job tree. Children may live in other queues.
type FlowJob struct {
	Name     string
	Queue    string
	Data     any
	Opts     JobOptions
	Children []FlowJob
}

// JobNode is a created flow node.
type JobNode struct {
	Job      *Job
	Children []*JobNode
}

// FlowProducer adds job trees atomically.
type FlowProducer struct {
	backend Backend
	closed  atomic.Bool
}

// NewFlowProducer returns a flow producer over backend.
func NewFlowProducer(backend Backend) *FlowProducer {
	return &FlowProducer{backend: backend}
}

// Add creates the whole tree in one atomic write. The root starts in
// waiting-children when it has children; each parent becomes runnable once
// all of its children have completed.
func (f *FlowProducer) Add(ctx context.Context, flow FlowJob) (*JobNode, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	root, err := toFlowNode(flow)
	if err != nil {
		return nil, err
	}
	res, err := f.backend.AddFlow(ctx, root)
	if err != nil {
		return nil, err
	}
	return fromFlowResult(res), nil
}

// WaitUntilReady blocks until the backend accepts writes.
func (f *FlowProducer) WaitUntilReady(ctx context.Context) error {
	if f.closed.Load() {
		return ErrClosed
	}
	return waitReady(ctx, f.backend.Ready)
}

// Close releases the handle.
func (f *FlowProducer) Close() error {
	f.closed.Store(true)
	return nil
}

func toFlowNode(j FlowJob) (store.FlowNode, error) {
	data, err := marshalData(j.Data)
	if err != nil {
		return store.FlowNode{}, err
	}
	n := store.FlowNode{Name: j.Name, Queue: j.Queue, Data: data, Opts: j.Opts}
	for _, c := range j.Children {
		child, err := toFlowNode(c)
		if err != nil {
			return store.FlowNode{}, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}

func fromFlowResult(r *store.FlowResult) *JobNode {
	n := &JobNode{Job: r.Job}
	for i := range r.Children {
		n.Children = append(n.Children, fromFlowResult(&r.Children[i]))
	}
	return n
}
