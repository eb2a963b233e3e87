package store

import (
	"encoding/json"
	"fmt"
	"strings"
)

var emptyData = json.RawMessage(`{}`)

// Add creates one job.
func (s *Store) Add(queue, name string, data json.RawMessage, opts JobOptions) (*Job, error) {
	res, err := s.AddJobs([]NewJob{{Queue: queue, Name: name, Data: data, Opts: opts}})
	if err != nil {
		return nil, err
	}
	return res.Jobs[0], nil
}

// AddJobs creates jobs in one atomic op. A job whose caller id already
// exists is returned unchanged with Existing set.
func (s *Store) AddJobs(jobs []NewJob) (*AddJobsResult, error) {
	if len(jobs) == 0 {
		return &AddJobsResult{}, nil
	}
	normalized := make([]NewJob, len(jobs))
	for i, nj := range jobs {
		n, err := normalizeNewJob(nj)
		if err != nil {
			return nil, err
		}
		normalized[i] = n
	}

	res, err := applyOpResult[AddJobsResult](s, OpAddJobs, AddJobsOp{Jobs: normalized, NowNs: nowNs()})
	if err != nil {
		return nil, err
	}
	for i, job := range res.Jobs {
		if i < len(res.Existing) && res.Existing[i] {
			continue
		}
		s.publishJob(JobEventAdded, job)
	}
	return res, nil
}

// AddFlow materializes a job tree atomically. Children are created before
// their parent so the parent starts with the right unresolved count.
func (s *Store) AddFlow(root FlowNode) (*FlowResult, error) {
	n, err := normalizeFlowNode(root)
	if err != nil {
		return nil, err
	}
	res, err := applyOpResult[FlowResult](s, OpAddFlow, AddFlowOp{Root: n, NowNs: nowNs()})
	if err != nil {
		return nil, err
	}
	s.publishFlow(res)
	return res, nil
}

func (s *Store) publishFlow(r *FlowResult) {
	for i := range r.Children {
		s.publishFlow(&r.Children[i])
	}
	s.publishJob(JobEventAdded, r.Job)
}

func normalizeFlowNode(node FlowNode) (FlowNode, error) {
	nj, err := normalizeNewJob(NewJob{Queue: node.Queue, Name: node.Name, Data: node.Data, Opts: node.Opts})
	if err != nil {
		return FlowNode{}, err
	}
	out := FlowNode{Name: nj.Name, Queue: nj.Queue, Data: nj.Data, Opts: nj.Opts}
	if len(node.Children) > 0 {
		out.Children = make([]FlowNode, len(node.Children))
		for i, c := range node.Children {
			nc, err := normalizeFlowNode(c)
			if err != nil {
				return FlowNode{}, err
			}
			out.Children[i] = nc
		}
	}
	return out, nil
}

func normalizeNewJob(nj NewJob) (NewJob, error) {
	if err := ValidateQueueName(nj.Queue); err != nil {
		return NewJob{}, err
	}
	if strings.TrimSpace(nj.Name) == "" {
		nj.Name = DefaultJobName
	}
	if len(nj.Data) == 0 {
		nj.Data = emptyData
	} else if !json.Valid(nj.Data) {
		return NewJob{}, NewValidationError("job data must be valid JSON")
	}
	if err := ValidateOptions(nj.Opts); err != nil {
		return NewJob{}, err
	}
	return nj, nil
}

// ValidateOptions rejects malformed job options.
func ValidateOptions(o JobOptions) error {
	if err := ValidateJobID(o.JobID); err != nil {
		return err
	}
	if o.Priority < 0 || o.Priority > MaxPriority {
		return NewValidationError(fmt.Sprintf("priority must be between 0 and %d", MaxPriority))
	}
	if o.DelayMs < 0 || o.DelayMs > MaxDelayMs {
		return NewValidationError(fmt.Sprintf("delay must be between 0 and %d ms", MaxDelayMs))
	}
	if o.Attempts < 0 {
		return NewValidationError("attempts must not be negative")
	}
	if o.Backoff != nil {
		switch o.Backoff.Type {
		case BackoffFixed, BackoffExponential:
		default:
			return NewValidationError(fmt.Sprintf("unknown backoff type %q", o.Backoff.Type))
		}
		if o.Backoff.DelayMs < 0 || o.Backoff.MaxMs < 0 {
			return NewValidationError("backoff delays must not be negative")
		}
		if o.Backoff.DelayMs > MaxDelayMs || o.Backoff.MaxMs > MaxDelayMs {
			return NewValidationError(fmt.Sprintf("backoff delays must not exceed %d ms", MaxDelayMs))
		}
	}
	if err := validateResultSchemaDoc(o.ResultSchema); err != nil {
		return err
	}
	return nil
}
