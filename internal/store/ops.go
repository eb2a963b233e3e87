package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// OpType identifies the Raft log operation.
type OpType uint8

const (
	OpAddJobs                     OpType = 1
	OpAddFlow                     OpType = 2
	OpClaim                       OpType = 3
	OpComplete                    OpType = 4
	OpFail                        OpType = 5
	OpExtendLease                 OpType = 6
	OpPauseQueue                  OpType = 7
	OpResumeQueue                 OpType = 8
	OpDrain                       OpType = 9
	OpRetryJobs                   OpType = 10
	OpPromoteJobs                 OpType = 11
	OpPromoteDue                  OpType = 12
	OpReclaimStalled              OpType = 13
	OpRemoveDeprecatedPriorityKey OpType = 14
	OpRemoveJob                   OpType = 15
	OpClean                       OpType = 16
)

var opNames = map[OpType]string{
	OpAddJobs:                     "add_jobs",
	OpAddFlow:                     "add_flow",
	OpClaim:                       "claim",
	OpComplete:                    "complete",
	OpFail:                        "fail",
	OpExtendLease:                 "extend_lease",
	OpPauseQueue:                  "pause_queue",
	OpResumeQueue:                 "resume_queue",
	OpDrain:                       "drain",
	OpRetryJobs:                   "retry_jobs",
	OpPromoteJobs:                 "promote_jobs",
	OpPromoteDue:                  "promote_due",
	OpReclaimStalled:              "reclaim_stalled",
	OpRemoveDeprecatedPriorityKey: "remove_deprecated_priority_key",
	OpRemoveJob:                   "remove_job",
	OpClean:                       "clean",
}

func (t OpType) String() string {
	if n, ok := opNames[t]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", uint8(t))
}

// OpResult wraps the result of an FSM Apply.
type OpResult struct {
	Data any
	Err  error
}

// Applier submits operations to the Raft cluster (or applies them directly
// on a single node).
type Applier interface {
	Apply(opType OpType, data any) *OpResult
}

// Pre-computed data structs for each operation.
// All timestamps are pre-computed by the caller (no time.Now() in FSM).

// NewJob is one job to create.
type NewJob struct {
	Queue string          `json:"queue"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data"`
	Opts  JobOptions      `json:"opts"`
}

type AddJobsOp struct {
	Jobs  []NewJob `json:"jobs"`
	NowNs uint64   `json:"now_ns"`
}

type AddFlowOp struct {
	Root  FlowNode `json:"root"`
	NowNs uint64   `json:"now_ns"`
}

type ClaimOp struct {
	Queue          string `json:"queue"`
	Token          string `json:"token"`
	LeaseExpiresNs uint64 `json:"lease_expires_ns"`
	NowNs          uint64 `json:"now_ns"`
}

type CompleteOp struct {
	Queue       string          `json:"queue"`
	JobID       string          `json:"job_id"`
	Token       string          `json:"token"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
	NowNs       uint64          `json:"now_ns"`
}

type FailOp struct {
	Queue         string `json:"queue"`
	JobID         string `json:"job_id"`
	Token         string `json:"token"`
	Reason        string `json:"reason"`
	Unrecoverable bool   `json:"unrecoverable,omitempty"`
	NowNs         uint64 `json:"now_ns"`
}

type ExtendLeaseOp struct {
	Queue          string `json:"queue"`
	JobID          string `json:"job_id"`
	Token          string `json:"token"`
	LeaseExpiresNs uint64 `json:"lease_expires_ns"`
	NowNs          uint64 `json:"now_ns"`
}

type QueueOp struct {
	Queue string `json:"queue"`
	NowNs uint64 `json:"now_ns"`
}

type DrainOp struct {
	Queue          string `json:"queue"`
	IncludeDelayed bool   `json:"include_delayed"`
	NowNs          uint64 `json:"now_ns"`
}

type RetryJobsOp struct {
	Queue       string `json:"queue"`
	State       State  `json:"state"`
	Count       int    `json:"count"`
	TimestampNs uint64 `json:"timestamp_ns"`
	NowNs       uint64 `json:"now_ns"`
}

type PromoteJobsOp struct {
	Queue string `json:"queue"`
	Count int    `json:"count"`
	NowNs uint64 `json:"now_ns"`
}

type PromoteDueOp struct {
	Limit int    `json:"limit"`
	NowNs uint64 `json:"now_ns"`
}

type ReclaimStalledOp struct {
	MaxStalledCount int    `json:"max_stalled_count"`
	NowNs           uint64 `json:"now_ns"`
}

type RemoveJobOp struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
	NowNs uint64 `json:"now_ns"`
}

type CleanOp struct {
	Queue    string `json:"queue"`
	State    State  `json:"state"`
	BeforeNs uint64 `json:"before_ns"`
	Limit    int    `json:"limit"`
	NowNs    uint64 `json:"now_ns"`
}

// Results returned in OpResult.Data.

type AddJobsResult struct {
	Jobs     []*Job `json:"jobs"`
	Existing []bool `json:"existing"`
}

type ClaimResult struct {
	Job *Job `json:"job,omitempty"`
}

type CompleteResult struct {
	Job     *Job `json:"job"`
	Removed bool `json:"removed"`
}

type FailResult struct {
	Job      *Job `json:"job"`
	Retrying bool `json:"retrying"`
	Removed  bool `json:"removed"`
}

type BatchResult struct {
	Moved int      `json:"moved"`
	Keys  []JobKey `json:"keys,omitempty"`
}

type ReclaimResult struct {
	Requeued []JobKey `json:"requeued,omitempty"`
	Failed   []JobKey `json:"failed,omitempty"`
}

var opProtoPrefix = []byte{0x4f, 0x50, 0x31} // "OP1"

// MarshalOp serializes an op as a small protobuf envelope:
// field 1 = op type (varint), field 2 = JSON-encoded op body (bytes).
func MarshalOp(opType OpType, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s op: %w", opType, err)
	}
	b := make([]byte, 0, len(opProtoPrefix)+len(body)+8)
	b = append(b, opProtoPrefix...)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(opType))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	return b, nil
}

// DecodeOp parses an envelope produced by MarshalOp.
func DecodeOp(data []byte) (OpType, json.RawMessage, error) {
	if !bytes.HasPrefix(data, opProtoPrefix) {
		return 0, nil, fmt.Errorf("decode op: missing envelope prefix")
	}
	b := data[len(opProtoPrefix):]
	var (
		opType OpType
		body   json.RawMessage
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, fmt.Errorf("decode op tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("decode op type: %w", protowire.ParseError(m))
			}
			opType = OpType(v)
			b = b[m:]
		case num == 2 && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return 0, nil, fmt.Errorf("decode op body: %w", protowire.ParseError(m))
			}
			body = append(json.RawMessage(nil), v...)
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return 0, nil, fmt.Errorf("skip op field %d: %w", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if opType == 0 {
		return 0, nil, fmt.Errorf("decode op: missing type")
	}
	return opType, body, nil
}

// applyOpResult submits an op and type-asserts its result.
func applyOpResult[T any](s *Store, opType OpType, op any) (*T, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	res := s.applier.Apply(opType, op)
	if res == nil {
		return nil, NewStoreUnavailable(fmt.Sprintf("%s: no result from applier", opType))
	}
	if res.Err != nil {
		return nil, res.Err
	}
	out, ok := res.Data.(*T)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", opType, res.Data)
	}
	return out, nil
}
