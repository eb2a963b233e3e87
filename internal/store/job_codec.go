package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	oldproto "github.com/golang/protobuf/proto"
)

var jobProtoPrefix = []byte{0x4a, 0x42, 0x31} // "JB1"

type pbJobDoc struct {
	ID                   string `protobuf:"bytes,1,opt,name=id,proto3" json:"id,omitempty"`
	Queue                string `protobuf:"bytes,2,opt,name=queue,proto3" json:"queue,omitempty"`
	Name                 string `protobuf:"bytes,3,opt,name=name,proto3" json:"name,omitempty"`
	Data                 []byte `protobuf:"bytes,4,opt,name=data,proto3" json:"data,omitempty"`
	Opts                 []byte `protobuf:"bytes,5,opt,name=opts,proto3" json:"opts,omitempty"`
	State                string `protobuf:"bytes,6,opt,name=state,proto3" json:"state,omitempty"`
	ParentQueue          string `protobuf:"bytes,7,opt,name=parent_queue,json=parentQueue,proto3" json:"parent_queue,omitempty"`
	ParentID             string `protobuf:"bytes,8,opt,name=parent_id,json=parentId,proto3" json:"parent_id,omitempty"`
	HasParent            bool   `protobuf:"varint,9,opt,name=has_parent,json=hasParent,proto3" json:"has_parent,omitempty"`
	ChildCount           int32  `protobuf:"varint,10,opt,name=child_count,json=childCount,proto3" json:"child_count,omitempty"`
	UnresolvedChildCount int32  `protobuf:"varint,11,opt,name=unresolved_child_count,json=unresolvedChildCount,proto3" json:"unresolved_child_count,omitempty"`
	AttemptsMade         int32  `protobuf:"varint,12,opt,name=attempts_made,json=attemptsMade,proto3" json:"attempts_made,omitempty"`
	StalledCount         int32  `protobuf:"varint,13,opt,name=stalled_count,json=stalledCount,proto3" json:"stalled_count,omitempty"`
	FailedReason         string `protobuf:"bytes,14,opt,name=failed_reason,json=failedReason,proto3" json:"failed_reason,omitempty"`
	ReturnValue          []byte `protobuf:"bytes,15,opt,name=return_value,json=returnValue,proto3" json:"return_value,omitempty"`
	Seq                  uint64 `protobuf:"varint,16,opt,name=seq,proto3" json:"seq,omitempty"`
	CreatedAtNs          int64  `protobuf:"varint,17,opt,name=created_at_ns,json=createdAtNs,proto3" json:"created_at_ns,omitempty"`
	ReadyAtNs            int64  `protobuf:"varint,18,opt,name=ready_at_ns,json=readyAtNs,proto3" json:"ready_at_ns,omitempty"`
	ProcessedOnNs        int64  `protobuf:"varint,19,opt,name=processed_on_ns,json=processedOnNs,proto3" json:"processed_on_ns,omitempty"`
	FinishedOnNs         int64  `protobuf:"varint,20,opt,name=finished_on_ns,json=finishedOnNs,proto3" json:"finished_on_ns,omitempty"`
	Token                string `protobuf:"bytes,21,opt,name=token,proto3" json:"token,omitempty"`
	LeaseExpiresNs       int64  `protobuf:"varint,22,opt,name=lease_expires_ns,json=leaseExpiresNs,proto3" json:"lease_expires_ns,omitempty"`
}

func (m *pbJobDoc) Reset()         { *m = pbJobDoc{} }
func (m *pbJobDoc) String() string { return oldproto.CompactTextString(m) }
func (*pbJobDoc) ProtoMessage()    {}

func timeNs(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func nsTime(ns int64) *time.Time {
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns).UTC()
	return &t
}

// EncodeJob serializes a job document for Pebble.
func EncodeJob(job *Job) ([]byte, error) {
	opts, err := json.Marshal(job.Opts)
	if err != nil {
		return nil, fmt.Errorf("encode job opts: %w", err)
	}
	p := &pbJobDoc{
		ID:                   job.ID,
		Queue:                job.Queue,
		Name:                 job.Name,
		Data:                 append([]byte(nil), job.Data...),
		Opts:                 opts,
		State:                string(job.State),
		ChildCount:           int32(job.ChildCount),
		UnresolvedChildCount: int32(job.UnresolvedChildCount),
		AttemptsMade:         int32(job.AttemptsMade),
		StalledCount:         int32(job.StalledCount),
		FailedReason:         job.FailedReason,
		ReturnValue:          append([]byte(nil), job.ReturnValue...),
		Seq:                  job.Seq,
		CreatedAtNs:          job.CreatedAt.UnixNano(),
		ReadyAtNs:            timeNs(job.ReadyAt),
		ProcessedOnNs:        timeNs(job.ProcessedOn),
		FinishedOnNs:         timeNs(job.FinishedOn),
		Token:                job.Token,
		LeaseExpiresNs:       timeNs(job.LeaseExpiresAt),
	}
	if job.Parent != nil {
		p.HasParent = true
		p.ParentQueue = job.Parent.Queue
		p.ParentID = job.Parent.ID
	}
	b, err := oldproto.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode job doc: %w", err)
	}
	out := make([]byte, 0, len(jobProtoPrefix)+len(b))
	out = append(out, jobProtoPrefix...)
	return append(out, b...), nil
}

// DecodeJob parses a job document written by EncodeJob.
func DecodeJob(data []byte) (*Job, error) {
	if !bytes.HasPrefix(data, jobProtoPrefix) {
		return nil, fmt.Errorf("decode job doc: unknown format")
	}
	var p pbJobDoc
	if err := oldproto.Unmarshal(data[len(jobProtoPrefix):], &p); err != nil {
		return nil, fmt.Errorf("decode job doc: %w", err)
	}
	job := &Job{
		ID:                   p.ID,
		Queue:                p.Queue,
		Name:                 p.Name,
		State:                State(p.State),
		ChildCount:           int(p.ChildCount),
		UnresolvedChildCount: int(p.UnresolvedChildCount),
		AttemptsMade:         int(p.AttemptsMade),
		StalledCount:         int(p.StalledCount),
		FailedReason:         p.FailedReason,
		Seq:                  p.Seq,
		CreatedAt:            time.Unix(0, p.CreatedAtNs).UTC(),
		ReadyAt:              nsTime(p.ReadyAtNs),
		ProcessedOn:          nsTime(p.ProcessedOnNs),
		FinishedOn:           nsTime(p.FinishedOnNs),
		Token:                p.Token,
		LeaseExpiresAt:       nsTime(p.LeaseExpiresNs),
	}
	if len(p.Data) > 0 {
		job.Data = json.RawMessage(p.Data)
	}
	if len(p.ReturnValue) > 0 {
		job.ReturnValue = json.RawMessage(p.ReturnValue)
	}
	if len(p.Opts) > 0 {
		if err := json.Unmarshal(p.Opts, &job.Opts); err != nil {
			return nil, fmt.Errorf("decode job opts: %w", err)
		}
	}
	if p.HasParent {
		job.Parent = &JobKey{Queue: p.ParentQueue, ID: p.ParentID}
	}
	return job, nil
}
