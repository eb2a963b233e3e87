package store

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeOpSkipsUnknownFields(t *testing.T) {
	b, err := MarshalOp(OpDrain, DrainOp{Queue: "q", IncludeDelayed: true})
	if err != nil {
		t.Fatalf("MarshalOp: %v", err)
	}
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	typ, body, err := DecodeOp(b)
	if err != nil {
		t.Fatalf("DecodeOp: %v", err)
	}
	if typ != OpDrain || string(body) != `{"queue":"q","include_delayed":true,"now_ns":0}` {
		t.Fatalf("DecodeOp = %s %s", typ, body)
	}
}

func TestDecodeOpRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeOp([]byte(`{"type":1}`)); err == nil {
		t.Fatal("expected error for missing envelope")
	}
	if _, _, err := DecodeOp([]byte("OP1")); err == nil {
		t.Fatal("expected error for missing op type")
	}
}

func TestJobCodecKeepsParentAndTimes(t *testing.T) {
	job := &Job{
		ID:     "7",
		Queue:  "q",
		Name:   "n",
		Data:   []byte(`{"a":1}`),
		State:  StateDelayed,
		Opts:   JobOptions{Priority: 3, Backoff: &Backoff{Type: BackoffFixed, DelayMs: 10}},
		Parent: &JobKey{Queue: "p", ID: "1"},
		Seq:    99,
	}
	job.ReadyAt = nsTime(1_700_000_000_000_000_000)
	enc, err := EncodeJob(job)
	if err != nil {
		t.Fatalf("EncodeJob: %v", err)
	}
	got, err := DecodeJob(enc)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if got.Parent == nil || *got.Parent != *job.Parent {
		t.Fatalf("parent = %v", got.Parent)
	}
	if got.ReadyAt == nil || !got.ReadyAt.Equal(*job.ReadyAt) || got.FinishedOn != nil {
		t.Fatalf("times = %v / %v", got.ReadyAt, got.FinishedOn)
	}
	if got.Opts.Backoff == nil || got.Opts.Priority != 3 || got.Seq != 99 {
		t.Fatalf("opts = %+v seq=%d", got.Opts, got.Seq)
	}
	if _, err := DecodeJob([]byte(`{"id":"7"}`)); err == nil {
		t.Fatal("expected error decoding unknown format")
	}
}
