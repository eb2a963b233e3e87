package raft

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/flowq/internal/store"
)

func testStore(t *testing.T) (*store.Store, *DirectApplier) {
	t.Helper()
	da, err := NewDirectApplier(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectApplier: %v", err)
	}
	t.Cleanup(func() { da.Close() })
	return store.NewStore(da, da.PebbleDB(), store.WithReadDB(da.SQLiteDB())), da
}

func mustAdd(t *testing.T, s *store.Store, queue, name string, opts store.JobOptions) *store.Job {
	t.Helper()
	job, err := s.Add(queue, name, nil, opts)
	if err != nil {
		t.Fatalf("Add(%s): %v", queue, err)
	}
	return job
}

func mustClaim(t *testing.T, s *store.Store, queue string) *store.Job {
	t.Helper()
	job, err := s.Claim(queue, time.Minute)
	if err != nil {
		t.Fatalf("Claim(%s): %v", queue, err)
	}
	if job == nil {
		t.Fatalf("Claim(%s): no job", queue)
	}
	return job
}

func mustComplete(t *testing.T, s *store.Store, job *store.Job, rv string) {
	t.Helper()
	var raw json.RawMessage
	if rv != "" {
		raw = json.RawMessage(rv)
	}
	if _, err := s.Complete(job.Queue, job.ID, job.Token, raw); err != nil {
		t.Fatalf("Complete(%s): %v", job.Key(), err)
	}
}

func mustState(t *testing.T, s *store.Store, queue, id string, want store.State) *store.Job {
	t.Helper()
	job, err := s.GetJob(queue, id)
	if err != nil {
		t.Fatalf("GetJob(%s:%s): %v", queue, id, err)
	}
	if job.State != want {
		t.Fatalf("%s:%s state = %s, want %s", queue, id, job.State, want)
	}
	return job
}

func TestSQLiteMirrorTracksState(t *testing.T) {
	s, da := testStore(t)
	job := mustAdd(t, s, "q", "x", store.JobOptions{})
	mustComplete(t, s, mustClaim(t, s, "q"), `1`)

	var state string
	if err := da.SQLiteDB().QueryRow("SELECT state FROM jobs WHERE queue = ? AND id = ?", "q", job.ID).Scan(&state); err != nil {
		t.Fatalf("query mirror: %v", err)
	}
	if state != string(store.StateCompleted) {
		t.Fatalf("mirror state = %s, want completed", state)
	}
	if err := s.RemoveJob("q", job.ID); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	var n int
	if err := da.SQLiteDB().QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		t.Fatalf("count mirror: %v", err)
	}
	if n != 0 {
		t.Fatalf("mirror rows = %d after remove", n)
	}
}

type bufferSink struct {
	bytes.Buffer
	canceled bool
}

func (b *bufferSink) ID() string    { return "test" }
func (b *bufferSink) Cancel() error { b.canceled = true; return nil }
func (b *bufferSink) Close() error  { return nil }

func TestSnapshotRestore(t *testing.T) {
	s, da := testStore(t)
	res, err := s.AddFlow(store.FlowNode{Queue: "p", Children: []store.FlowNode{{Queue: "c"}, {Queue: "c"}}})
	if err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	mustComplete(t, s, mustClaim(t, s, "c"), `"v"`)

	snap, err := da.fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	sink := &bufferSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	snap.Release()

	target, err := NewDirectApplier(filepath.Join(t.TempDir(), "restore"))
	if err != nil {
		t.Fatalf("NewDirectApplier: %v", err)
	}
	defer target.Close()
	mustAdd(t, store.NewStore(target, target.PebbleDB()), "junk", "x", store.JobOptions{})

	if err := target.fsm.Restore(io.NopCloser(&sink.Buffer)); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	rs := store.NewStore(target, target.PebbleDB(), store.WithReadDB(target.SQLiteDB()))
	parent := mustState(t, rs, "p", res.Job.ID, store.StateWaitingChildren)
	if parent.UnresolvedChildCount != 1 {
		t.Fatalf("restored unresolved = %d, want 1", parent.UnresolvedChildCount)
	}
	if _, err := rs.GetJob("junk", "1"); !store.IsNotFound(err) {
		t.Fatalf("pre-restore job survived: %v", err)
	}
	var n int
	if err := target.SQLiteDB().QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		t.Fatalf("count mirror: %v", err)
	}
	if n != 3 {
		t.Fatalf("restored mirror rows = %d, want 3", n)
	}

	mustComplete(t, rs, mustClaim(t, rs, "c"), "")
	mustState(t, rs, "p", res.Job.ID, store.StateWaiting)
}
