package rpcconnect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"

	"github.com/user/flowq/internal/raft"
	"github.com/user/flowq/internal/store"
)

type testClients struct {
	claim    *connect.Client[ClaimRequest, ClaimResponse]
	complete *connect.Client[CompleteRequest, store.CompleteResult]
	fail     *connect.Client[FailRequest, store.FailResult]
	extend   *connect.Client[ExtendLeaseRequest, ExtendLeaseResponse]
	ready    *connect.Client[ReadyRequest, ReadyResponse]
}

func setupTest(t *testing.T, opts ...Option) (*store.Store, *testClients) {
	t.Helper()
	da, err := raft.NewDirectApplier(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectApplier: %v", err)
	}
	t.Cleanup(func() { da.Close() })
	s := store.NewStore(da, da.PebbleDB(), store.WithReadDB(da.SQLiteDB()))

	path, h, _ := NewHandler(s, opts...)
	mux := http.NewServeMux()
	mux.Handle(path, h)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	codec := connect.WithCodec(Codec{})
	return s, &testClients{
		claim:    connect.NewClient[ClaimRequest, ClaimResponse](ts.Client(), ts.URL+ClaimProcedure, codec),
		complete: connect.NewClient[CompleteRequest, store.CompleteResult](ts.Client(), ts.URL+CompleteProcedure, codec),
		fail:     connect.NewClient[FailRequest, store.FailResult](ts.Client(), ts.URL+FailProcedure, codec),
		extend:   connect.NewClient[ExtendLeaseRequest, ExtendLeaseResponse](ts.Client(), ts.URL+ExtendLeaseProcedure, codec),
		ready:    connect.NewClient[ReadyRequest, ReadyResponse](ts.Client(), ts.URL+ReadyProcedure, codec),
	}
}

func TestClaimCompleteRoundTrip(t *testing.T) {
	s, c := setupTest(t)
	ctx := context.Background()

	resp, err := c.claim.CallUnary(ctx, connect.NewRequest(&ClaimRequest{Queue: "rpc"}))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if resp.Msg.Job != nil {
		t.Fatalf("claimed %s from empty queue", resp.Msg.Job.ID)
	}

	added, err := s.Add("rpc", "task", json.RawMessage(`{"n":1}`), store.JobOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	resp, err = c.claim.CallUnary(ctx, connect.NewRequest(&ClaimRequest{Queue: "rpc", LeaseMs: 60_000}))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	job := resp.Msg.Job
	if job == nil || job.ID != added.ID || job.Token == "" {
		t.Fatalf("claimed job = %+v", job)
	}

	ext, err := c.extend.CallUnary(ctx, connect.NewRequest(&ExtendLeaseRequest{Queue: "rpc", JobID: job.ID, Token: job.Token, LeaseMs: 5000}))
	if err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if ext.Msg.Job.LeaseExpiresAt == nil {
		t.Fatal("extended job has no lease")
	}

	done, err := c.complete.CallUnary(ctx, connect.NewRequest(&CompleteRequest{
		Queue: "rpc", JobID: job.ID, Token: job.Token, ReturnValue: json.RawMessage(`"ok"`),
	}))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Msg.Job.State != store.StateCompleted || string(done.Msg.Job.ReturnValue) != `"ok"` {
		t.Fatalf("completed job = %s %s", done.Msg.Job.State, done.Msg.Job.ReturnValue)
	}
}

func TestFailMapsConflict(t *testing.T) {
	s, c := setupTest(t)
	ctx := context.Background()
	if _, err := s.Add("rpc", "task", nil, store.JobOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	job, err := s.Claim("rpc", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim = %v, %v", job, err)
	}

	_, err = c.fail.CallUnary(ctx, connect.NewRequest(&FailRequest{Queue: "rpc", JobID: job.ID, Token: "stale", Reason: "x"}))
	var cerr *connect.Error
	if !errors.As(err, &cerr) || cerr.Code() != connect.CodeFailedPrecondition {
		t.Fatalf("stale token err = %v, want failed_precondition", err)
	}
	if got := cerr.Meta().Get("Flowq-Error-Code"); got != string(store.ErrorCodeConflict) {
		t.Fatalf("error code meta = %q", got)
	}

	res, err := c.fail.CallUnary(ctx, connect.NewRequest(&FailRequest{
		Queue: "rpc", JobID: job.ID, Token: job.Token, Reason: "bad input", Unrecoverable: true,
	}))
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if res.Msg.Retrying || res.Msg.Job.State != store.StateFailed {
		t.Fatalf("fail result = %+v", res.Msg)
	}
}

func TestClaimLongPoll(t *testing.T) {
	s, c := setupTest(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Add("late", "task", nil, store.JobOptions{})
	}()
	resp, err := c.claim.CallUnary(context.Background(), connect.NewRequest(&ClaimRequest{Queue: "late", WaitMs: 3000}))
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if resp.Msg.Job == nil {
		t.Fatal("long poll returned no job")
	}
}

type follower struct{}

func (follower) IsLeader() bool     { return false }
func (follower) LeaderAddr() string { return "10.0.0.1:8080" }

func TestFollowerRejectsWorkerCalls(t *testing.T) {
	_, c := setupTest(t, WithLeaderCheck(follower{}))
	_, err := c.claim.CallUnary(context.Background(), connect.NewRequest(&ClaimRequest{Queue: "q"}))
	var cerr *connect.Error
	if !errors.As(err, &cerr) || cerr.Code() != connect.CodeUnavailable {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if got := cerr.Meta().Get("Flowq-Leader-Addr"); got != "10.0.0.1:8080" {
		t.Fatalf("leader addr = %q", got)
	}

	ready, err := c.ready.CallUnary(context.Background(), connect.NewRequest(&ReadyRequest{}))
	if err != nil || !ready.Msg.Ready {
		t.Fatalf("Ready = %v, %v", ready, err)
	}
}

func TestWaitForClaimStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := waitForClaim(ctx, time.Hour, time.Millisecond, func() (bool, error) {
		calls++
		return false, nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want nil/1", err, calls)
	}
}
