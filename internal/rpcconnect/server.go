package rpcconnect

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"

	"github.com/user/flowq/internal/store"
)

// maxClaimWait bounds a single long-poll claim.
const maxClaimWait = 60 * time.Second

// LeaderCheck reports whether this node is the Raft leader.
type LeaderCheck interface {
	IsLeader() bool
	LeaderAddr() string
}

// Server implements the Connect WorkerService API.
type Server struct {
	store        *store.Store
	leaderCheck  LeaderCheck
	defaultLease time.Duration
	pollInterval time.Duration
}

// Option configures the worker service.
type Option func(*Server)

// WithLeaderCheck rejects worker calls on followers with the leader's
// address attached.
func WithLeaderCheck(lc LeaderCheck) Option {
	return func(s *Server) { s.leaderCheck = lc }
}

// WithDefaultLease sets the lease used when a claim gives none.
func WithDefaultLease(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.defaultLease = d
		}
	}
}

// NewHandler creates a Connect HTTP handler for worker lifecycle RPCs. The
// returned path is the prefix to mount it on.
func NewHandler(s *store.Store, opts ...Option) (string, http.Handler, *Server) {
	srv := &Server{
		store:        s,
		defaultLease: store.DefaultLeaseDuration,
		pollInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(srv)
	}

	codec := connect.WithCodec(Codec{})
	mux := http.NewServeMux()
	mux.Handle(ClaimProcedure, connect.NewUnaryHandler(ClaimProcedure, srv.Claim, codec))
	mux.Handle(CompleteProcedure, connect.NewUnaryHandler(CompleteProcedure, srv.Complete, codec))
	mux.Handle(FailProcedure, connect.NewUnaryHandler(FailProcedure, srv.Fail, codec))
	mux.Handle(ExtendLeaseProcedure, connect.NewUnaryHandler(ExtendLeaseProcedure, srv.ExtendLease, codec))
	mux.Handle(ReadyProcedure, connect.NewUnaryHandler(ReadyProcedure, srv.Ready, codec))
	return "/" + ServiceName + "/", mux, srv
}

func mapStoreError(err error) error {
	var code connect.Code
	switch store.CodeOf(err) {
	case store.ErrorCodeValidation:
		code = connect.CodeInvalidArgument
	case store.ErrorCodeNotFound:
		code = connect.CodeNotFound
	case store.ErrorCodeConflict:
		code = connect.CodeFailedPrecondition
	case store.ErrorCodeUnavailable:
		code = connect.CodeUnavailable
	default:
		code = connect.CodeInternal
	}
	cerr := connect.NewError(code, err)
	if c := store.CodeOf(err); c != "" {
		cerr.Meta().Set("Flowq-Error-Code", string(c))
	}
	return cerr
}

// checkLeader returns a NOT_LEADER error on followers, or nil.
func (s *Server) checkLeader() error {
	if s.leaderCheck == nil || s.leaderCheck.IsLeader() {
		return nil
	}
	cerr := connect.NewError(connect.CodeUnavailable, errors.New("NOT_LEADER"))
	cerr.Meta().Set("Flowq-Leader-Addr", s.leaderCheck.LeaderAddr())
	return cerr
}

func (s *Server) Claim(ctx context.Context, req *connect.Request[ClaimRequest]) (*connect.Response[ClaimResponse], error) {
	if err := s.checkLeader(); err != nil {
		return nil, err
	}
	lease := time.Duration(req.Msg.LeaseMs) * time.Millisecond
	if lease <= 0 {
		lease = s.defaultLease
	}
	wait := time.Duration(req.Msg.WaitMs) * time.Millisecond
	if wait > maxClaimWait {
		wait = maxClaimWait
	}

	var job *store.Job
	err := waitForClaim(ctx, wait, s.pollInterval, func() (bool, error) {
		j, err := s.store.Claim(req.Msg.Queue, lease)
		if err != nil {
			return false, err
		}
		job = j
		return job != nil, nil
	})
	if err != nil {
		return nil, mapStoreError(err)
	}
	return connect.NewResponse(&ClaimResponse{Job: job}), nil
}

// waitForClaim polls until poll reports success, the wait elapses or ctx
// is done. A zero wait polls once.
func waitForClaim(ctx context.Context, wait, interval time.Duration, poll func() (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := poll()
		if err != nil {
			return err
		}
		if ok || !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (s *Server) Complete(ctx context.Context, req *connect.Request[CompleteRequest]) (*connect.Response[store.CompleteResult], error) {
	if err := s.checkLeader(); err != nil {
		return nil, err
	}
	m := req.Msg
	res, err := s.store.Complete(m.Queue, m.JobID, m.Token, m.ReturnValue)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Server) Fail(ctx context.Context, req *connect.Request[FailRequest]) (*connect.Response[store.FailResult], error) {
	if err := s.checkLeader(); err != nil {
		return nil, err
	}
	m := req.Msg
	res, err := s.store.Fail(m.Queue, m.JobID, m.Token, m.Reason, m.Unrecoverable)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return connect.NewResponse(res), nil
}

func (s *Server) ExtendLease(ctx context.Context, req *connect.Request[ExtendLeaseRequest]) (*connect.Response[ExtendLeaseResponse], error) {
	if err := s.checkLeader(); err != nil {
		return nil, err
	}
	m := req.Msg
	job, err := s.store.ExtendLease(m.Queue, m.JobID, m.Token, time.Duration(m.LeaseMs)*time.Millisecond)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return connect.NewResponse(&ExtendLeaseResponse{Job: job}), nil
}

func (s *Server) Ready(ctx context.Context, req *connect.Request[ReadyRequest]) (*connect.Response[ReadyResponse], error) {
	if err := s.store.Ready(); err != nil {
		return nil, mapStoreError(err)
	}
	return connect.NewResponse(&ReadyResponse{Ready: true}), nil
}
