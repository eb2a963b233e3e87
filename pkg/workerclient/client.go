package workerclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"

	"github.com/user/flowq/internal/rpcconnect"
	"github.com/user/flowq/internal/store"
	"github.com/user/flowq/pkg/queue"
)

// Client is a typed worker lifecycle client over Connect RPC. It
// implements queue.WorkerBackend.
type Client struct {
	claim    *connect.Client[rpcconnect.ClaimRequest, rpcconnect.ClaimResponse]
	complete *connect.Client[rpcconnect.CompleteRequest, store.CompleteResult]
	fail     *connect.Client[rpcconnect.FailRequest, store.FailResult]
	extend   *connect.Client[rpcconnect.ExtendLeaseRequest, rpcconnect.ExtendLeaseResponse]
	ready    *connect.Client[rpcconnect.ReadyRequest, rpcconnect.ReadyResponse]
	token    string
}

var _ queue.WorkerBackend = (*Client)(nil)

// Option configures a Client.
type Option func(*config)

type config struct {
	httpClient *http.Client
	token      string
}

// WithHTTPClient overrides the HTTP client used by Connect.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		if c != nil {
			cfg.httpClient = c
		}
	}
}

// WithToken sends a bearer token on every call.
func WithToken(token string) Option {
	return func(cfg *config) { cfg.token = token }
}

// New creates a worker client for a flowq server base URL.
func New(baseURL string, opts ...Option) *Client {
	cfg := config{
		httpClient: defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	base := strings.TrimRight(baseURL, "/")
	codec := connect.WithCodec(rpcconnect.Codec{})
	hc := cfg.httpClient
	return &Client{
		claim:    connect.NewClient[rpcconnect.ClaimRequest, rpcconnect.ClaimResponse](hc, base+rpcconnect.ClaimProcedure, codec),
		complete: connect.NewClient[rpcconnect.CompleteRequest, store.CompleteResult](hc, base+rpcconnect.CompleteProcedure, codec),
		fail:     connect.NewClient[rpcconnect.FailRequest, store.FailResult](hc, base+rpcconnect.FailProcedure, codec),
		extend:   connect.NewClient[rpcconnect.ExtendLeaseRequest, rpcconnect.ExtendLeaseResponse](hc, base+rpcconnect.ExtendLeaseProcedure, codec),
		ready:    connect.NewClient[rpcconnect.ReadyRequest, rpcconnect.ReadyResponse](hc, base+rpcconnect.ReadyProcedure, codec),
		token:    cfg.token,
	}
}

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	return &http.Client{
		// Claims long-poll; per-request contexts bound each call.
		Timeout:   0,
		Transport: tr,
	}
}

func newRequest[T any](c *Client, msg *T) *connect.Request[T] {
	req := connect.NewRequest(msg)
	if c.token != "" {
		req.Header().Set("Authorization", "Bearer "+c.token)
	}
	return req
}

// Claim asks the server for the next job, waiting up to wait. It returns
// nil when nothing became claimable or ctx ended.
func (c *Client) Claim(ctx context.Context, queue string, lease, wait time.Duration) (*store.Job, error) {
	resp, err := c.claim.CallUnary(ctx, newRequest(c, &rpcconnect.ClaimRequest{
		Queue:   queue,
		LeaseMs: lease.Milliseconds(),
		WaitMs:  wait.Milliseconds(),
	}))
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fromConnectError(err)
	}
	return resp.Msg.Job, nil
}

func (c *Client) Complete(ctx context.Context, queue, id, token string, rv json.RawMessage) (*store.CompleteResult, error) {
	resp, err := c.complete.CallUnary(ctx, newRequest(c, &rpcconnect.CompleteRequest{
		Queue:       queue,
		JobID:       id,
		Token:       token,
		ReturnValue: rv,
	}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

func (c *Client) Fail(ctx context.Context, queue, id, token, reason string, unrecoverable bool) (*store.FailResult, error) {
	resp, err := c.fail.CallUnary(ctx, newRequest(c, &rpcconnect.FailRequest{
		Queue:         queue,
		JobID:         id,
		Token:         token,
		Reason:        reason,
		Unrecoverable: unrecoverable,
	}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg, nil
}

func (c *Client) ExtendLease(ctx context.Context, queue, id, token string, lease time.Duration) (*store.Job, error) {
	resp, err := c.extend.CallUnary(ctx, newRequest(c, &rpcconnect.ExtendLeaseRequest{
		Queue:   queue,
		JobID:   id,
		Token:   token,
		LeaseMs: lease.Milliseconds(),
	}))
	if err != nil {
		return nil, fromConnectError(err)
	}
	return resp.Msg.Job, nil
}

func (c *Client) Ready(ctx context.Context) error {
	_, err := c.ready.CallUnary(ctx, newRequest(c, &rpcconnect.ReadyRequest{}))
	if err != nil {
		return fromConnectError(err)
	}
	return nil
}

// LeaderError is returned when a follower rejects a call.
type LeaderError struct {
	LeaderAddr string
}

func (e *LeaderError) Error() string {
	if e.LeaderAddr == "" {
		return "not leader"
	}
	return "not leader; leader is " + e.LeaderAddr
}

// fromConnectError restores the typed store error carried in the error
// metadata.
func fromConnectError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return store.NewStoreUnavailable(err.Error())
	}
	if cerr.Message() == "NOT_LEADER" {
		return &LeaderError{LeaderAddr: cerr.Meta().Get("Flowq-Leader-Addr")}
	}
	if code := cerr.Meta().Get("Flowq-Error-Code"); code != "" {
		return &store.Error{Code: store.ErrorCode(code), Msg: cerr.Message()}
	}
	switch cerr.Code() {
	case connect.CodeInvalidArgument:
		return store.NewValidationError(cerr.Message())
	case connect.CodeNotFound:
		return store.NewNotFoundError(cerr.Message())
	case connect.CodeFailedPrecondition:
		return store.NewTransitionConflict(cerr.Message())
	case connect.CodeUnavailable, connect.CodeDeadlineExceeded, connect.CodeCanceled:
		return store.NewStoreUnavailable(cerr.Message())
	}
	return err
}
