package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/flowq/internal/search"
	"github.com/user/flowq/internal/store"
	"github.com/user/flowq/pkg/queue"
)

// Client is a thin HTTP wrapper for the flowq API. It implements
// queue.Backend so Queue, Worker and FlowProducer can run against a
// remote server.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Token      string
}

var _ queue.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithToken sends a bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// New creates a new flowq client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		URL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func queuePath(queue string, parts ...string) string {
	p := "/api/v1/queues/" + url.PathEscape(queue)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// Jobs

type addJobBody struct {
	Name string           `json:"name"`
	Data json.RawMessage  `json:"data,omitempty"`
	Opts store.JobOptions `json:"opts"`
}

// AddJobs adds jobs atomically. Jobs of different queues are sent as one
// request per queue.
func (c *Client) AddJobs(ctx context.Context, jobs []store.NewJob) (*store.AddJobsResult, error) {
	if len(jobs) == 0 {
		return &store.AddJobsResult{}, nil
	}
	q := jobs[0].Queue
	body := struct {
		Jobs []addJobBody `json:"jobs"`
	}{}
	for _, j := range jobs {
		if j.Queue != q {
			return nil, store.NewValidationError("bulk add over HTTP requires a single queue")
		}
		body.Jobs = append(body.Jobs, addJobBody{Name: j.Name, Data: j.Data, Opts: j.Opts})
	}
	var res store.AddJobsResult
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(q, "jobs", "bulk"), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// AddJob adds a single job.
func (c *Client) AddJob(ctx context.Context, queue, name string, data json.RawMessage, opts store.JobOptions) (*store.Job, error) {
	var job store.Job
	body := addJobBody{Name: name, Data: data, Opts: opts}
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "jobs"), body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// AddFlow materializes a job tree.
func (c *Client) AddFlow(ctx context.Context, root store.FlowNode) (*store.FlowResult, error) {
	var res store.FlowResult
	if err := c.doRequestWithContext(ctx, http.MethodPost, "/api/v1/flows", root, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetJob(ctx context.Context, queue, id string) (*store.Job, error) {
	var job store.Job
	if err := c.doRequestWithContext(ctx, http.MethodGet, queuePath(queue, "jobs", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) RemoveJob(ctx context.Context, queue, id string) error {
	return c.doRequestWithContext(ctx, http.MethodDelete, queuePath(queue, "jobs", id), nil, nil)
}

// ListJobs returns up to limit jobs of queue in state.
func (c *Client) ListJobs(ctx context.Context, queue string, state store.State, limit int) ([]*store.Job, error) {
	v := url.Values{}
	if state != "" {
		v.Set("state", string(state))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	path := queuePath(queue, "jobs")
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var res struct {
		Jobs []*store.Job `json:"jobs"`
	}
	if err := c.doRequestWithContext(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

func (c *Client) GetDependencies(ctx context.Context, queue, id string) (*store.Dependencies, error) {
	var deps store.Dependencies
	if err := c.doRequestWithContext(ctx, http.MethodGet, queuePath(queue, "jobs", id, "children"), nil, &deps); err != nil {
		return nil, err
	}
	return &deps, nil
}

// Search queries the job mirror.
func (c *Client) Search(ctx context.Context, filter search.Filter) (*store.SearchResult, error) {
	var res store.SearchResult
	if err := c.doRequestWithContext(ctx, http.MethodPost, "/api/v1/jobs/search", filter, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Queue management

func (c *Client) ListQueues(ctx context.Context) ([]store.QueueInfo, error) {
	var res []store.QueueInfo
	if err := c.doRequestWithContext(ctx, http.MethodGet, "/api/v1/queues", nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) GetQueue(ctx context.Context, queue string) (*store.QueueInfo, error) {
	var info store.QueueInfo
	if err := c.doRequestWithContext(ctx, http.MethodGet, queuePath(queue), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetJobCounts(ctx context.Context, queue string, states ...store.State) (map[store.State]int, error) {
	path := queuePath(queue, "counts")
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = string(s)
		}
		path += "?states=" + url.QueryEscape(strings.Join(names, ","))
	}
	var res struct {
		Counts map[store.State]int `json:"counts"`
	}
	if err := c.doRequestWithContext(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Counts, nil
}

func (c *Client) Pause(ctx context.Context, queue string) error {
	return c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "pause"), nil, nil)
}

func (c *Client) Resume(ctx context.Context, queue string) error {
	return c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "resume"), nil, nil)
}

func (c *Client) IsPaused(ctx context.Context, queue string) (bool, error) {
	info, err := c.GetQueue(ctx, queue)
	if err != nil {
		return false, err
	}
	return info.Paused, nil
}

func (c *Client) Drain(ctx context.Context, queue string, delayed bool) (int, error) {
	var res struct {
		Removed int `json:"removed"`
	}
	body := map[string]bool{"delayed": delayed}
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "drain"), body, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

func (c *Client) RetryJobs(ctx context.Context, queue string, req store.RetryJobsRequest) (int, error) {
	var res struct {
		Moved int `json:"moved"`
	}
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "retry"), req, &res); err != nil {
		return 0, err
	}
	return res.Moved, nil
}

func (c *Client) PromoteJobs(ctx context.Context, queue string, count int) (int, error) {
	var res struct {
		Moved int `json:"moved"`
	}
	body := map[string]int{"count": count}
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "promote"), body, &res); err != nil {
		return 0, err
	}
	return res.Moved, nil
}

func (c *Client) Clean(ctx context.Context, queue string, state store.State, grace time.Duration, limit int) (int, error) {
	var res struct {
		Removed int `json:"removed"`
	}
	body := map[string]any{"state": state, "grace_ms": grace.Milliseconds(), "limit": limit}
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "clean"), body, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

func (c *Client) RemoveDeprecatedPriorityKey(ctx context.Context, queue string) (int, error) {
	var res struct {
		Removed int `json:"removed"`
	}
	if err := c.doRequestWithContext(ctx, http.MethodDelete, queuePath(queue, "legacy-priority"), nil, &res); err != nil {
		return 0, err
	}
	return res.Removed, nil
}

// Worker lifecycle

// Claim long-polls the server for up to wait. The server caps the wait, so
// longer waits loop.
func (c *Client) Claim(ctx context.Context, queue string, lease, wait time.Duration) (*store.Job, error) {
	body := map[string]int64{"lease_ms": lease.Milliseconds(), "wait_ms": wait.Milliseconds()}
	var job store.Job
	status, err := c.doRequestStatus(ctx, http.MethodPost, queuePath(queue, "claim"), body, &job)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &job, nil
}

func (c *Client) Complete(ctx context.Context, queue, id, token string, rv json.RawMessage) (*store.CompleteResult, error) {
	body := map[string]any{"token": token, "return_value": rv}
	var res store.CompleteResult
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "jobs", id, "complete"), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Fail(ctx context.Context, queue, id, token, reason string, unrecoverable bool) (*store.FailResult, error) {
	body := map[string]any{"token": token, "reason": reason, "unrecoverable": unrecoverable}
	var res store.FailResult
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "jobs", id, "fail"), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ExtendLease(ctx context.Context, queue, id, token string, lease time.Duration) (*store.Job, error) {
	body := map[string]any{"token": token, "lease_ms": lease.Milliseconds()}
	var job store.Job
	if err := c.doRequestWithContext(ctx, http.MethodPost, queuePath(queue, "jobs", id, "extend"), body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Ready reports whether the server accepts writes.
func (c *Client) Ready(ctx context.Context) error {
	return c.doRequestWithContext(ctx, http.MethodGet, "/readyz", nil, nil)
}

// HTTP helpers

func (c *Client) doRequestWithContext(ctx context.Context, method, path string, body, result any) error {
	_, err := c.doRequestStatus(ctx, method, path, body, result)
	return err
}

func (c *Client) doRequestStatus(ctx context.Context, method, path string, body, result any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, store.NewStoreUnavailable(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeAPIError(resp.StatusCode, data)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		return resp.StatusCode, json.Unmarshal(data, result)
	}
	return resp.StatusCode, nil
}

// decodeAPIError turns an error body back into a typed store error.
func decodeAPIError(status int, data []byte) error {
	var apiErr struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	json.Unmarshal(data, &apiErr)
	if apiErr.Error == "" {
		apiErr.Error = fmt.Sprintf("HTTP %d", status)
	}
	code := store.ErrorCode(apiErr.Code)
	if code == "" {
		switch {
		case status == http.StatusNotFound:
			code = store.ErrorCodeNotFound
		case status == http.StatusConflict:
			code = store.ErrorCodeConflict
		case status >= 500:
			code = store.ErrorCodeUnavailable
		default:
			code = store.ErrorCodeValidation
		}
	}
	return &store.Error{Code: code, Msg: apiErr.Error}
}
