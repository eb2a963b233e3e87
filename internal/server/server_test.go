package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/flowq/internal/events"
	"github.com/user/flowq/internal/observability"
	"github.com/user/flowq/internal/raft"
	"github.com/user/flowq/internal/store"
)

func testStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	da, err := raft.NewDirectApplier(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectApplier: %v", err)
	}
	t.Cleanup(func() { da.Close() })
	opts = append(opts, store.WithReadDB(da.SQLiteDB()))
	return store.NewStore(da, da.PebbleDB(), opts...)
}

func testServer(t *testing.T, opts ...Option) (*Server, *store.Store) {
	t.Helper()
	s := testStore(t)
	return newTestServer(t, s, opts...), s
}

// testServerWithBroker wires the broker as the store's event publisher.
func testServerWithBroker(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	broker := events.NewBroker(nil)
	t.Cleanup(broker.Close)
	s := testStore(t, store.WithPublisher(broker))
	return newTestServer(t, s, WithBroker(broker)), s
}

func newTestServer(t *testing.T, s *store.Store, opts ...Option) *Server {
	t.Helper()
	srv := New(s, ":0", opts...)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	return doRequestWithToken(srv, method, path, body, "")
}

func doRequestWithToken(srv *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	if rr := doRequest(srv, "GET", "/healthz", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rr.Code)
	}
	if rr := doRequest(srv, "GET", "/readyz", nil); rr.Code != http.StatusOK {
		t.Errorf("readyz status = %d, body: %s", rr.Code, rr.Body.String())
	}
}

func TestAddJobEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	body := map[string]interface{}{
		"name": "email",
		"data": map[string]string{"to": "a@example.com"},
		"opts": map[string]interface{}{"job_id": "welcome-1"},
	}
	rr := doRequest(srv, "POST", "/api/v1/queues/mail/jobs", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body: %s", rr.Code, rr.Body.String())
	}
	var job store.Job
	decodeResponse(t, rr, &job)
	if job.ID != "welcome-1" || job.State != store.StateWaiting {
		t.Fatalf("job = %s/%s, want welcome-1/waiting", job.ID, job.State)
	}

	rr = doRequest(srv, "POST", "/api/v1/queues/mail/jobs", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate add status = %d, want 200", rr.Code)
	}

	rr = doRequest(srv, "GET", "/api/v1/queues/mail/jobs/welcome-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	rr = doRequest(srv, "GET", "/api/v1/queues/mail/jobs/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rr.Code)
	}
}

func TestAddJobValidation(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/queues/q/jobs", map[string]interface{}{
		"opts": map[string]interface{}{"priority": -1},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body: %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(srv, "POST", "/api/v1/queues/q/jobs/bulk", map[string]interface{}{"jobs": []interface{}{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty bulk status = %d, want 400", rr.Code)
	}
}

func TestClaimCompleteEndpoints(t *testing.T) {
	srv, s := testServer(t)

	rr := doRequest(srv, "POST", "/api/v1/queues/work/claim", map[string]interface{}{})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("empty claim status = %d, want 204", rr.Code)
	}

	if _, err := s.Add("work", "job", nil, store.JobOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	rr = doRequest(srv, "POST", "/api/v1/queues/work/claim", map[string]interface{}{"lease_ms": 60000})
	if rr.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var job store.Job
	decodeResponse(t, rr, &job)
	if job.State != store.StateActive || job.Token == "" {
		t.Fatalf("claimed job = %s token=%q", job.State, job.Token)
	}

	rr = doRequest(srv, "POST", "/api/v1/queues/work/jobs/"+job.ID+"/extend", map[string]interface{}{
		"token": job.Token, "lease_ms": 1000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("extend status = %d, body: %s", rr.Code, rr.Body.String())
	}

	rr = doRequest(srv, "POST", "/api/v1/queues/work/jobs/"+job.ID+"/complete", map[string]interface{}{
		"token": "wrong", "return_value": 1,
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("wrong token status = %d, want 409", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/queues/work/jobs/"+job.ID+"/complete", map[string]interface{}{
		"token": job.Token, "return_value": map[string]int{"sent": 1},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("complete status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var res store.CompleteResult
	decodeResponse(t, rr, &res)
	if res.Job.State != store.StateCompleted {
		t.Fatalf("state = %s, want completed", res.Job.State)
	}
}

func TestClaimLongPollWakesOnAdd(t *testing.T) {
	srv, s := testServerWithBroker(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		s.Add("poll", "late", nil, store.JobOptions{})
	}()
	start := time.Now()
	rr := doRequest(srv, "POST", "/api/v1/queues/poll/claim", map[string]interface{}{"wait_ms": 5000})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("long poll waited until deadline")
	}
}

func TestFailEndpointRetries(t *testing.T) {
	srv, s := testServer(t)
	if _, err := s.Add("retry", "job", nil, store.JobOptions{Attempts: 2}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	job, err := s.Claim("retry", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Claim = %v, %v", job, err)
	}
	rr := doRequest(srv, "POST", "/api/v1/queues/retry/jobs/"+job.ID+"/fail", map[string]interface{}{
		"token": job.Token, "reason": "boom",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("fail status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var res store.FailResult
	decodeResponse(t, rr, &res)
	if !res.Retrying {
		t.Fatalf("expected retrying, got state %s", res.Job.State)
	}
}

func TestFlowAndChildrenEndpoints(t *testing.T) {
	srv, s := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/flows", map[string]interface{}{
		"name":  "render",
		"queue": "parents",
		"children": []map[string]interface{}{
			{"name": "frame", "queue": "kids", "data": map[string]int{"n": 1}},
			{"name": "frame", "queue": "kids", "data": map[string]int{"n": 2}},
		},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("flow status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var flow store.FlowResult
	decodeResponse(t, rr, &flow)
	if flow.Job.State != store.StateWaitingChildren || len(flow.Children) != 2 {
		t.Fatalf("flow root = %s with %d children", flow.Job.State, len(flow.Children))
	}

	child, err := s.Claim("kids", time.Minute)
	if err != nil || child == nil {
		t.Fatalf("Claim = %v, %v", child, err)
	}
	if _, err := s.Complete("kids", child.ID, child.Token, json.RawMessage(`"done"`)); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	rr = doRequest(srv, "GET", "/api/v1/queues/parents/jobs/"+flow.Job.ID+"/children", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("children status = %d", rr.Code)
	}
	var deps store.Dependencies
	decodeResponse(t, rr, &deps)
	if len(deps.Pending) != 1 || len(deps.Processed) != 1 {
		t.Fatalf("deps pending=%d processed=%d, want 1/1", len(deps.Pending), len(deps.Processed))
	}
}

func TestQueueEndpoints(t *testing.T) {
	srv, s := testServer(t)
	for i := 0; i < 3; i++ {
		if _, err := s.Add("ops", "job", nil, store.JobOptions{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := s.Add("ops", "later", nil, store.JobOptions{DelayMs: 60_000}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	rr := doRequest(srv, "GET", "/api/v1/queues/ops/counts?states=wait,delayed", nil)
	var counts struct {
		Counts map[store.State]int `json:"counts"`
		Total  int                 `json:"total"`
	}
	decodeResponse(t, rr, &counts)
	if counts.Total != 4 || counts.Counts[store.StateWaiting] != 3 {
		t.Fatalf("counts = %+v", counts)
	}

	if rr := doRequest(srv, "GET", "/api/v1/queues/ops/counts?states=bogus", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad state status = %d, want 400", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/queues/ops/pause", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rr.Code)
	}
	rr = doRequest(srv, "GET", "/api/v1/queues/ops", nil)
	var info store.QueueInfo
	decodeResponse(t, rr, &info)
	if !info.Paused || info.Counts[store.StatePaused] != 3 {
		t.Fatalf("queue info = %+v, want paused with 3 paused jobs", info)
	}
	doRequest(srv, "POST", "/api/v1/queues/ops/resume", nil)

	rr = doRequest(srv, "POST", "/api/v1/queues/ops/promote", map[string]int{"count": 10})
	var moved map[string]int
	decodeResponse(t, rr, &moved)
	if moved["moved"] != 1 {
		t.Fatalf("promote moved = %d, want 1", moved["moved"])
	}

	rr = doRequest(srv, "POST", "/api/v1/queues/ops/drain", map[string]bool{"delayed": true})
	var removed map[string]int
	decodeResponse(t, rr, &removed)
	if removed["removed"] != 4 {
		t.Fatalf("drain removed = %d, want 4", removed["removed"])
	}

	rr = doRequest(srv, "DELETE", "/api/v1/queues/ops/legacy-priority", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("legacy-priority status = %d", rr.Code)
	}
}

func TestRetryJobsEndpoint(t *testing.T) {
	srv, s := testServer(t)
	for i := 0; i < 2; i++ {
		if _, err := s.Add("rj", "job", nil, store.JobOptions{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
		job, _ := s.Claim("rj", time.Minute)
		if _, err := s.Fail("rj", job.ID, job.Token, "nope", false); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}
	rr := doRequest(srv, "POST", "/api/v1/queues/rj/retry", map[string]interface{}{"state": "failed", "count": 1})
	if rr.Code != http.StatusOK {
		t.Fatalf("retry status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var moved map[string]int
	decodeResponse(t, rr, &moved)
	if moved["moved"] != 2 {
		t.Fatalf("retry moved = %d, want 2", moved["moved"])
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv, s := testServer(t)
	s.Add("find", "a", json.RawMessage(`{"region":"eu"}`), store.JobOptions{})
	s.Add("find", "b", json.RawMessage(`{"region":"us"}`), store.JobOptions{})

	rr := doRequest(srv, "POST", "/api/v1/jobs/search", map[string]interface{}{
		"queue":   "find",
		"data_jq": `.region == "eu"`,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var res store.SearchResult
	decodeResponse(t, rr, &res)
	if res.Total != 1 || res.Jobs[0].Name != "a" {
		t.Fatalf("search = %+v", res)
	}

	rr = doRequest(srv, "POST", "/api/v1/jobs/search", map[string]interface{}{"sort": "nope"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad sort status = %d, want 400", rr.Code)
	}
}

func TestAuthRequiresToken(t *testing.T) {
	jwtAuth, err := NewJWTAuthenticator("0123456789abcdef0123")
	if err != nil {
		t.Fatalf("NewJWTAuthenticator: %v", err)
	}
	srv, _ := testServer(t, WithAuth(jwtAuth))

	if rr := doRequest(srv, "GET", "/api/v1/queues", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rr.Code)
	}
	if rr := doRequestWithToken(srv, "GET", "/api/v1/queues", nil, "garbage"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rr.Code)
	}

	admin, _ := jwtAuth.IssueToken("ops", RoleAdmin, nil, time.Hour)
	if rr := doRequestWithToken(srv, "GET", "/api/v1/queues", nil, admin); rr.Code != http.StatusOK {
		t.Fatalf("admin status = %d", rr.Code)
	}

	reader, _ := jwtAuth.IssueToken("dash", RoleReadonly, nil, time.Hour)
	if rr := doRequestWithToken(srv, "POST", "/api/v1/queues/q/pause", nil, reader); rr.Code != http.StatusForbidden {
		t.Fatalf("readonly write status = %d, want 403", rr.Code)
	}

	worker, _ := jwtAuth.IssueToken("w1", RoleWorker, []string{"allowed"}, time.Hour)
	if rr := doRequestWithToken(srv, "POST", "/api/v1/queues/allowed/claim", nil, worker); rr.Code != http.StatusNoContent {
		t.Fatalf("worker claim status = %d, want 204", rr.Code)
	}
	if rr := doRequestWithToken(srv, "POST", "/api/v1/queues/other/claim", nil, worker); rr.Code != http.StatusForbidden {
		t.Fatalf("worker other queue status = %d, want 403", rr.Code)
	}
	if rr := doRequestWithToken(srv, "POST", "/api/v1/queues/allowed/drain", nil, worker); rr.Code != http.StatusForbidden {
		t.Fatalf("worker drain status = %d, want 403", rr.Code)
	}

	if rr := doRequest(srv, "GET", "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz behind auth: %d", rr.Code)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	a, _ := NewJWTAuthenticator("0123456789abcdef0123")
	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, err := a.IssueToken("old", RoleAdmin, nil, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	a.now = time.Now
	if _, err := a.Authenticate(context.Background(), tok); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	srv, _ := testServer(t, WithRateLimit(RateLimitConfig{Enabled: true, ReadRPS: 0.001, ReadBurst: 1}))
	if rr := doRequest(srv, "GET", "/api/v1/queues", nil); rr.Code != http.StatusOK {
		t.Fatalf("first status = %d", rr.Code)
	}
	rr := doRequest(srv, "GET", "/api/v1/queues", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rr.Code)
	}
	if rr := doRequest(srv, "GET", "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz limited: %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := observability.NewMetrics()
	srv, _ := testServer(t, WithMetrics(m))
	doRequest(srv, "GET", "/api/v1/queues", nil)
	rr := doRequest(srv, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `flowq_http_requests_total{`) {
		t.Fatalf("missing http metric:\n%s", rr.Body.String())
	}
}

func TestClusterJoinWithoutCluster(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/cluster/join", map[string]string{"node_id": "n2", "addr": "x:1"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	rr = doRequest(srv, "GET", "/api/v1/cluster/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSSEStreamsQueueEvents(t *testing.T) {
	srv, s := testServerWithBroker(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events?queues=sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	s.Add("other", "x", nil, store.JobOptions{})
	s.Add("sse", "y", nil, store.JobOptions{})

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev store.JobEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Queue != "sse" || ev.Type != store.JobEventAdded {
			t.Fatalf("event = %+v, want added on sse", ev)
		}
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}
