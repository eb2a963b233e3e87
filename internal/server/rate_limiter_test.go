package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterSeparatesReadAndWrite(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Enabled: true, ReadRPS: 1, ReadBurst: 2, WriteRPS: 1, WriteBurst: 1})
	defer rl.close()
	now := time.Now()

	if !rl.allow("k", true, now) {
		t.Fatal("first write rejected")
	}
	if rl.allow("k", true, now) {
		t.Fatal("second write allowed past burst")
	}
	for i := 0; i < 2; i++ {
		if !rl.allow("k", false, now) {
			t.Fatalf("read %d rejected", i)
		}
	}
	if rl.allow("k", false, now) {
		t.Fatal("read allowed past burst")
	}
	if !rl.allow("other", true, now) {
		t.Fatal("other client shares bucket")
	}
	if !rl.allow("k", true, now.Add(1100*time.Millisecond)) {
		t.Fatal("write not refilled after a second")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Enabled: true})
	defer rl.close()
	now := time.Now()
	rl.allow("idle", false, now.Add(-time.Hour))
	rl.allow("busy", false, now)

	rl.evict(now.Add(-time.Minute))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.clients["idle"]; ok {
		t.Error("idle client not evicted")
	}
	if _, ok := rl.clients["busy"]; !ok {
		t.Error("busy client evicted")
	}
}

func TestRateLimitClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/queues", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	if got := rateLimitClientKey(r); got != "ip:10.0.0.7" {
		t.Errorf("key = %q, want ip:10.0.0.7", got)
	}
	r.Header.Set("Authorization", "Bearer secret")
	got := rateLimitClientKey(r)
	if got == "ip:10.0.0.7" || got[:5] != "auth:" {
		t.Errorf("key = %q, want auth hash", got)
	}
}

func TestIsRateLimitedPath(t *testing.T) {
	cases := map[string]bool{
		"/healthz":                      false,
		"/api/v1/events":                false,
		"/api/v1/queues":                true,
		"/flowq.v1.WorkerService/Claim": true,
	}
	for path, want := range cases {
		if got := isRateLimitedPath(path); got != want {
			t.Errorf("isRateLimitedPath(%q) = %v, want %v", path, got, want)
		}
	}
}
