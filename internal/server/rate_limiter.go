package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	Enabled    bool
	ReadRPS    float64
	ReadBurst  int
	WriteRPS   float64
	WriteBurst int
}

type clientLimiters struct {
	read  *rate.Limiter
	write *rate.Limiter
	last  time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimitConfig
	clients map[string]*clientLimiters
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.ReadRPS <= 0 {
		cfg.ReadRPS = 2000
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = 4000
	}
	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = 1000
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 2000
	}
	rl := &rateLimiter{
		cfg:     cfg,
		clients: map[string]*clientLimiters{},
		ttl:     10 * time.Minute,
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (r *rateLimiter) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-t.C:
			r.evict(now.Add(-r.ttl))
		}
	}
}

func (r *rateLimiter) evict(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.clients {
		if c.last.Before(cutoff) {
			delete(r.clients, k)
		}
	}
}

func (r *rateLimiter) close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *rateLimiter) allow(key string, isWrite bool, now time.Time) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	r.mu.Lock()
	c := r.clients[key]
	if c == nil {
		c = &clientLimiters{
			read:  rate.NewLimiter(rate.Limit(r.cfg.ReadRPS), r.cfg.ReadBurst),
			write: rate.NewLimiter(rate.Limit(r.cfg.WriteRPS), r.cfg.WriteBurst),
		}
		r.clients[key] = c
	}
	c.last = now
	r.mu.Unlock()

	if isWrite {
		return c.write.AllowN(now, 1)
	}
	return c.read.AllowN(now, 1)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isRateLimitedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.allow(rateLimitClientKey(r), isWriteMethod(r.Method), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func isRateLimitedPath(path string) bool {
	if path == "/api/v1/events" {
		return false
	}
	return strings.HasPrefix(path, "/api/v1/") || strings.HasPrefix(path, "/flowq.v1.WorkerService/")
}

// rateLimitClientKey buckets callers by credential, then by address.
// RealIP has already rewritten RemoteAddr from forwarding headers.
func rateLimitClientKey(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		return "auth:" + hashSensitive(authz)
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return "ip:" + host
	}
	if addr != "" {
		return "ip:" + addr
	}
	return "unknown"
}

func hashSensitive(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
