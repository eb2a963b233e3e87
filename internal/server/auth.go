package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string   `json:"subject"`
	Role    string   `json:"role"`
	Queues  []string `json:"queues,omitempty"`
}

// Roles
const (
	RoleAdmin    = "admin"
	RoleWorker   = "worker"
	RoleReadonly = "readonly"
)

// Authenticator verifies a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

var errUnauthenticated = errors.New("unauthenticated")

type ctxKey string

const ctxPrincipalKey ctxKey = "auth_principal"

// PrincipalFromContext returns the caller attached by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey).(Principal)
	return p, ok
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
			return
		}
		p, err := s.auth.Authenticate(r.Context(), raw)
		if err != nil {
			s.logger.Debug("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token", "UNAUTHORIZED")
			return
		}
		if !isRoleAllowed(p.Role, r.Method, r.URL.Path) {
			writeError(w, http.StatusForbidden, "insufficient role permissions", "FORBIDDEN")
			return
		}
		if q := queueFromPath(r.URL.Path); q != "" && !p.canAccessQueue(q) {
			writeError(w, http.StatusForbidden, "queue not permitted", "FORBIDDEN")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxPrincipalKey, p)))
	})
}

func (p Principal) canAccessQueue(q string) bool {
	if len(p.Queues) == 0 {
		return true
	}
	for _, allowed := range p.Queues {
		if allowed == q || allowed == "*" {
			return true
		}
	}
	return false
}

func queueFromPath(path string) string {
	const prefix = "/api/v1/queues/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

var workerPaths = []string{"/claim", "/complete", "/fail", "/extend", "/flowq.v1.WorkerService/"}

func isRoleAllowed(role, method, path string) bool {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleAdmin:
		return true
	case RoleReadonly:
		return method == http.MethodGet
	case RoleWorker:
		if method == http.MethodGet {
			return true
		}
		for _, allow := range workerPaths {
			if strings.Contains(path, allow) {
				return true
			}
		}
		return false
	}
	return false
}

// flowqClaims are the claims of an API token.
type flowqClaims struct {
	Role   string   `json:"role"`
	Queues []string `json:"queues,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 API tokens.
type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuthenticator returns a verifier for tokens signed with secret.
func NewJWTAuthenticator(secret string) (*JWTAuthenticator, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("jwt secret must be at least 16 bytes")
	}
	return &JWTAuthenticator{secret: []byte(secret), now: time.Now}, nil
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Principal, error) {
	var c flowqClaims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm")
		}
		return a.secret, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Principal{}, fmt.Errorf("verify token: %w", err)
	}
	if !parsed.Valid {
		return Principal{}, errUnauthenticated
	}
	role := strings.ToLower(strings.TrimSpace(c.Role))
	if role == "" {
		role = RoleReadonly
	}
	return Principal{Subject: c.Subject, Role: role, Queues: c.Queues}, nil
}

// IssueToken signs a token for subject. ttl <= 0 means no expiry.
func (a *JWTAuthenticator) IssueToken(subject, role string, queues []string, ttl time.Duration) (string, error) {
	now := a.now()
	c := flowqClaims{
		Role:   role,
		Queues: queues,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "flowq",
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}

// ChainAuthenticator tries each authenticator in order.
type ChainAuthenticator []Authenticator

// Authenticate implements Authenticator.
func (c ChainAuthenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	var errs []error
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Principal{}, errUnauthenticated
	}
	return Principal{}, errors.Join(errs...)
}
