// Package brokertest runs an in-memory broker backend over HTTP for tests.
// It implements the access lifecycle, the request router, and the decision
// event feed with deterministic, inspectable state.
package brokertest

import (
	"encoding/json"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/keyleasehq/keylease/pkg/auth"
	"github.com/keyleasehq/keylease/pkg/types"
	"golang.org/x/time/rate"
)

// RouterHandler serves one fake downstream service.
type RouterHandler func(action string, params, body map[string]any) (any, error)

type accessRequest struct {
	id               string
	secretNames      []string
	requiresApproval bool
	approved         *bool
	duration         time.Duration
}

type session struct {
	id        string
	tokens    []types.ProxySecret
	expiresAt time.Time
	revoked   bool
}

type token struct {
	sessionID string
	name      string
	value     string
	revoked   bool
}

type serviceLimit struct {
	limiter   *rate.Limiter
	limit     int
	remaining int
	resetAt   time.Time
}

// Server is the fake broker. All exported inspection methods are safe for
// concurrent use with in-flight requests.
type Server struct {
	httpSrv *httptest.Server

	autoApprove bool
	credential  string
	sessionTTL  time.Duration

	mu          sync.Mutex
	closed      bool
	secrets     map[string]string // name → real value
	requests    map[string]*accessRequest
	sessions    map[string]*session
	tokens      map[string]*token // tokenID → token
	proxies     map[string]string // proxyValue → tokenID
	revokeCalls map[string]int    // sessionID → revoke-session call count
	handlers    map[string]RouterHandler
	limits      map[string]*serviceLimit
	subscribers map[chan string]struct{}
}

// Option configures the fake broker.
type Option func(*Server)

// WithAutoApprove makes the broker approve every approval-gated request
// immediately over the event feed.
func WithAutoApprove() Option {
	return func(s *Server) { s.autoApprove = true }
}

// WithSecret seeds a secret the broker may grant.
func WithSecret(name, value string) Option {
	return func(s *Server) { s.secrets[name] = value }
}

// WithCredential requires this bearer credential on every call.
func WithCredential(toolID, credential string) Option {
	return func(s *Server) { s.credential = toolID + ":" + credential }
}

// WithSessionTTL overrides the granted session lifetime (default: the
// request's estimated duration, or 5 minutes).
func WithSessionTTL(d time.Duration) Option {
	return func(s *Server) { s.sessionTTL = d }
}

// WithRateLimit configures the router's per-service budget.
func WithRateLimit(service string, limit int, window time.Duration) Option {
	return func(s *Server) {
		s.limits[service] = &serviceLimit{
			limiter:   rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), limit),
			limit:     limit,
			remaining: limit,
			resetAt:   time.Now().Add(window),
		}
	}
}

// New starts the fake broker. Callers must Close it.
func New(opts ...Option) *Server {
	s := &Server{
		secrets:     make(map[string]string),
		requests:    make(map[string]*accessRequest),
		sessions:    make(map[string]*session),
		tokens:      make(map[string]*token),
		proxies:     make(map[string]string),
		revokeCalls: make(map[string]int),
		handlers:    make(map[string]RouterHandler),
		limits:      make(map[string]*serviceLimit),
		subscribers: make(map[chan string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.credential != "" {
		r.Use(auth.BearerAuth(auth.NewKeyStore(s.credential)))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/mcp/access-request", s.handleAccessRequest)
	r.Post("/mcp/activate-access", s.handleActivate)
	r.Post("/mcp/resolve-token", s.handleResolve)
	r.Post("/mcp/revoke-token", s.handleRevokeToken)
	r.Post("/mcp/revoke-session", s.handleRevokeSession)
	r.Get("/mcp/sessions", s.handleSessions)
	r.Get("/mcp/events", s.handleEvents)
	r.Post("/api/v1/mcp/router/execute", s.handleExecute)
	r.Get("/api/v1/mcp/router/rate-limits", s.handleRateLimits)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL returns the broker base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the broker down. Subscribers are dropped before the HTTP
// server closes: httptest.Server.Close waits for in-flight handlers, and
// the event feed handlers only return once their channels close.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
	s.mu.Unlock()
	s.httpSrv.Close()
}

// ──────────────────────────────────────────────────────────────────────────────
// Test control surface
// ──────────────────────────────────────────────────────────────────────────────

// Decide resolves a pending approval and pushes the decision over the feed.
func (s *Server) Decide(requestID string, approved bool) {
	s.mu.Lock()
	if req, ok := s.requests[requestID]; ok {
		req.approved = &approved
	}
	s.mu.Unlock()
	s.push(map[string]any{"type": "approval_decision", "requestId": requestID, "approved": approved})
}

// DecideAll resolves every pending approval the same way.
func (s *Server) DecideAll(approved bool) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.requests))
	for id, req := range s.requests {
		if req.requiresApproval && req.approved == nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Decide(id, approved)
	}
}

// PushSessionRevoked announces a server-side revocation over the feed.
func (s *Server) PushSessionRevoked(sessionID string) {
	s.mu.Lock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.revoked = true
	}
	s.mu.Unlock()
	s.push(map[string]any{"type": "session_revoked", "sessionId": sessionID})
}

// HandleService installs a fake downstream service behind the router.
func (s *Server) HandleService(service string, fn RouterHandler) {
	s.mu.Lock()
	s.handlers[service] = fn
	s.mu.Unlock()
}

// RevokeCalls reports how many times revoke-session was called for id.
func (s *Server) RevokeCalls(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeCalls[sessionID]
}

// ActiveSessions reports the number of unrevoked, unexpired sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if !sess.revoked && time.Now().Before(sess.expiresAt) {
			n++
		}
	}
	return n
}

// PendingRequests reports access requests that were never activated or decided.
func (s *Server) PendingRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.requiresApproval && req.approved == nil {
			n++
		}
	}
	return n
}

func (s *Server) push(payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	for ch := range s.subscribers {
		select {
		case ch <- string(body):
		default:
		}
	}
	s.mu.Unlock()
}
