// Package broker is the public surface of the secret-access client: request
// access, scope a callback to the granted secrets, and guarantee revocation
// when the callback ends or time runs out.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/keyleasehq/keylease/pkg/approvals"
	"github.com/keyleasehq/keylease/pkg/audit"
	"github.com/keyleasehq/keylease/pkg/config"
	"github.com/keyleasehq/keylease/pkg/events"
	"github.com/keyleasehq/keylease/pkg/router"
	"github.com/keyleasehq/keylease/pkg/sessions"
	"github.com/keyleasehq/keylease/pkg/transport"
	"github.com/keyleasehq/keylease/pkg/types"
)

// Config holds explicit construction inputs. There is no ambient singleton:
// callers own a Client instance and pass it where needed.
type Config struct {
	// Endpoint is the backend base URL, e.g. "https://broker.example.com".
	Endpoint string
	// Credential is the bearer credential shared by HTTP calls and the
	// push channel.
	Credential string
	// Tool identifies the requesting tool to the backend.
	Tool types.ToolIdentity
	// Timeout bounds each transport call. Zero uses the adapter default.
	Timeout time.Duration
	// ApprovalTimeout bounds approval waits. Zero uses approvals.DefaultTimeout.
	ApprovalTimeout time.Duration
	// DisableStream turns off the push channel; approvals then resolve by
	// timeout only.
	DisableStream bool
	// Adapter overrides the transport (tests, other host environments).
	// When nil an HTTP adapter is built from Endpoint and Credential.
	Adapter transport.Adapter
	// Trail receives audit records when non-nil.
	Trail *audit.Trail
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ConfigFromEnv builds a Config from KEYLEASE_* environment variables.
// Fields left unset fall back to the same defaults as a zero Config.
func ConfigFromEnv() Config {
	return Config{
		Endpoint:   config.EnvOr("KEYLEASE_ENDPOINT", ""),
		Credential: config.EnvOr("KEYLEASE_CREDENTIAL", ""),
		Tool: types.ToolIdentity{
			ToolID:      config.EnvOr("KEYLEASE_TOOL_ID", ""),
			ToolName:    config.EnvOr("KEYLEASE_TOOL_NAME", ""),
			ToolVersion: config.EnvOr("KEYLEASE_TOOL_VERSION", ""),
		},
		Timeout:         config.EnvOrDuration("KEYLEASE_HTTP_TIMEOUT", 0),
		ApprovalTimeout: config.EnvOrDuration("KEYLEASE_APPROVAL_TIMEOUT", 0),
		DisableStream:   config.EnvOrBool("KEYLEASE_DISABLE_STREAM", false),
	}
}

func (c Config) validate() error {
	if c.Adapter == nil && c.Endpoint == "" {
		return fmt.Errorf("broker: endpoint is required")
	}
	return c.Tool.Validate()
}

// Client is the secret-access facade.
type Client struct {
	log        *slog.Logger
	adapter    transport.Adapter
	bus        *events.Bus
	registry   *sessions.Registry
	coord      *approvals.Coordinator
	router     *router.Client
	stream     *DecisionStream
	trail      *audit.Trail
	tool       types.ToolIdentity
	instanceID string
}

// New wires the facade. Start is implicit: when the push channel is enabled
// it begins connecting immediately.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	adapter := cfg.Adapter
	if adapter == nil {
		adapter = transport.NewHTTP(cfg.Endpoint, cfg.Credential, transport.WithTimeout(cfg.Timeout))
	}

	bus := events.NewBus(log)
	c := &Client{
		log:        log,
		adapter:    adapter,
		bus:        bus,
		coord:      approvals.NewCoordinator(cfg.ApprovalTimeout, log),
		router:     router.New(adapter, bus, log),
		trail:      cfg.Trail,
		tool:       cfg.Tool,
		instanceID: uuid.NewString(),
	}
	c.registry = sessions.NewRegistry(&backendRevoker{adapter: adapter}, bus, log)

	// Push-channel decisions and server-side revocations feed the bus;
	// the bus feeds the waiter table and the registry.
	bus.On(events.TypeApprovalDecision, func(ev events.Event) {
		requestID, _ := ev.Data["requestId"].(string)
		approved, _ := ev.Data["approved"].(bool)
		c.coord.Resolve(requestID, approved)
	})
	bus.On(events.TypeSessionCleanup, func(ev events.Event) {
		c.record(context.Background(), audit.KindSessionCleanup, ev.Data)
	})
	bus.On(events.TypeSessionRevoked, func(ev events.Event) {
		sessionID, _ := ev.Data["sessionId"].(string)
		if sessionID == "" {
			return
		}
		go func() {
			if err := c.registry.Cleanup(context.Background(), sessionID); err != nil {
				log.Error("cleanup after remote revocation failed", "session_id", sessionID, "error", err)
			}
		}()
	})

	if !cfg.DisableStream && cfg.Endpoint != "" {
		c.stream = NewDecisionStream(cfg.Endpoint, cfg.Credential, bus, log)
		c.stream.Start()
	}
	return c, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Access lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// AccessOptions customize a single access request.
type AccessOptions struct {
	Justification   string
	DurationSeconds int
	RequireApproval bool
	Environment     string
	Project         string
	// ApprovalTimeout overrides the client-wide bound for this request.
	ApprovalTimeout time.Duration
}

// RequestAccess validates names, submits an access request, awaits approval
// when required, activates the grant, and registers the session with its
// expiry timer. Denial and approval timeout are terminal: a fresh call is
// required.
func (c *Client) RequestAccess(ctx context.Context, secretNames []string, opts AccessOptions) (*sessions.Session, error) {
	req := types.AccessRequest{
		Tool:            c.tool,
		SecretNames:     secretNames,
		Justification:   opts.Justification,
		DurationSeconds: opts.DurationSeconds,
		RequireApproval: opts.RequireApproval,
		Environment:     opts.Environment,
		Project:         opts.Project,
	}
	if err := req.Validate(); err != nil {
		return nil, types.ErrValidation(err)
	}

	created, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}
	req.RequestID = created.RequestID
	c.record(ctx, audit.KindAccessRequested, map[string]any{
		"requestId":   req.RequestID,
		"secretNames": req.SecretNames,
		"status":      string(req.Status),
	})

	if created.RequiresApproval {
		outcome, err := c.coord.Wait(ctx, created.RequestID, opts.ApprovalTimeout)
		if err != nil {
			return nil, fmt.Errorf("broker.RequestAccess: %w", err)
		}
		if outcome != approvals.OutcomeApproved {
			// An elapsed approval window expires the request; an explicit
			// refusal denies it. Both are terminal.
			if outcome == approvals.OutcomeTimedOut {
				req.Status = types.StatusExpired
			} else {
				req.Status = types.StatusDenied
			}
			c.record(ctx, audit.KindAccessDenied, map[string]any{
				"requestId": req.RequestID,
				"outcome":   string(outcome),
				"status":    string(req.Status),
			})
			if outcome == approvals.OutcomeTimedOut {
				return nil, types.ErrAccessDenied(fmt.Sprintf("approval for request %s timed out", created.RequestID))
			}
			return nil, types.ErrAccessDenied(fmt.Sprintf("approval for request %s was refused", created.RequestID))
		}
	}

	grant, err := c.activate(ctx, created.RequestID)
	if err != nil {
		return nil, err
	}

	// The grant must cover every requested name; a gap is a caller-visible
	// contract violation and the session is torn down immediately.
	for _, name := range req.SecretNames {
		if !hasToken(grant.Tokens, name) {
			revokeErr := (&backendRevoker{adapter: c.adapter}).RevokeSession(ctx, grant.SessionID)
			if revokeErr != nil {
				c.log.Error("teardown after partial grant failed", "session_id", grant.SessionID, "error", revokeErr)
			}
			return nil, types.ErrSecretNotAvailable(name)
		}
	}

	sess, err := c.registry.Register(*grant)
	if err != nil {
		return nil, fmt.Errorf("broker.RequestAccess: %w", err)
	}
	req.Status = types.StatusActivated
	c.record(ctx, audit.KindAccessActivated, map[string]any{
		"requestId":   req.RequestID,
		"sessionId":   sess.ID,
		"secretNames": sess.SecretNames(),
		"expiresAt":   sess.ExpiresAt,
		"status":      string(req.Status),
	})
	return sess, nil
}

// UseSecrets scopes fn to a fresh session and guarantees cleanup on every
// exit path, including a panic inside fn.
func (c *Client) UseSecrets(ctx context.Context, secretNames []string, opts AccessOptions, fn func(*sessions.Session) error) (err error) {
	sess, err := c.RequestAccess(ctx, secretNames, opts)
	if err != nil {
		return err
	}
	defer func() {
		cleanupErr := sess.Cleanup(ctx)
		if cleanupErr == nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("broker.UseSecrets cleanup: %w", cleanupErr)
		} else {
			// Never mask the callback's error with a teardown failure.
			c.log.Error("cleanup after callback failure also failed", "session_id", sess.ID, "error", cleanupErr)
		}
	}()
	return fn(sess)
}

// UseSecret is UseSecrets for a single name. The proxy is resolved before fn
// runs, so fn receives the real value alongside the proxy metadata; the value
// must not outlive the callback.
func (c *Client) UseSecret(ctx context.Context, secretName string, opts AccessOptions, fn func(value string, secret types.ProxySecret) error) error {
	return c.UseSecrets(ctx, []string{secretName}, opts, func(sess *sessions.Session) error {
		ps, ok := sess.Secret(secretName)
		if !ok {
			return types.ErrSecretNotAvailable(secretName)
		}
		value, err := c.ResolveProxy(ctx, ps.ProxyValue)
		if err != nil {
			return fmt.Errorf("broker.UseSecret %s: %w", secretName, err)
		}
		return fn(value, ps)
	})
}

// InjectAsEnvironment resolves the named secrets and returns KEY=value pairs
// for exec.Cmd.Env, plus a release function that revokes the session. It
// fails fast when the host environment has no process/environment model.
func (c *Client) InjectAsEnvironment(ctx context.Context, secretNames []string, opts AccessOptions) ([]string, func(), error) {
	if !c.adapter.SupportsProcessEnv() {
		return nil, nil, types.ErrEnvironmentUnsupported("environment injection requires a process environment model")
	}

	sess, err := c.RequestAccess(ctx, secretNames, opts)
	if err != nil {
		return nil, nil, err
	}

	env := make([]string, 0, len(sess.Secrets))
	for _, ps := range sess.Secrets {
		value, err := c.ResolveProxy(ctx, ps.ProxyValue)
		if err != nil {
			if cleanupErr := sess.Cleanup(ctx); cleanupErr != nil {
				c.log.Error("teardown after resolve failure also failed", "session_id", sess.ID, "error", cleanupErr)
			}
			return nil, nil, fmt.Errorf("broker.InjectAsEnvironment %s: %w", ps.Name, err)
		}
		env = append(env, ps.Name+"="+value)
	}

	release := func() {
		if err := sess.Cleanup(context.Background()); err != nil {
			c.log.Error("environment release failed", "session_id", sess.ID, "error", err)
		}
	}
	return env, release, nil
}

// ResolveProxy exchanges a single proxy token for its underlying value.
// Used when the scoped-callback pattern is insufficient.
func (c *Client) ResolveProxy(ctx context.Context, proxyValue string) (string, error) {
	resp, err := c.adapter.Post(ctx, "/mcp/resolve-token", map[string]string{"proxyValue": proxyValue})
	if err != nil {
		return "", fmt.Errorf("broker.ResolveProxy: %w", err)
	}
	var out struct {
		Value string `json:"value"`
	}
	if err := transport.DecodeJSON(resp, "POST /mcp/resolve-token", &out); err != nil {
		return "", fmt.Errorf("broker.ResolveProxy: %w", err)
	}
	return out.Value, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry introspection and teardown
// ──────────────────────────────────────────────────────────────────────────────

// ListActiveSessions returns the locally registered sessions.
func (c *Client) ListActiveSessions() []types.SessionInfo {
	return c.registry.List()
}

// BackendSessions fetches the backend's view of active sessions for this tool.
func (c *Client) BackendSessions(ctx context.Context) ([]types.SessionInfo, error) {
	resp, err := c.adapter.Get(ctx, "/mcp/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("broker.BackendSessions: %w", err)
	}
	var out []types.SessionInfo
	if err := transport.DecodeJSON(resp, "GET /mcp/sessions", &out); err != nil {
		return nil, fmt.Errorf("broker.BackendSessions: %w", err)
	}
	return out, nil
}

// RevokeSession cleans up a single session. Unknown ids are a no-op.
func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	return c.registry.Cleanup(ctx, sessionID)
}

// CleanupAll revokes every live session; failures are joined, not fail-fast.
func (c *Client) CleanupAll(ctx context.Context) error {
	return c.registry.CleanupAll(ctx)
}

// Close stops the push channel and tears down all sessions. Intended for
// process shutdown.
func (c *Client) Close(ctx context.Context) error {
	if c.stream != nil {
		c.stream.Stop()
	}
	return c.CleanupAll(ctx)
}

// ──────────────────────────────────────────────────────────────────────────────
// Router and events passthrough
// ──────────────────────────────────────────────────────────────────────────────

// Router exposes the request-routing layer.
func (c *Client) Router() *router.Client { return c.router }

// On subscribes to a single event type.
func (c *Client) On(eventType string, fn events.Handler) (unsubscribe func()) {
	return c.bus.On(eventType, fn)
}

// OnAll subscribes to every event.
func (c *Client) OnAll(fn events.Handler) (unsubscribe func()) {
	return c.bus.OnAll(fn)
}

// StreamState reports the push channel state; StreamDisabled when the
// channel was never started. A degraded stream means approvals resolve by
// timeout only.
func (c *Client) StreamState() StreamState {
	if c.stream == nil {
		return StreamDisabled
	}
	return c.stream.State()
}

// Health checks backend liveness.
func (c *Client) Health(ctx context.Context) (types.HealthInfo, error) {
	resp, err := c.adapter.Get(ctx, "/health", nil)
	if err != nil {
		return types.HealthInfo{}, fmt.Errorf("broker.Health: %w", err)
	}
	var out types.HealthInfo
	if err := transport.DecodeJSON(resp, "GET /health", &out); err != nil {
		return types.HealthInfo{}, fmt.Errorf("broker.Health: %w", err)
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Backend wire calls
// ──────────────────────────────────────────────────────────────────────────────

type accessRequestWire struct {
	ToolID      string            `json:"toolId"`
	SecretNames []string          `json:"secretNames"`
	Context     accessContextWire `json:"context"`
}

type accessContextWire struct {
	ToolID               string             `json:"toolId"`
	ToolName             string             `json:"toolName,omitempty"`
	ToolVersion          string             `json:"toolVersion,omitempty"`
	SessionID            string             `json:"sessionId"`
	UserApprovalRequired bool               `json:"userApprovalRequired"`
	Metadata             accessMetadataWire `json:"metadata"`
}

type accessMetadataWire struct {
	Justification     string `json:"justification,omitempty"`
	EstimatedDuration int    `json:"estimatedDuration"`
	Environment       string `json:"environment,omitempty"`
	Project           string `json:"project,omitempty"`
}

func (c *Client) submit(ctx context.Context, req types.AccessRequest) (*types.AccessRequestResponse, error) {
	wire := accessRequestWire{
		ToolID:      req.Tool.ToolID,
		SecretNames: req.SecretNames,
		Context: accessContextWire{
			ToolID:               req.Tool.ToolID,
			ToolName:             req.Tool.ToolName,
			ToolVersion:          req.Tool.ToolVersion,
			SessionID:            c.instanceID,
			UserApprovalRequired: req.RequireApproval,
			Metadata: accessMetadataWire{
				Justification:     req.Justification,
				EstimatedDuration: req.DurationSeconds,
				Environment:       req.Environment,
				Project:           req.Project,
			},
		},
	}
	resp, err := c.adapter.Post(ctx, "/mcp/access-request", wire)
	if err != nil {
		return nil, fmt.Errorf("broker.RequestAccess submit: %w", err)
	}
	var out types.AccessRequestResponse
	if err := transport.DecodeJSON(resp, "POST /mcp/access-request", &out); err != nil {
		return nil, fmt.Errorf("broker.RequestAccess submit: %w", err)
	}
	if out.RequestID == "" {
		return nil, types.ErrServer("backend returned no request id", resp.StatusCode)
	}
	return &out, nil
}

func (c *Client) activate(ctx context.Context, requestID string) (*types.ActivateResponse, error) {
	resp, err := c.adapter.Post(ctx, "/mcp/activate-access", map[string]string{"requestId": requestID})
	if err != nil {
		return nil, fmt.Errorf("broker.RequestAccess activate: %w", err)
	}
	var out types.ActivateResponse
	if err := transport.DecodeJSON(resp, "POST /mcp/activate-access", &out); err != nil {
		return nil, fmt.Errorf("broker.RequestAccess activate: %w", err)
	}
	return &out, nil
}

func (c *Client) record(ctx context.Context, kind string, data map[string]any) {
	if c.trail == nil {
		return
	}
	if err := c.trail.Record(ctx, kind, data); err != nil {
		c.log.Error("audit record failed", "kind", kind, "error", err)
	}
}

func hasToken(tokens []types.ProxySecret, name string) bool {
	for _, t := range tokens {
		if t.Name == name {
			return true
		}
	}
	return false
}

// backendRevoker implements sessions.Revoker against the backend.
type backendRevoker struct {
	adapter transport.Adapter
}

func (r *backendRevoker) RevokeSession(ctx context.Context, sessionID string) error {
	resp, err := r.adapter.Post(ctx, "/mcp/revoke-session", map[string]string{"sessionId": sessionID})
	if err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	if err := resp.AsError("POST /mcp/revoke-session"); err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	return nil
}

func (r *backendRevoker) RevokeToken(ctx context.Context, tokenID string) error {
	resp, err := r.adapter.Post(ctx, "/mcp/revoke-token", map[string]string{"tokenId": tokenID})
	if err != nil {
		return fmt.Errorf("revoke token %s: %w", tokenID, err)
	}
	if err := resp.AsError("POST /mcp/revoke-token"); err != nil {
		return fmt.Errorf("revoke token %s: %w", tokenID, err)
	}
	return nil
}
