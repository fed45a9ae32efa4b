// Package router dispatches named (service, action) requests to downstream
// integrations through the transport adapter, with retry, batching, and
// rate-limit introspection.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keyleasehq/keylease/pkg/events"
	"github.com/keyleasehq/keylease/pkg/transport"
	"github.com/keyleasehq/keylease/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	executePath    = "/api/v1/mcp/router/execute"
	rateLimitsPath = "/api/v1/mcp/router/rate-limits"

	// Warning thresholds: remaining calls at or under the absolute floor,
	// or under a tenth of the known limit.
	warnRemainingFloor    = 10
	warnRemainingFraction = 0.10
)

// Client routes requests through the transport adapter.
type Client struct {
	log     *slog.Logger
	adapter transport.Adapter
	bus     *events.Bus

	rlMu   sync.Mutex
	limits map[string]types.RateLimitState
	warned map[string]time.Time // service → reset window already warned for
}

// New creates a router client. The bus may be nil when no one listens for
// rate-limit warnings.
func New(adapter transport.Adapter, bus *events.Bus, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		log:     log,
		adapter: adapter,
		bus:     bus,
		limits:  make(map[string]types.RateLimitState),
		warned:  make(map[string]time.Time),
	}
}

// Execute performs a single dispatch. A downstream failure reported by the
// router (success=false) is returned as a response, not an error; errors are
// reserved for transport and HTTP-level failures.
func (c *Client) Execute(ctx context.Context, req types.RouterRequest) (*types.RouterResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, types.ErrValidation(err)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	ctx, span := otel.Tracer("keylease/router").Start(ctx, "router.execute")
	span.SetAttributes(
		attribute.String("router.service", req.Service),
		attribute.String("router.action", req.Action),
	)
	defer span.End()

	start := time.Now()
	httpResp, err := c.adapter.Post(ctx, executePath, req)
	elapsed := time.Since(start)

	outcome := "success"
	defer func() { observeDispatch(req.Service, outcome, elapsed) }()

	if err != nil {
		outcome = "transport_error"
		return nil, fmt.Errorf("router.Execute %s: %w", req.ServiceAction(), err)
	}

	var resp types.RouterResponse
	if err := transport.DecodeJSON(httpResp, "POST "+executePath, &resp); err != nil {
		outcome = outcomeForError(err)
		return nil, fmt.Errorf("router.Execute %s: %w", req.ServiceAction(), err)
	}
	if !resp.Success {
		outcome = "downstream_error"
	}

	c.observeRateLimit(req.Service, resp.Meta)
	return &resp, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Retry
// ──────────────────────────────────────────────────────────────────────────────

// RetryPolicy configures ExecuteWithRetry. Zero values fall back to a
// doubling backoff starting at Delay and capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy retries three times, 500ms doubling up to 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Delay <= 0 {
		p.Delay = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// backoffForAttempt doubles the base delay per attempt, bounded by MaxDelay.
func (p RetryPolicy) backoffForAttempt(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := p.Delay * time.Duration(1<<attempt)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// ExecuteWithRetry retries transient failures only: 5xx-class errors, plus
// transport timeouts when the request is marked idempotent. 4xx-class errors
// propagate immediately with no retry.
func (c *Client) ExecuteWithRetry(ctx context.Context, req types.RouterRequest, policy RetryPolicy) (*types.RouterResponse, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.Execute(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !c.shouldRetry(req, err) || attempt >= policy.MaxRetries {
			return nil, err
		}
		lastErr = err
		recordRetry(req.Service)

		delay := policy.backoffForAttempt(attempt)
		c.log.Warn("retrying router request",
			"service_action", req.ServiceAction(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("router.ExecuteWithRetry %s: %w (last attempt: %v)", req.ServiceAction(), ctx.Err(), lastErr)
		}
	}
}

func (c *Client) shouldRetry(req types.RouterRequest, err error) bool {
	if types.IsTimeout(err) {
		return req.Idempotent
	}
	return types.IsCode(err, types.CodeServerError)
}

// ──────────────────────────────────────────────────────────────────────────────
// Batch
// ──────────────────────────────────────────────────────────────────────────────

// ExecuteBatch dispatches all requests concurrently. The returned slice
// matches the input order; a failed dispatch becomes a failure response at
// its index and never aborts the others.
func (c *Client) ExecuteBatch(ctx context.Context, reqs []types.RouterRequest) []types.RouterResponse {
	out := make([]types.RouterResponse, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req types.RouterRequest) {
			defer wg.Done()
			resp, err := c.Execute(ctx, req)
			if err != nil {
				out[i] = failureResponse(err)
				return
			}
			out[i] = *resp
		}(i, req)
	}
	wg.Wait()
	return out
}

func failureResponse(err error) types.RouterResponse {
	re := &types.RouterError{Code: types.CodeServerError, Message: err.Error()}
	var be *types.BrokerError
	if errors.As(err, &be) {
		re.Code = be.Code
		re.Message = be.Message
		re.Details = be.Details
	}
	return types.RouterResponse{Success: false, Error: re}
}

// ──────────────────────────────────────────────────────────────────────────────
// Convenience wrappers
// ──────────────────────────────────────────────────────────────────────────────

// Get dispatches a read action and unwraps the payload, lifting a downstream
// failure into a typed error.
func (c *Client) Get(ctx context.Context, service, action string, params map[string]any) (json.RawMessage, error) {
	return c.unwrap(c.Execute(ctx, types.RouterRequest{Service: service, Action: action, Params: params, Idempotent: true}))
}

// Post dispatches a write action and unwraps the payload.
func (c *Client) Post(ctx context.Context, service, action string, body map[string]any) (json.RawMessage, error) {
	return c.unwrap(c.Execute(ctx, types.RouterRequest{Service: service, Action: action, Body: body}))
}

func (c *Client) unwrap(resp *types.RouterResponse, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, types.FromRouterError(resp.Error)
	}
	return resp.Data, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Rate limits
// ──────────────────────────────────────────────────────────────────────────────

// RateLimits fetches the authoritative server-side counters, optionally
// scoped to one service. Limits are never inferred purely client-side.
func (c *Client) RateLimits(ctx context.Context, service string) ([]types.RateLimitState, error) {
	var query url.Values
	if service != "" {
		query = url.Values{"service": []string{service}}
	}
	httpResp, err := c.adapter.Get(ctx, rateLimitsPath, query)
	if err != nil {
		return nil, fmt.Errorf("router.RateLimits: %w", err)
	}
	var out []types.RateLimitState
	if err := transport.DecodeJSON(httpResp, "GET "+rateLimitsPath, &out); err != nil {
		return nil, fmt.Errorf("router.RateLimits: %w", err)
	}
	return out, nil
}

// CachedRateLimit returns the last state observed from response metadata.
func (c *Client) CachedRateLimit(service string) (types.RateLimitState, bool) {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()
	st, ok := c.limits[service]
	return st, ok
}

// observeRateLimit refreshes the cache from response metadata and emits a
// single early warning per reset window. It never blocks a request locally.
func (c *Client) observeRateLimit(service string, meta types.RouterMeta) {
	if meta.RateLimitRemaining == nil {
		return
	}
	remaining := *meta.RateLimitRemaining
	var resetAt time.Time
	if meta.RateLimitReset != nil {
		resetAt = time.Unix(*meta.RateLimitReset, 0).UTC()
	}

	c.rlMu.Lock()
	prev := c.limits[service]
	st := types.RateLimitState{Service: service, Limit: prev.Limit, Remaining: remaining, ResetAt: resetAt}
	c.limits[service] = st

	warn := remaining <= warnRemainingFloor
	if !warn && st.Limit > 0 {
		warn = float64(remaining) < float64(st.Limit)*warnRemainingFraction
	}
	if warn {
		if last, ok := c.warned[service]; ok && !resetAt.After(last) {
			warn = false // already warned for this window
		} else {
			c.warned[service] = resetAt
		}
	}
	c.rlMu.Unlock()

	if warn && c.bus != nil {
		c.log.Warn("rate limit low", "service", service, "remaining", remaining, "reset_at", resetAt)
		c.bus.Emit(events.Event{Type: events.TypeRateLimitWarning, Data: map[string]any{
			"service":   service,
			"remaining": remaining,
		}})
	}
}
