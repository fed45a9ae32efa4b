package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// RouterRequest — a single dispatch to a downstream integration.
// Transient, single-use; no persisted identity.
// ──────────────────────────────────────────────────────────────────────────────

type RouterRequest struct {
	Service string         `json:"service"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params,omitempty"`
	Body    map[string]any `json:"body,omitempty"`

	// Idempotent marks the action as safe to retry after a transport
	// timeout. 5xx responses are retried regardless.
	Idempotent bool `json:"-"`

	// IdempotencyKey deduplicates replays server-side. Filled by the
	// router client when empty.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Normalize lowercases service/action.
func (r *RouterRequest) Normalize() {
	r.Service = strings.ToLower(strings.TrimSpace(r.Service))
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
}

// Validate enforces invariants on the request. Also normalizes it.
func (r *RouterRequest) Validate() error {
	r.Normalize()
	if r.Service == "" {
		return &ValidationError{Field: "service", Reason: "required"}
	}
	if r.Action == "" {
		return &ValidationError{Field: "action", Reason: "required"}
	}
	return nil
}

// ServiceAction returns the combined "service.action" string.
func (r *RouterRequest) ServiceAction() string {
	return r.Service + "." + r.Action
}

// ──────────────────────────────────────────────────────────────────────────────
// RouterResponse
// ──────────────────────────────────────────────────────────────────────────────

type RouterError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type RouterMeta struct {
	RequestID          string `json:"requestId"`
	ResponseTimeMs     int64  `json:"responseTimeMs"`
	RateLimitRemaining *int   `json:"rateLimitRemaining,omitempty"`
	RateLimitReset     *int64 `json:"rateLimitReset,omitempty"` // unix seconds
}

type RouterResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *RouterError    `json:"error,omitempty"`
	Meta    RouterMeta      `json:"meta"`
}

// ──────────────────────────────────────────────────────────────────────────────
// RateLimitState — client-side cache of per-service counters.
// Used only for early warnings; the authoritative limit is server-side.
// ──────────────────────────────────────────────────────────────────────────────

type RateLimitState struct {
	Service   string    `json:"service"`
	Limit     int       `json:"limit,omitempty"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}
