// Package types defines the canonical access-request and session schema used
// across the broker client.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Limits
// ──────────────────────────────────────────────────────────────────────────────

const (
	MaxSecretNames         = 50
	MaxSecretNameBytes     = 256
	MaxJustificationBytes  = 2 * 1024
	DefaultDurationSeconds = 300
	MaxDurationSeconds     = 24 * 60 * 60
	DefaultApprovalTimeout = 300 * time.Second
	CurrentProtocolVersion = "1.0"
)

// ──────────────────────────────────────────────────────────────────────────────
// ToolIdentity — who is asking.
// ──────────────────────────────────────────────────────────────────────────────

type ToolIdentity struct {
	ToolID      string `json:"toolId"`
	ToolName    string `json:"toolName,omitempty"`
	ToolVersion string `json:"toolVersion,omitempty"`
}

func (t ToolIdentity) Validate() error {
	if strings.TrimSpace(t.ToolID) == "" {
		return &ValidationError{Field: "toolId", Reason: "required"}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// AccessRequest — the negotiation artifact sent to the backend.
// Immutable after creation except for Status.
// ──────────────────────────────────────────────────────────────────────────────

type AccessStatus string

const (
	StatusCreated   AccessStatus = "created"
	StatusActivated AccessStatus = "activated"
	StatusDenied    AccessStatus = "denied"
	StatusExpired   AccessStatus = "expired"
)

type AccessRequest struct {
	// Identity
	Tool ToolIdentity `json:"tool"`

	// What is being requested
	SecretNames []string `json:"secretNames"`

	// Why and for how long
	Justification   string `json:"justification,omitempty"`
	DurationSeconds int    `json:"estimatedDuration"`

	// Gating
	RequireApproval bool `json:"userApprovalRequired"`

	// Target tags
	Environment string `json:"environment,omitempty"`
	Project     string `json:"project,omitempty"`

	// Assigned by the backend on submission
	RequestID string       `json:"requestId,omitempty"`
	Status    AccessStatus `json:"status,omitempty"`

	RequestedAt time.Time `json:"requestedAt"`
}

// Normalize trims secret names and fills defaults.
func (r *AccessRequest) Normalize() {
	for i, n := range r.SecretNames {
		r.SecretNames[i] = strings.TrimSpace(n)
	}
	if r.DurationSeconds <= 0 {
		r.DurationSeconds = DefaultDurationSeconds
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusCreated
	}
}

// Validate enforces all invariants on the request. Also normalizes it.
func (r *AccessRequest) Validate() error {
	r.Normalize()

	if err := r.Tool.Validate(); err != nil {
		return err
	}
	if len(r.SecretNames) == 0 {
		return &ValidationError{Field: "secretNames", Reason: "required"}
	}
	if len(r.SecretNames) > MaxSecretNames {
		return &ValidationError{Field: "secretNames", Reason: fmt.Sprintf("exceeds %d entries", MaxSecretNames)}
	}
	seen := make(map[string]bool, len(r.SecretNames))
	for _, n := range r.SecretNames {
		if n == "" {
			return &ValidationError{Field: "secretNames", Reason: "empty name"}
		}
		if len(n) > MaxSecretNameBytes {
			return &ValidationError{Field: "secretNames", Reason: fmt.Sprintf("name exceeds %d bytes", MaxSecretNameBytes)}
		}
		if seen[n] {
			return &ValidationError{Field: "secretNames", Reason: fmt.Sprintf("duplicate name %q", n)}
		}
		seen[n] = true
	}
	if len(r.Justification) > MaxJustificationBytes {
		return &ValidationError{Field: "justification", Reason: fmt.Sprintf("exceeds %d bytes", MaxJustificationBytes)}
	}
	if r.DurationSeconds > MaxDurationSeconds {
		return &ValidationError{Field: "estimatedDuration", Reason: fmt.Sprintf("exceeds %d seconds", MaxDurationSeconds)}
	}
	return nil
}

// Duration returns the negotiated lifetime as a time.Duration.
func (r *AccessRequest) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}

// ──────────────────────────────────────────────────────────────────────────────
// ProxySecret — an opaque handle standing in for a secret value.
// ──────────────────────────────────────────────────────────────────────────────

type ProxySecret struct {
	Name       string    `json:"secretName"`
	ProxyValue string    `json:"proxyValue"`
	TokenID    string    `json:"tokenId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Backend wire payloads
// ──────────────────────────────────────────────────────────────────────────────

type AccessRequestResponse struct {
	RequestID        string `json:"requestId"`
	RequiresApproval bool   `json:"requiresApproval"`
}

type ActivateResponse struct {
	SessionID string        `json:"sessionId"`
	ExpiresAt time.Time     `json:"expiresAt"`
	Tokens    []ProxySecret `json:"tokens"`
}

type SessionInfo struct {
	SessionID   string    `json:"sessionId"`
	SecretNames []string  `json:"secretNames"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type HealthInfo struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
