// Package sessions tracks activated access grants and guarantees their
// revocation exactly once, on use, on demand, or on expiry.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/keyleasehq/keylease/pkg/types"
)

// Revoker releases grants on the backend. Implemented by the broker client.
type Revoker interface {
	RevokeSession(ctx context.Context, sessionID string) error
	RevokeToken(ctx context.Context, tokenID string) error
}

// Session is an activated grant: proxy tokens plus a hard expiry deadline.
// Owned by the Registry from creation until cleanup completes.
type Session struct {
	ID        string
	Secrets   []types.ProxySecret
	ExpiresAt time.Time

	mu      sync.Mutex
	cleaned bool
	revoked map[string]bool // tokenID → already revoked individually
	timer   *time.Timer
	onClean func(sessionID string, revokeErr error)
	revoker Revoker
}

// Secret returns the proxy secret with the given name.
func (s *Session) Secret(name string) (types.ProxySecret, bool) {
	for _, ps := range s.Secrets {
		if ps.Name == name {
			return ps, true
		}
	}
	return types.ProxySecret{}, false
}

// SecretNames returns the granted names in grant order.
func (s *Session) SecretNames() []string {
	names := make([]string, len(s.Secrets))
	for i, ps := range s.Secrets {
		names[i] = ps.Name
	}
	return names
}

// RevokeSecret revokes a single proxy token ahead of session cleanup.
// Revoking the same name twice is a no-op.
func (s *Session) RevokeSecret(ctx context.Context, name string) error {
	ps, ok := s.Secret(name)
	if !ok {
		return types.ErrSecretNotAvailable(name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned || s.revoked[ps.TokenID] {
		return nil
	}
	if err := s.revoker.RevokeToken(ctx, ps.TokenID); err != nil {
		return err
	}
	if s.revoked == nil {
		s.revoked = make(map[string]bool)
	}
	s.revoked[ps.TokenID] = true
	return nil
}

// Cleanup revokes the whole session. Safe to call any number of times;
// every call after the first is a no-op. The session is removed from its
// registry before Cleanup returns, even when revocation fails.
func (s *Session) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return nil
	}
	s.cleaned = true
	if s.timer != nil {
		s.timer.Stop()
	}

	err := s.revoker.RevokeSession(ctx, s.ID)
	if s.onClean != nil {
		s.onClean(s.ID, err)
	}
	return err
}
