package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/keyleasehq/keylease/pkg/events"
	"github.com/keyleasehq/keylease/pkg/types"
)

// Registry tracks all currently open sessions and their expiry timers.
// It holds its own mutex; approval state lives behind a separate lock so
// unrelated sessions and approvals never contend.
type Registry struct {
	log     *slog.Logger
	bus     *events.Bus
	revoker Revoker

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(revoker Revoker, bus *events.Bus, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:      log,
		bus:      bus,
		revoker:  revoker,
		sessions: make(map[string]*Session),
	}
}

// Register builds a Session from an activation grant, arms its expiry timer,
// and tracks it. At most one live session may exist per id.
func (r *Registry) Register(grant types.ActivateResponse) (*Session, error) {
	if grant.SessionID == "" {
		return nil, fmt.Errorf("sessions.Register: empty session id")
	}

	sess := &Session{
		ID:        grant.SessionID,
		Secrets:   grant.Tokens,
		ExpiresAt: grant.ExpiresAt,
		revoker:   r.revoker,
		onClean:   r.remove,
	}

	r.mu.Lock()
	if _, exists := r.sessions[sess.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("sessions.Register: session %s already registered", sess.ID)
	}
	r.sessions[sess.ID] = sess

	// Expiry is a hard deadline: the timer fires the exact same cleanup
	// path a caller would use. The timer field is written under the session
	// lock because an already-expired grant fires the callback immediately,
	// and Cleanup reads the field under that same lock.
	until := time.Until(grant.ExpiresAt)
	if until < 0 {
		until = 0
	}
	sess.mu.Lock()
	sess.timer = time.AfterFunc(until, func() {
		if err := sess.Cleanup(context.Background()); err != nil {
			r.log.Error("expiry cleanup failed", "session_id", sess.ID, "error", err)
		}
	})
	sess.mu.Unlock()
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Emit(events.Event{Type: events.TypeSessionActivated, Data: map[string]any{
			"sessionId":   sess.ID,
			"secretNames": sess.SecretNames(),
			"expiresAt":   sess.ExpiresAt,
		}})
	}
	return sess, nil
}

// Get returns the live session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// List returns info for all live sessions, ordered by session id.
func (r *Registry) List() []types.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, types.SessionInfo{
			SessionID:   s.ID,
			SecretNames: s.SecretNames(),
			ExpiresAt:   s.ExpiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Cleanup revokes a single session by id. Unknown ids are a no-op: the
// session may already have expired.
func (r *Registry) Cleanup(ctx context.Context, id string) error {
	sess, ok := r.Get(id)
	if !ok {
		return nil
	}
	return sess.Cleanup(ctx)
}

// CleanupAll revokes every live session. Individual failures are collected
// and joined; one failing session never prevents the others from being
// cleaned up.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// remove is the onClean hook: it runs inside Session.Cleanup before it
// returns, so a cleaned session is never observable in the registry.
func (r *Registry) remove(sessionID string, revokeErr error) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if revokeErr != nil {
		r.log.Error("session revoke failed", "session_id", sessionID, "error", revokeErr)
	} else {
		r.log.Info("session cleaned", "session_id", sessionID)
	}
	if r.bus != nil {
		r.bus.Emit(events.Event{Type: events.TypeSessionCleanup, Data: map[string]any{
			"sessionId": sessionID,
			"failed":    revokeErr != nil,
		}})
	}
}
