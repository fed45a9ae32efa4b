// Package events provides the in-process publish/subscribe bus used to
// propagate session and approval lifecycle events.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Well-known event types. The first two mirror the backend push channel;
// the rest are emitted locally by the client.
const (
	TypeApprovalDecision = "approval_decision"
	TypeSessionRevoked   = "session_revoked"
	TypeRateLimitWarning = "rate_limit.warning"
	TypeStreamConnected  = "stream.connected"
	TypeStreamDegraded   = "stream.degraded"
	TypeSessionActivated = "session.activated"
	TypeSessionCleanup   = "session.cleanup"
)

// Event is a single bus notification. Data never contains secret values.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler receives events synchronously, in subscription order.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process event bus. A panicking handler is recovered
// and logged; it never takes down the emitter.
type Bus struct {
	log    *slog.Logger
	mu     sync.Mutex
	nextID uint64
	byType map[string][]subscription
	all    []subscription
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, byType: make(map[string][]subscription)}
}

// On subscribes to a single event type. The returned function unsubscribes;
// it is safe to call more than once.
func (b *Bus) On(eventType string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[eventType] = append(b.byType[eventType], subscription{id: id, handler: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[eventType] = removeSub(b.byType[eventType], id)
	}
}

// OnAll subscribes to every event type.
func (b *Bus) OnAll(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = removeSub(b.all, id)
	}
}

// Emit delivers the event to type subscribers, then catch-all subscribers.
// Delivery is synchronous on the caller's goroutine.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.Lock()
	subs := make([]subscription, 0, len(b.byType[ev.Type])+len(b.all))
	subs = append(subs, b.byType[ev.Type]...)
	subs = append(subs, b.all...)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	s.handler(ev)
}

// WaitFor blocks until an event of the given type matching match arrives, the
// timeout elapses, or ctx is done. A nil match accepts any event of the type.
func (b *Bus) WaitFor(ctx context.Context, eventType string, match func(Event) bool, timeout time.Duration) (Event, error) {
	ch := make(chan Event, 1)
	unsubscribe := b.On(eventType, func(ev Event) {
		if match != nil && !match(ev) {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("timed out after %s waiting for %s", timeout, eventType)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func removeSub(subs []subscription, id uint64) []subscription {
	out := subs[:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
