// Package approvals manages pending approval waits for access requests.
// Each wait resolves exactly once: from an inbound decision event when the
// push channel is up, or from a wall-clock timeout when it is not.
package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the terminal state of an approval wait.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

// DefaultTimeout bounds every approval wait that does not specify its own.
const DefaultTimeout = 300 * time.Second

type resolution struct {
	approved bool
	timedOut bool
}

type waiter struct {
	ch    chan resolution
	timer *time.Timer
}

// maxBuffered caps the early and settled tables; when either grows past it
// the table is dropped wholesale. Request ids are ephemeral, so forgetting
// old ones only costs an extra timeout in pathological cases.
const maxBuffered = 4096

// Coordinator tracks pending approval waiters keyed by request id.
// Its table is guarded by its own mutex, separate from the session registry.
// A decision can arrive over the push channel before the requester starts
// waiting; such decisions are buffered and consumed by the next Wait.
type Coordinator struct {
	log            *slog.Logger
	defaultTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
	early   map[string]resolution
	settled map[string]struct{}
}

// NewCoordinator creates a coordinator. A non-positive timeout falls back to
// DefaultTimeout.
func NewCoordinator(timeout time.Duration, log *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:            log,
		defaultTimeout: timeout,
		waiters:        make(map[string]*waiter),
		early:          make(map[string]resolution),
		settled:        make(map[string]struct{}),
	}
}

// Wait blocks until the request is decided or the timeout forces a denial.
// A timeout resolves to OutcomeTimedOut, which callers must treat as denied.
// At most one wait may be pending per request id.
func (c *Coordinator) Wait(ctx context.Context, requestID string, timeout time.Duration) (Outcome, error) {
	if requestID == "" {
		return OutcomeDenied, fmt.Errorf("approvals.Wait: request id is required")
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	if res, ok := c.early[requestID]; ok {
		delete(c.early, requestID)
		c.markSettledLocked(requestID)
		c.mu.Unlock()
		if res.approved {
			return OutcomeApproved, nil
		}
		return OutcomeDenied, nil
	}
	if _, exists := c.waiters[requestID]; exists {
		c.mu.Unlock()
		return OutcomeDenied, fmt.Errorf("approvals.Wait: wait already pending for request %s", requestID)
	}
	w := &waiter{ch: make(chan resolution, 1)}
	c.waiters[requestID] = w
	// No waiter outlives its timeout: the timer is armed before Wait can
	// block, and resolution removes the waiter before signalling.
	w.timer = time.AfterFunc(timeout, func() {
		c.settle(requestID, resolution{timedOut: true})
	})
	c.mu.Unlock()

	c.log.Info("awaiting approval", "request_id", requestID, "timeout", timeout)

	select {
	case res := <-w.ch:
		switch {
		case res.timedOut:
			return OutcomeTimedOut, nil
		case res.approved:
			return OutcomeApproved, nil
		default:
			return OutcomeDenied, nil
		}
	case <-ctx.Done():
		c.settle(requestID, resolution{})
		return OutcomeDenied, ctx.Err()
	}
}

// Resolve applies a decision to a pending wait. The first trigger wins;
// a decision arriving after resolution is a no-op and returns false. A
// decision for a request no one is waiting on yet is buffered for the next
// Wait call.
func (c *Coordinator) Resolve(requestID string, approved bool) bool {
	res := resolution{approved: approved}

	c.mu.Lock()
	if _, ok := c.waiters[requestID]; !ok {
		if _, done := c.settled[requestID]; done {
			c.mu.Unlock()
			return false
		}
		if len(c.early) > maxBuffered {
			c.early = make(map[string]resolution)
		}
		c.early[requestID] = res
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	return c.settle(requestID, res)
}

// Pending returns the number of unresolved waiters.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Coordinator) settle(requestID string, res resolution) bool {
	c.mu.Lock()
	w, ok := c.waiters[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.waiters, requestID)
	c.markSettledLocked(requestID)
	c.mu.Unlock()

	w.timer.Stop()
	w.ch <- res
	return true
}

func (c *Coordinator) markSettledLocked(requestID string) {
	if len(c.settled) > maxBuffered {
		c.settled = make(map[string]struct{})
	}
	c.settled[requestID] = struct{}{}
}
