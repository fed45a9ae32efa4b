package approvals

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestWait_ApprovedByDecision(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		if !c.Resolve("r1", true) {
			t.Error("expected first resolution to take effect")
		}
	}()

	outcome, err := c.Wait(context.Background(), "r1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApproved {
		t.Errorf("expected approved, got %s", outcome)
	}
	if c.Pending() != 0 {
		t.Error("waiter must be removed on resolution")
	}
}

func TestWait_DeniedByDecision(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve("r1", false)
	}()

	outcome, err := c.Wait(context.Background(), "r1", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeDenied {
		t.Errorf("expected denied, got %s", outcome)
	}
}

func TestWait_TimeoutResolvesDenied(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	start := time.Now()
	outcome, err := c.Wait(context.Background(), "r1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeTimedOut {
		t.Errorf("expected timed_out, got %s", outcome)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("resolved before the timeout elapsed")
	}
	if c.Pending() != 0 {
		t.Error("timed-out waiter must be removed")
	}
}

func TestResolve_LateDecisionIsNoOp(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	outcome, err := c.Wait(context.Background(), "r1", 10*time.Millisecond)
	if err != nil || outcome != OutcomeTimedOut {
		t.Fatalf("setup: outcome=%s err=%v", outcome, err)
	}
	if c.Resolve("r1", true) {
		t.Error("decision after timeout must have no observable effect")
	}
}

func TestWait_SingleResolutionUnderRace(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	done := make(chan Outcome, 1)
	go func() {
		outcome, _ := c.Wait(context.Background(), "r1", time.Second)
		done <- outcome
	}()

	// Wait for the waiter to register, then fire many racing decisions.
	for c.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	var wg sync.WaitGroup
	var effects int32
	var mu sync.Mutex
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(approved bool) {
			defer wg.Done()
			if c.Resolve("r1", approved) {
				mu.Lock()
				effects++
				mu.Unlock()
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if effects != 1 {
		t.Errorf("expected exactly one effective resolution, got %d", effects)
	}
	<-done
}

func TestWait_ConsumesEarlyDecision(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	if !c.Resolve("r1", true) {
		t.Fatal("early decision should be accepted")
	}

	start := time.Now()
	outcome, err := c.Wait(context.Background(), "r1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeApproved {
		t.Errorf("expected approved from buffered decision, got %s", outcome)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("buffered decision must resolve the wait immediately")
	}
}

func TestWait_DuplicateRequestIDRejected(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	go c.Wait(context.Background(), "r1", time.Second)
	for c.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	if _, err := c.Wait(context.Background(), "r1", time.Second); err == nil {
		t.Fatal("expected error for duplicate pending wait")
	}
	c.Resolve("r1", false)
}

func TestWait_ContextCancellation(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Wait(ctx, "r1", time.Minute)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.Pending() != 0 {
		t.Error("cancelled waiter must be removed")
	}
}
