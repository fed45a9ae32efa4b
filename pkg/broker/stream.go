package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/keyleasehq/keylease/pkg/events"
	"golang.org/x/time/rate"
)

// StreamState describes the push channel.
type StreamState string

const (
	// StreamDisabled means the channel was never started.
	StreamDisabled StreamState = "disabled"
	// StreamConnecting covers the window before the first successful connect.
	StreamConnecting StreamState = "connecting"
	// StreamConnected means decision events arrive in real time.
	StreamConnected StreamState = "connected"
	// StreamDegraded means the channel is down and approvals resolve by
	// timeout only until it reconnects.
	StreamDegraded StreamState = "degraded"
	// StreamStopped is terminal after Stop.
	StreamStopped StreamState = "stopped"
)

// reconnectEvery paces reconnect attempts so a flapping backend is not
// hammered.
const reconnectEvery = 5 * time.Second

// DecisionStream consumes the backend's server-sent event feed and republishes
// approval decisions and server-side revocations onto the event bus. Losing
// the stream is not fatal: the client degrades to timeout-only approvals and
// keeps trying to reconnect.
type DecisionStream struct {
	log     *slog.Logger
	bus     *events.Bus
	url     string
	bearer  string
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	state  StreamState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDecisionStream builds a stream against endpoint's /mcp/events feed.
func NewDecisionStream(endpoint, bearer string, bus *events.Bus, log *slog.Logger) *DecisionStream {
	if log == nil {
		log = slog.Default()
	}
	return &DecisionStream{
		log:    log,
		bus:    bus,
		url:    strings.TrimRight(endpoint, "/") + "/mcp/events",
		bearer: bearer,
		// No client timeout: the response body is a long-lived stream.
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Every(reconnectEvery), 1),
		state:   StreamConnecting,
	}
}

// Start launches the consume loop. Calling Start twice is a no-op.
func (s *DecisionStream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop tears the stream down and waits for the consume loop to exit.
func (s *DecisionStream) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.setState(StreamStopped, "")
}

// State returns the current channel state.
func (s *DecisionStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *DecisionStream) run(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.setState(StreamDegraded, fmt.Sprint(err))
	}
}

func (s *DecisionStream) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+s.bearer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("stream: connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream: connect: status %d", resp.StatusCode)
	}

	s.setState(StreamConnected, "")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				s.dispatch(eventName, strings.Join(data, "\n"))
			}
			eventName, data = "", nil
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			// Multiple data lines per message join with a newline.
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream: read: %w", err)
	}
	return fmt.Errorf("stream: server closed the feed")
}

// dispatch republishes one decoded feed message. Unknown types are logged and
// dropped rather than surfaced to waiters.
func (s *DecisionStream) dispatch(eventName, data string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		s.log.Warn("stream: discarding malformed event", "error", err)
		return
	}
	typ, _ := payload["type"].(string)
	if typ == "" {
		typ = eventName
	}
	switch typ {
	case events.TypeApprovalDecision, events.TypeSessionRevoked:
		s.bus.Emit(events.Event{Type: typ, Data: payload})
	default:
		s.log.Debug("stream: ignoring event", "type", typ)
	}
}

// setState records a transition and emits it once; repeat transitions to the
// same state stay silent so a reconnect loop does not spam subscribers.
func (s *DecisionStream) setState(next StreamState, reason string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}

	switch next {
	case StreamConnected:
		s.log.Info("decision stream connected")
		s.bus.Emit(events.Event{Type: events.TypeStreamConnected, Data: map[string]any{}})
	case StreamDegraded:
		s.log.Warn("decision stream degraded, approvals fall back to timeout", "reason", reason)
		s.bus.Emit(events.Event{Type: events.TypeStreamDegraded, Data: map[string]any{"reason": reason}})
	}
}
