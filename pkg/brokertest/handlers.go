package brokertest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/keyleasehq/keylease/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthInfo{Status: "ok", Version: "brokertest"})
}

func (s *Server) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToolID      string   `json:"toolId"`
		SecretNames []string `json:"secretNames"`
		Context     struct {
			UserApprovalRequired bool `json:"userApprovalRequired"`
			Metadata             struct {
				EstimatedDuration int `json:"estimatedDuration"`
			} `json:"metadata"`
		} `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrClient("malformed access request", http.StatusBadRequest).WriteJSON(w)
		return
	}
	if req.ToolID == "" || len(req.SecretNames) == 0 {
		types.ErrClient("toolId and secretNames are required", http.StatusBadRequest).WriteJSON(w)
		return
	}

	s.mu.Lock()
	for _, name := range req.SecretNames {
		if _, ok := s.secrets[name]; !ok {
			s.mu.Unlock()
			types.ErrSecretNotAvailable(name).WriteJSON(w)
			return
		}
	}
	ar := &accessRequest{
		id:               "req-" + uuid.NewString(),
		secretNames:      req.SecretNames,
		requiresApproval: req.Context.UserApprovalRequired,
		duration:         time.Duration(req.Context.Metadata.EstimatedDuration) * time.Second,
	}
	s.requests[ar.id] = ar
	autoApprove := s.autoApprove && ar.requiresApproval
	s.mu.Unlock()

	if autoApprove {
		go s.Decide(ar.id, true)
	}
	writeJSON(w, http.StatusOK, types.AccessRequestResponse{
		RequestID:        ar.id,
		RequiresApproval: ar.requiresApproval,
	})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrClient("malformed activation request", http.StatusBadRequest).WriteJSON(w)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ar, ok := s.requests[req.RequestID]
	if !ok {
		types.ErrClient(fmt.Sprintf("unknown request %s", req.RequestID), http.StatusNotFound).WriteJSON(w)
		return
	}
	if ar.requiresApproval && (ar.approved == nil || !*ar.approved) {
		types.ErrAccessDenied(fmt.Sprintf("request %s is not approved", req.RequestID)).WriteJSON(w)
		return
	}

	ttl := s.sessionTTL
	if ttl == 0 {
		ttl = ar.duration
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	sess := &session{
		id:        "sess-" + uuid.NewString(),
		expiresAt: time.Now().Add(ttl).UTC(),
	}
	for _, name := range ar.secretNames {
		tokenID := "tok-" + uuid.NewString()
		proxyValue := "proxy://" + uuid.NewString()
		s.tokens[tokenID] = &token{sessionID: sess.id, name: name, value: s.secrets[name]}
		s.proxies[proxyValue] = tokenID
		sess.tokens = append(sess.tokens, types.ProxySecret{
			Name:       name,
			ProxyValue: proxyValue,
			TokenID:    tokenID,
			ExpiresAt:  sess.expiresAt,
		})
	}
	s.sessions[sess.id] = sess

	writeJSON(w, http.StatusOK, types.ActivateResponse{
		SessionID: sess.id,
		ExpiresAt: sess.expiresAt,
		Tokens:    sess.tokens,
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProxyValue string `json:"proxyValue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrClient("malformed resolve request", http.StatusBadRequest).WriteJSON(w)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tokenID, ok := s.proxies[req.ProxyValue]
	if !ok {
		types.ErrClient("unknown proxy value", http.StatusNotFound).WriteJSON(w)
		return
	}
	tok := s.tokens[tokenID]
	sess := s.sessions[tok.sessionID]
	if tok.revoked || sess == nil || sess.revoked || time.Now().After(sess.expiresAt) {
		types.ErrAccessDenied("token is no longer valid").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": tok.value})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TokenID string `json:"tokenId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrClient("malformed revoke request", http.StatusBadRequest).WriteJSON(w)
		return
	}

	s.mu.Lock()
	if tok, ok := s.tokens[req.TokenID]; ok {
		tok.revoked = true
	}
	s.mu.Unlock()

	// Idempotent: revoking an unknown or already-revoked token succeeds.
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrClient("malformed revoke request", http.StatusBadRequest).WriteJSON(w)
		return
	}

	s.mu.Lock()
	s.revokeCalls[req.SessionID]++
	if sess, ok := s.sessions[req.SessionID]; ok {
		sess.revoked = true
		for _, ps := range sess.tokens {
			if tok, ok := s.tokens[ps.TokenID]; ok {
				tok.revoked = true
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.revoked || time.Now().After(sess.expiresAt) {
			continue
		}
		names := make([]string, len(sess.tokens))
		for i, ps := range sess.tokens {
			names[i] = ps.Name
		}
		out = append(out, types.SessionInfo{
			SessionID:   sess.id,
			SecretNames: names,
			ExpiresAt:   sess.expiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		types.ErrServer("streaming unsupported", http.StatusInternalServerError).WriteJSON(w)
		return
	}

	ch := make(chan string, 16)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		types.ErrServer("broker shutting down", http.StatusServiceUnavailable).WriteJSON(w)
		return
	}
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Router
// ──────────────────────────────────────────────────────────────────────────────

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req types.RouterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		types.ErrClient("malformed router request", http.StatusBadRequest).WriteJSON(w)
		return
	}

	s.mu.Lock()
	limit := s.limits[req.Service]
	handler := s.handlers[req.Service]
	s.mu.Unlock()

	meta := types.RouterMeta{
		RequestID:      "rt-" + uuid.NewString(),
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}
	if limit != nil {
		if !limit.limiter.Allow() {
			zero := 0
			reset := limit.resetAt.Unix()
			meta.RateLimitRemaining = &zero
			meta.RateLimitReset = &reset
			writeJSON(w, http.StatusOK, types.RouterResponse{
				Success: false,
				Error:   &types.RouterError{Code: "RATE_LIMITED", Message: "service budget exhausted"},
				Meta:    meta,
			})
			return
		}
		s.mu.Lock()
		if limit.remaining > 0 {
			limit.remaining--
		}
		remaining := limit.remaining
		reset := limit.resetAt.Unix()
		s.mu.Unlock()
		meta.RateLimitRemaining = &remaining
		meta.RateLimitReset = &reset
	}

	if handler == nil {
		// Echo by default so transport-level tests need no registration.
		data, _ := json.Marshal(map[string]string{"service": req.Service, "action": req.Action})
		writeJSON(w, http.StatusOK, types.RouterResponse{Success: true, Data: data, Meta: meta})
		return
	}

	out, err := handler(req.Action, req.Params, req.Body)
	if err != nil {
		writeJSON(w, http.StatusOK, types.RouterResponse{
			Success: false,
			Error:   &types.RouterError{Code: "DOWNSTREAM_ERROR", Message: err.Error()},
			Meta:    meta,
		})
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		types.ErrServer("marshal downstream response", http.StatusInternalServerError).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, types.RouterResponse{Success: true, Data: data, Meta: meta})
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.RateLimitState, 0, len(s.limits))
	for name, limit := range s.limits {
		if service != "" && name != service {
			continue
		}
		out = append(out, types.RateLimitState{
			Service:   name,
			Limit:     limit.limit,
			Remaining: limit.remaining,
			ResetAt:   limit.resetAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
