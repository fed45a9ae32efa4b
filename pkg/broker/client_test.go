package broker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/keyleasehq/keylease/pkg/audit"
	"github.com/keyleasehq/keylease/pkg/brokertest"
	"github.com/keyleasehq/keylease/pkg/sessions"
	"github.com/keyleasehq/keylease/pkg/transport"
	"github.com/keyleasehq/keylease/pkg/types"
)

var testTool = types.ToolIdentity{ToolID: "agent-1", ToolName: "ci-agent"}

func newTestClient(t *testing.T, srv *brokertest.Server, cfg Config) *Client {
	t.Helper()
	cfg.Endpoint = srv.URL()
	if cfg.Tool.ToolID == "" {
		cfg.Tool = testTool
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRequestAccess_NoApprovalGrantsSession(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("DB_PASSWORD", "s3cr3t"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	sess, err := c.RequestAccess(context.Background(), []string{"DB_PASSWORD"}, AccessOptions{
		Justification: "run migration",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ps, ok := sess.Secret("DB_PASSWORD")
	if !ok {
		t.Fatal("granted session is missing the requested secret")
	}
	if ps.ProxyValue == "" || strings.Contains(ps.ProxyValue, "s3cr3t") {
		t.Errorf("proxy value must be opaque, got %q", ps.ProxyValue)
	}
	if len(c.ListActiveSessions()) != 1 {
		t.Error("expected one locally tracked session")
	}

	if err := sess.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if srv.RevokeCalls(sess.ID) != 1 {
		t.Errorf("expected exactly one revoke-session call, got %d", srv.RevokeCalls(sess.ID))
	}
	if len(c.ListActiveSessions()) != 0 {
		t.Error("cleaned session must leave the registry")
	}
}

func TestRequestAccess_UnknownSecret(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	_, err := c.RequestAccess(context.Background(), []string{"MISSING"}, AccessOptions{})
	if !types.IsCode(err, types.CodeSecretNotAvailable) {
		t.Fatalf("expected SECRET_NOT_AVAILABLE, got %v", err)
	}
}

func TestRequestAccess_ApprovedOverStream(t *testing.T) {
	srv := brokertest.New(
		brokertest.WithSecret("STRIPE_KEY", "sk-live"),
		brokertest.WithAutoApprove(),
	)
	defer srv.Close()
	c := newTestClient(t, srv, Config{})

	waitFor(t, 2*time.Second, func() bool { return c.StreamState() == StreamConnected },
		"decision stream never connected")

	sess, err := c.RequestAccess(context.Background(), []string{"STRIPE_KEY"}, AccessOptions{
		RequireApproval: true,
		ApprovalTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := sess.Secret("STRIPE_KEY"); !ok {
		t.Error("approved session is missing the secret")
	}
}

func TestRequestAccess_DeniedOverStream(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("STRIPE_KEY", "sk-live"))
	defer srv.Close()
	trail := audit.NewTrail(nil)
	c := newTestClient(t, srv, Config{Trail: trail})

	waitFor(t, 2*time.Second, func() bool { return c.StreamState() == StreamConnected },
		"decision stream never connected")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RequestAccess(context.Background(), []string{"STRIPE_KEY"}, AccessOptions{
			RequireApproval: true,
			ApprovalTimeout: 5 * time.Second,
		})
		errCh <- err
	}()

	waitFor(t, 2*time.Second, func() bool { return srv.PendingRequests() == 1 },
		"access request never arrived")
	srv.DecideAll(false)

	err := <-errCh
	if !types.IsAccessDenied(err) {
		t.Fatalf("expected ACCESS_DENIED, got %v", err)
	}
	if srv.ActiveSessions() != 0 {
		t.Error("denied request must not activate a session")
	}

	recs := trail.List()
	last := recs[len(recs)-1]
	if last.Kind != audit.KindAccessDenied {
		t.Fatalf("expected denied audit record, got %s", last.Kind)
	}
	if got := last.Data["status"]; got != string(types.StatusDenied) {
		t.Errorf("refused request status = %v, want %q", got, types.StatusDenied)
	}
}

func TestRequestAccess_ApprovalTimeoutIsDenial(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("STRIPE_KEY", "sk-live"))
	defer srv.Close()
	trail := audit.NewTrail(nil)
	c := newTestClient(t, srv, Config{DisableStream: true, Trail: trail})

	start := time.Now()
	_, err := c.RequestAccess(context.Background(), []string{"STRIPE_KEY"}, AccessOptions{
		RequireApproval: true,
		ApprovalTimeout: 50 * time.Millisecond,
	})
	if !types.IsAccessDenied(err) {
		t.Fatalf("expected ACCESS_DENIED on timeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("denied before the approval timeout elapsed")
	}
	if srv.ActiveSessions() != 0 {
		t.Error("timed-out request must not activate a session")
	}

	recs := trail.List()
	last := recs[len(recs)-1]
	if last.Kind != audit.KindAccessDenied {
		t.Fatalf("expected denied audit record, got %s", last.Kind)
	}
	if got := last.Data["status"]; got != string(types.StatusExpired) {
		t.Errorf("timed-out request status = %v, want %q", got, types.StatusExpired)
	}
}

func TestUseSecrets_CleansUpOnSuccess(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"), brokertest.WithSecret("B", "2"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	var sid string
	err := c.UseSecrets(context.Background(), []string{"A", "B"}, AccessOptions{}, func(sess *sessions.Session) error {
		sid = sess.ID
		if len(sess.SecretNames()) != 2 {
			t.Errorf("expected 2 secrets, got %v", sess.SecretNames())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.RevokeCalls(sid) != 1 {
		t.Errorf("expected one revoke after callback, got %d", srv.RevokeCalls(sid))
	}
}

func TestUseSecrets_CleansUpOnCallbackError(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	boom := errors.New("boom")
	var sid string
	err := c.UseSecrets(context.Background(), []string{"A"}, AccessOptions{}, func(sess *sessions.Session) error {
		sid = sess.ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("callback error must propagate unmasked, got %v", err)
	}
	if srv.RevokeCalls(sid) != 1 {
		t.Errorf("expected cleanup despite callback failure, got %d revokes", srv.RevokeCalls(sid))
	}
}

func TestUseSecrets_CleansUpOnPanic(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	var sid string
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected the panic to propagate")
			}
		}()
		c.UseSecrets(context.Background(), []string{"A"}, AccessOptions{}, func(sess *sessions.Session) error {
			sid = sess.ID
			panic("callback exploded")
		})
	}()

	if srv.RevokeCalls(sid) != 1 {
		t.Errorf("expected cleanup despite panic, got %d revokes", srv.RevokeCalls(sid))
	}
}

func TestUseSecret_ResolvesSingleSecret(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("API_KEY", "xyz"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	err := c.UseSecret(context.Background(), "API_KEY", AccessOptions{}, func(value string, ps types.ProxySecret) error {
		if value != "xyz" {
			t.Errorf("expected resolved value, got %q", value)
		}
		if ps.Name != "API_KEY" || ps.ProxyValue == "" {
			t.Errorf("unexpected proxy secret: %+v", ps)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInjectAsEnvironment(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("API_KEY", "xyz"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	env, release, err := c.InjectAsEnvironment(context.Background(), []string{"API_KEY"}, AccessOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env) != 1 || env[0] != "API_KEY=xyz" {
		t.Errorf("unexpected environment: %v", env)
	}

	release()
	if len(c.ListActiveSessions()) != 0 {
		t.Error("release must revoke the backing session")
	}
}

type noEnvAdapter struct {
	transport.Adapter
}

func (noEnvAdapter) SupportsProcessEnv() bool { return false }

func TestInjectAsEnvironment_UnsupportedHost(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("API_KEY", "xyz"))
	defer srv.Close()

	c, err := New(Config{
		Tool:          testTool,
		Adapter:       noEnvAdapter{transport.NewHTTP(srv.URL(), "")},
		DisableStream: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = c.InjectAsEnvironment(context.Background(), []string{"API_KEY"}, AccessOptions{})
	if !types.IsCode(err, types.CodeEnvironmentUnsupported) {
		t.Fatalf("expected ENVIRONMENT_UNSUPPORTED, got %v", err)
	}
	if srv.ActiveSessions() != 0 {
		t.Error("unsupported host must fail before requesting access")
	}
}

func TestResolveProxy_RevokedTokenDenied(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	sess, err := c.RequestAccess(context.Background(), []string{"A"}, AccessOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ps, _ := sess.Secret("A")

	if v, err := c.ResolveProxy(context.Background(), ps.ProxyValue); err != nil || v != "1" {
		t.Fatalf("resolve before revoke: v=%q err=%v", v, err)
	}
	if err := sess.Cleanup(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := c.ResolveProxy(context.Background(), ps.ProxyValue); !types.IsAccessDenied(err) {
		t.Fatalf("expected ACCESS_DENIED after revocation, got %v", err)
	}
}

func TestRemoteRevocationCleansLocalSession(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{})

	waitFor(t, 2*time.Second, func() bool { return c.StreamState() == StreamConnected },
		"decision stream never connected")

	sess, err := c.RequestAccess(context.Background(), []string{"A"}, AccessOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	srv.PushSessionRevoked(sess.ID)
	waitFor(t, 2*time.Second, func() bool { return len(c.ListActiveSessions()) == 0 },
		"remote revocation never cleaned the local session")
}

func TestCleanupAll_SettlesEverySession(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"), brokertest.WithSecret("B", "2"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	s1, err := c.RequestAccess(context.Background(), []string{"A"}, AccessOptions{})
	if err != nil {
		t.Fatalf("session 1: %v", err)
	}
	s2, err := c.RequestAccess(context.Background(), []string{"B"}, AccessOptions{})
	if err != nil {
		t.Fatalf("session 2: %v", err)
	}

	if err := c.CleanupAll(context.Background()); err != nil {
		t.Fatalf("cleanup all: %v", err)
	}
	if srv.RevokeCalls(s1.ID) != 1 || srv.RevokeCalls(s2.ID) != 1 {
		t.Error("every session must be revoked exactly once")
	}
}

func TestCredentialEnforcedEndToEnd(t *testing.T) {
	srv := brokertest.New(
		brokertest.WithSecret("A", "1"),
		brokertest.WithCredential("agent-1", "sk-test"),
	)
	defer srv.Close()

	bad, err := New(Config{Endpoint: srv.URL(), Tool: testTool, Credential: "sk-wrong", DisableStream: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := bad.RequestAccess(context.Background(), []string{"A"}, AccessOptions{}); !types.IsCode(err, types.CodeClientError) {
		t.Fatalf("expected CLIENT_ERROR for bad credential, got %v", err)
	}

	good := newTestClient(t, srv, Config{Credential: "sk-test", DisableStream: true})
	if _, err := good.RequestAccess(context.Background(), []string{"A"}, AccessOptions{}); err != nil {
		t.Fatalf("valid credential must be accepted: %v", err)
	}
}

func TestHealthAndBackendSessions(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"))
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})

	info, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if info.Status != "ok" {
		t.Errorf("unexpected health payload: %+v", info)
	}

	if _, err := c.RequestAccess(context.Background(), []string{"A"}, AccessOptions{}); err != nil {
		t.Fatalf("request: %v", err)
	}
	remote, err := c.BackendSessions(context.Background())
	if err != nil {
		t.Fatalf("backend sessions: %v", err)
	}
	if len(remote) != 1 {
		t.Errorf("expected one backend session, got %d", len(remote))
	}
}

func TestAuditTrail_RecordsLifecycle(t *testing.T) {
	srv := brokertest.New(brokertest.WithSecret("A", "1"))
	defer srv.Close()

	trail := audit.NewTrail(nil)
	c := newTestClient(t, srv, Config{DisableStream: true, Trail: trail})

	err := c.UseSecrets(context.Background(), []string{"A"}, AccessOptions{}, func(*sessions.Session) error {
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kinds := make([]string, 0, 3)
	for _, rec := range trail.List() {
		kinds = append(kinds, rec.Kind)
	}
	want := []string{audit.KindAccessRequested, audit.KindAccessActivated, audit.KindSessionCleanup}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected kinds %v, got %v", want, kinds)
		}
	}
	recs := trail.List()
	if got := recs[0].Data["status"]; got != string(types.StatusCreated) {
		t.Errorf("requested record status = %v, want %q", got, types.StatusCreated)
	}
	if got := recs[1].Data["status"]; got != string(types.StatusActivated) {
		t.Errorf("activated record status = %v, want %q", got, types.StatusActivated)
	}
	if err := trail.Verify(); err != nil {
		t.Errorf("trail must verify: %v", err)
	}
}

func TestStreamDegradesWhenBackendUnreachable(t *testing.T) {
	c, err := New(Config{
		Endpoint: "http://127.0.0.1:1", // nothing listens here
		Tool:     testTool,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close(context.Background())

	waitFor(t, 2*time.Second, func() bool { return c.StreamState() == StreamDegraded },
		"stream never reported degradation")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("KEYLEASE_ENDPOINT", "https://broker.internal")
	t.Setenv("KEYLEASE_CREDENTIAL", "sk-env")
	t.Setenv("KEYLEASE_TOOL_ID", "agent-env")
	t.Setenv("KEYLEASE_APPROVAL_TIMEOUT", "90s")
	t.Setenv("KEYLEASE_DISABLE_STREAM", "true")

	cfg := ConfigFromEnv()
	if cfg.Endpoint != "https://broker.internal" || cfg.Credential != "sk-env" {
		t.Errorf("unexpected endpoint config: %+v", cfg)
	}
	if cfg.Tool.ToolID != "agent-env" {
		t.Errorf("unexpected tool identity: %+v", cfg.Tool)
	}
	if cfg.ApprovalTimeout != 90*time.Second || !cfg.DisableStream {
		t.Errorf("unexpected timing config: %+v", cfg)
	}
}

func TestStreamState_Disabled(t *testing.T) {
	srv := brokertest.New()
	defer srv.Close()
	c := newTestClient(t, srv, Config{DisableStream: true})
	if c.StreamState() != StreamDisabled {
		t.Errorf("expected disabled, got %s", c.StreamState())
	}
}
