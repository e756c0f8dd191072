package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mthorsen/stellar-push/internal/auth"
	"github.com/mthorsen/stellar-push/internal/model"
	"github.com/mthorsen/stellar-push/internal/ratelimit"
)

// fakeSender records delivered envelopes.
type fakeSender struct {
	mu      sync.Mutex
	sent    []model.Envelope
	closed  int
	sendErr error
}

func (s *fakeSender) Send(env model.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeSender) sentKinds() []model.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]model.EventKind, len(s.sent))
	for i, env := range s.sent {
		kinds[i] = env.Type
	}
	return kinds
}

func (s *fakeSender) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeValidator returns a canned identity or error.
type fakeValidator struct {
	err error
}

func (v *fakeValidator) Validate(_ context.Context, token string) (auth.Identity, error) {
	if v.err != nil {
		return auth.Identity{}, v.err
	}
	return auth.Identity{Principal: token}, nil
}

// fakeCleaner records cleanup calls.
type fakeCleaner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCleaner) CleanupForConnection(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, connID)
}

func (f *fakeCleaner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() Config {
	return Config{
		ConnectionTimeout:          time.Minute,
		HeartbeatInterval:          time.Minute,
		MaxConnectionsPerPrincipal: 2,
	}
}

func newTestManager(cfg Config, v auth.Validator) (*Manager, *fakeCleaner) {
	cleaner := &fakeCleaner{}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests:   100,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	})
	return NewManager(cfg, v, limiter, cleaner, slog.Default()), cleaner
}

func TestRegister(t *testing.T) {
	m, _ := newTestManager(testConfig(), &fakeValidator{})
	sender := &fakeSender{}

	c := m.Register(sender, Meta{RemoteAddr: "10.0.0.1:555", UserAgent: "test"})
	if c.ID() == "" {
		t.Error("conn ID is empty")
	}
	if c.IsAuthenticated() {
		t.Error("new conn reports authenticated")
	}
	if c.Principal() != "" {
		t.Errorf("Principal = %q, want empty", c.Principal())
	}

	stats := m.Stats()
	if stats.Total != 1 || stats.Authenticated != 0 || stats.ActiveTimers != 1 {
		t.Errorf("Stats = %+v, want {1 0 1}", stats)
	}
}

func TestAuthenticate(t *testing.T) {
	m, _ := newTestManager(testConfig(), &fakeValidator{})
	var joined *Conn
	m.AutoJoin = func(c *Conn) error {
		joined = c
		return nil
	}

	c := m.Register(&fakeSender{}, Meta{})
	id, err := m.Authenticate(context.Background(), c.ID(), "u1")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if id.Principal != "u1" {
		t.Errorf("Principal = %q, want u1", id.Principal)
	}
	if !c.IsAuthenticated() || c.Principal() != "u1" {
		t.Error("conn not marked authenticated")
	}
	if joined != c {
		t.Error("AutoJoin not invoked with the conn")
	}

	stats := m.Stats()
	if stats.Authenticated != 1 {
		t.Errorf("Authenticated = %d, want 1", stats.Authenticated)
	}
	// Auth cancels the unauthenticated timeout.
	if stats.ActiveTimers != 0 {
		t.Errorf("ActiveTimers = %d, want 0", stats.ActiveTimers)
	}

	if got := m.ByPrincipal("u1"); len(got) != 1 || got[0] != c {
		t.Errorf("ByPrincipal = %v", got)
	}
}

func TestAuthenticateInvalidTokenKeepsConnection(t *testing.T) {
	m, cleaner := newTestManager(testConfig(), &fakeValidator{err: fmt.Errorf("%w: boom", auth.ErrInvalidToken)})

	c := m.Register(&fakeSender{}, Meta{})
	_, err := m.Authenticate(context.Background(), c.ID(), "bad")
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}

	// Connection stays up for a retry; no cleanup has run.
	if _, ok := m.Get(c.ID()); !ok {
		t.Error("connection dropped after rejected credential")
	}
	if cleaner.callCount() != 0 {
		t.Error("cleanup ran for a live connection")
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	cfg := testConfig()
	cleaner := &fakeCleaner{}
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests:   2,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	})
	m := NewManager(cfg, &fakeValidator{err: fmt.Errorf("%w", auth.ErrInvalidToken)}, limiter, cleaner, slog.Default())

	c := m.Register(&fakeSender{}, Meta{RemoteAddr: "10.0.0.1:555"})
	ctx := context.Background()
	m.Authenticate(ctx, c.ID(), "bad")
	m.Authenticate(ctx, c.ID(), "bad")

	if _, err := m.Authenticate(ctx, c.ID(), "bad"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestPrincipalConnectionCap(t *testing.T) {
	m, _ := newTestManager(testConfig(), &fakeValidator{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		c := m.Register(&fakeSender{}, Meta{})
		if _, err := m.Authenticate(ctx, c.ID(), "u1"); err != nil {
			t.Fatalf("Authenticate #%d failed: %v", i+1, err)
		}
	}

	c3 := m.Register(&fakeSender{}, Meta{})
	if _, err := m.Authenticate(ctx, c3.ID(), "u1"); !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("err = %v, want ErrTooManyConnections", err)
	}

	// Disconnecting one frees a slot.
	m.Disconnect(m.ByPrincipal("u1")[0].ID(), "test")
	if _, err := m.Authenticate(ctx, c3.ID(), "u1"); err != nil {
		t.Errorf("Authenticate after free slot failed: %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	m, cleaner := newTestManager(testConfig(), &fakeValidator{})
	sender := &fakeSender{}

	c := m.Register(sender, Meta{})
	if _, err := m.Authenticate(context.Background(), c.ID(), "u1"); err != nil {
		t.Fatal(err)
	}

	m.Disconnect(c.ID(), "client close")
	m.Disconnect(c.ID(), "client close")
	m.Disconnect(c.ID(), "transport error")

	if got := cleaner.callCount(); got != 1 {
		t.Errorf("cleanup ran %d times, want 1", got)
	}
	if got := sender.closeCount(); got != 1 {
		t.Errorf("sender closed %d times, want 1", got)
	}
	if stats := m.Stats(); stats.Total != 0 {
		t.Errorf("Total = %d, want 0", stats.Total)
	}
	if got := m.ByPrincipal("u1"); got != nil {
		t.Errorf("ByPrincipal after disconnect = %v, want nil", got)
	}

	// Delivery to a closed conn fails cleanly.
	env, _ := model.NewEnvelope(model.KindSystemNotice, nil)
	if err := c.Deliver(env); !errors.Is(err, ErrAlreadyClosed) {
		t.Errorf("Deliver err = %v, want ErrAlreadyClosed", err)
	}
}

func TestForceDisconnectNotifies(t *testing.T) {
	m, _ := newTestManager(testConfig(), &fakeValidator{})
	sender := &fakeSender{}

	c := m.Register(sender, Meta{})
	m.ForceDisconnect(c.ID(), "policy")

	kinds := sender.sentKinds()
	if len(kinds) != 1 || kinds[0] != model.KindDisconnectNotice {
		t.Errorf("sent kinds = %v, want [disconnect_notice]", kinds)
	}
	if sender.closeCount() != 1 {
		t.Errorf("closeCount = %d, want 1", sender.closeCount())
	}
}

func TestForceDisconnectSendFailureStillCloses(t *testing.T) {
	m, _ := newTestManager(testConfig(), &fakeValidator{})
	sender := &fakeSender{sendErr: errors.New("pipe broken")}

	c := m.Register(sender, Meta{})
	m.ForceDisconnect(c.ID(), "policy")

	if _, ok := m.Get(c.ID()); ok {
		t.Error("connection survived force disconnect")
	}
}

func TestUnauthenticatedTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 30 * time.Millisecond
	m, cleaner := newTestManager(cfg, &fakeValidator{})
	sender := &fakeSender{}

	c := m.Register(sender, Meta{})

	deadline := time.After(time.Second)
	for {
		if _, ok := m.Get(c.ID()); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("unauthenticated conn not disconnected within 1s")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if cleaner.callCount() != 1 {
		t.Errorf("cleanup calls = %d, want 1", cleaner.callCount())
	}
}

func TestAuthenticationCancelsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeout = 50 * time.Millisecond
	m, _ := newTestManager(cfg, &fakeValidator{})

	c := m.Register(&fakeSender{}, Meta{})
	if _, err := m.Authenticate(context.Background(), c.ID(), "u1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok := m.Get(c.ID()); !ok {
		t.Error("authenticated conn was disconnected by the timeout")
	}
}

func TestHeartbeatLoop(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m, _ := newTestManager(cfg, &fakeValidator{})
	sender := &fakeSender{}

	m.Register(sender, Meta{})

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		m.Stop(stopCtx)
	}()

	deadline := time.After(time.Second)
	for {
		kinds := sender.sentKinds()
		if len(kinds) > 0 {
			if kinds[0] != model.KindHeartbeat {
				t.Errorf("first envelope kind = %q, want heartbeat", kinds[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("no heartbeat within 1s")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestUnknownSession(t *testing.T) {
	m, _ := newTestManager(testConfig(), &fakeValidator{})

	if _, err := m.Authenticate(context.Background(), "nope", "u1"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
	m.Disconnect("nope", "whatever") // must not panic
}

func TestTouchUpdatesActivity(t *testing.T) {
	m, _ := newTestManager(testConfig(), &fakeValidator{})
	c := m.Register(&fakeSender{}, Meta{})

	before := c.LastActivityAt()
	time.Sleep(5 * time.Millisecond)
	m.Touch(c.ID())
	if !c.LastActivityAt().After(before) {
		t.Error("Touch did not advance LastActivityAt")
	}
}
