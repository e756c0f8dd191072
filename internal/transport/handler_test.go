package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mthorsen/stellar-push/internal/auth"
	"github.com/mthorsen/stellar-push/internal/model"
	"github.com/mthorsen/stellar-push/internal/ratelimit"
	"github.com/mthorsen/stellar-push/internal/room"
	"github.com/mthorsen/stellar-push/internal/session"
)

type testHub struct {
	validator *auth.HMACValidator
	sessions  *session.Manager
	rooms     *room.Registry
	server    *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()

	validator, err := auth.NewHMACValidator("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	registry := room.NewRegistry(nil, time.Minute, slog.Default())
	limiter := ratelimit.NewLimiter(ratelimit.Config{MaxRequests: 100, Window: time.Minute, BlockDuration: time.Minute})
	sessions := session.NewManager(session.Config{
		ConnectionTimeout:          time.Minute,
		HeartbeatInterval:          time.Minute,
		MaxConnectionsPerPrincipal: 5,
	}, validator, limiter, registry, slog.Default())
	sessions.AutoJoin = func(c *session.Conn) error {
		return registry.Join(c, "user:"+c.Principal())
	}

	handler := NewHandler(Config{ReadLimit: 32 * 1024}, sessions, registry, slog.Default())
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testHub{validator: validator, sessions: sessions, rooms: registry, server: server}
}

func (h *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, frame map[string]string) {
	t.Helper()
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func recv(t *testing.T, ws *websocket.Conn) model.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func payloadField(t *testing.T, env model.Envelope, key string) string {
	t.Helper()
	var m map[string]string
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return m[key]
}

func TestAuthHandshake(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t)

	token := h.validator.Mint("u1", time.Hour)
	send(t, ws, map[string]string{"type": "auth", "token": token})

	env := recv(t, ws)
	if env.Type != model.KindAuthOK {
		t.Fatalf("reply = %q, want auth_ok", env.Type)
	}
	if got := payloadField(t, env, "principal"); got != "u1" {
		t.Errorf("principal = %q, want u1", got)
	}

	// Authentication auto-joined the private room.
	deadline := time.After(time.Second)
	for len(h.rooms.Members("user:u1")) == 0 {
		select {
		case <-deadline:
			t.Fatal("user:u1 not joined after auth")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAuthBadTokenAllowsRetry(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "auth", "token": "garbage"})
	env := recv(t, ws)
	if env.Type != model.KindAuthError {
		t.Fatalf("reply = %q, want auth_error", env.Type)
	}
	if got := payloadField(t, env, "error"); got != "invalid_token" {
		t.Errorf("error code = %q, want invalid_token", got)
	}

	// Same socket retries successfully.
	send(t, ws, map[string]string{"type": "auth", "token": h.validator.Mint("u1", time.Hour)})
	if env := recv(t, ws); env.Type != model.KindAuthOK {
		t.Errorf("retry reply = %q, want auth_ok", env.Type)
	}
}

func TestSubscribePublicWithoutAuth(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "subscribe", "room": "market:XLM_USDC"})
	env := recv(t, ws)
	if env.Type != model.KindSubscribed {
		t.Fatalf("reply = %q, want subscribed", env.Type)
	}
	if got := payloadField(t, env, "room"); got != "market:XLM_USDC" {
		t.Errorf("room = %q", got)
	}
}

func TestSubscribeProtectedWithoutAuth(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "subscribe", "room": "wallet:w1"})
	env := recv(t, ws)
	if env.Type != model.KindSubscribeError {
		t.Fatalf("reply = %q, want subscribe_error", env.Type)
	}
	if got := payloadField(t, env, "error"); got != "auth_required" {
		t.Errorf("error code = %q, want auth_required", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "subscribe", "room": "market:XLM_USDC"})
	recv(t, ws)

	send(t, ws, map[string]string{"type": "unsubscribe", "room": "market:XLM_USDC"})
	env := recv(t, ws)
	if env.Type != model.KindUnsubscribed {
		t.Fatalf("reply = %q, want unsubscribed", env.Type)
	}

	deadline := time.After(time.Second)
	for len(h.rooms.Members("market:XLM_USDC")) != 0 {
		select {
		case <-deadline:
			t.Fatal("membership not removed after unsubscribe")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPingPong(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "ping"})
	if env := recv(t, ws); env.Type != model.KindPong {
		t.Errorf("reply = %q, want pong", env.Type)
	}
}

func TestDisconnectCleansRooms(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t)

	send(t, ws, map[string]string{"type": "subscribe", "room": "market:XLM_USDC"})
	recv(t, ws)

	ws.Close()

	deadline := time.After(2 * time.Second)
	for {
		stats := h.sessions.Stats()
		members := h.rooms.Members("market:XLM_USDC")
		if stats.Total == 0 && len(members) == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("cleanup incomplete: stats=%+v members=%v", stats, members)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestErrorCodes(t *testing.T) {
	authTests := []struct {
		err  error
		want string
	}{
		{session.ErrRateLimited, "rate_limited"},
		{session.ErrTooManyConnections, "too_many_connections"},
		{auth.ErrInvalidToken, "invalid_token"},
		{errors.New("dial tcp: timeout"), "auth_unavailable"},
	}
	for _, tt := range authTests {
		if got := authErrorCode(tt.err); got != tt.want {
			t.Errorf("authErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	subTests := []struct {
		err  error
		want string
	}{
		{room.ErrAuthRequired, "auth_required"},
		{room.ErrAccessDenied, "access_denied"},
		{room.ErrRoomFull, "room_full"},
		{room.ErrInvalidRoomName, "invalid_room_name"},
		{errors.New("weird"), "subscribe_failed"},
	}
	for _, tt := range subTests {
		if got := subscribeErrorCode(tt.err); got != tt.want {
			t.Errorf("subscribeErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
