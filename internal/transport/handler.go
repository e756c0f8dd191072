package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mthorsen/stellar-push/internal/auth"
	"github.com/mthorsen/stellar-push/internal/model"
	"github.com/mthorsen/stellar-push/internal/room"
	"github.com/mthorsen/stellar-push/internal/session"
)

// Config holds transport settings.
type Config struct {
	ReadLimit int64 // Max inbound frame size in bytes

	// CheckOrigin overrides the upgrader's origin policy. Nil allows all
	// origins, which suits token-authenticated non-browser clients.
	CheckOrigin func(r *http.Request) bool
}

// inboundFrame is the wire format for client control messages.
type inboundFrame struct {
	Type  string `json:"type"` // "auth", "subscribe", "unsubscribe", "ping"
	Token string `json:"token,omitempty"`
	Room  string `json:"room,omitempty"`
}

// Handler upgrades HTTP requests and runs the per-connection pumps.
type Handler struct {
	cfg      Config
	sessions *session.Manager
	rooms    *room.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(cfg Config, sessions *session.Manager, rooms *room.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		rooms:    rooms,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if h.cfg.ReadLimit > 0 {
		ws.SetReadLimit(h.cfg.ReadLimit)
	}

	cl := newClient(ws)
	conn := h.sessions.Register(cl, session.Meta{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})

	go cl.writePump()
	go h.readPump(r.Context(), cl, conn)
}

// readPump consumes inbound frames until the socket dies, then triggers
// the disconnect sequence.
func (h *Handler) readPump(ctx context.Context, cl *client, conn *session.Conn) {
	defer func() {
		h.sessions.Disconnect(conn.ID(), "transport closed")
	}()

	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			h.logger.Debug("read loop ended", "conn", conn.ID(), "error", err)
			return
		}
		h.sessions.Touch(conn.ID())
		h.dispatch(ctx, cl, conn, data)
	}
}

func (h *Handler) dispatch(ctx context.Context, cl *client, conn *session.Conn, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Debug("bad inbound frame", "conn", conn.ID(), "error", err)
		return
	}

	switch frame.Type {
	case "auth":
		h.handleAuth(ctx, cl, conn, frame.Token)
	case "subscribe":
		h.handleSubscribe(cl, conn, frame.Room)
	case "unsubscribe":
		h.handleUnsubscribe(cl, conn, frame.Room)
	case "ping":
		h.reply(cl, conn, model.KindPong, nil)
	default:
		h.logger.Debug("unknown frame type", "conn", conn.ID(), "type", frame.Type)
	}
}

func (h *Handler) handleAuth(ctx context.Context, cl *client, conn *session.Conn, token string) {
	id, err := h.sessions.Authenticate(ctx, conn.ID(), token)
	if err != nil {
		// The connection stays open; the client may retry with a fresh
		// token until the auth timeout fires.
		h.reply(cl, conn, model.KindAuthError, map[string]string{"error": authErrorCode(err)})
		return
	}
	h.reply(cl, conn, model.KindAuthOK, map[string]string{"principal": id.Principal})
}

func (h *Handler) handleSubscribe(cl *client, conn *session.Conn, roomName string) {
	if err := h.rooms.Join(conn, roomName); err != nil {
		h.reply(cl, conn, model.KindSubscribeError, map[string]string{
			"room":  roomName,
			"error": subscribeErrorCode(err),
		})
		return
	}
	h.reply(cl, conn, model.KindSubscribed, map[string]string{"room": roomName})
}

func (h *Handler) handleUnsubscribe(cl *client, conn *session.Conn, roomName string) {
	h.rooms.Leave(conn, roomName)
	h.reply(cl, conn, model.KindUnsubscribed, map[string]string{"room": roomName})
}

func (h *Handler) reply(cl *client, conn *session.Conn, kind model.EventKind, payload any) {
	env, err := model.NewEnvelope(kind, payload)
	if err != nil {
		h.logger.Error("build reply envelope", "kind", kind, "error", err)
		return
	}
	if err := cl.Send(env); err != nil {
		h.logger.Debug("reply send failed", "conn", conn.ID(), "kind", kind, "error", err)
	}
}

// authErrorCode maps authentication failures to stable client-facing codes.
func authErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, session.ErrTooManyConnections):
		return "too_many_connections"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	default:
		return "auth_unavailable"
	}
}

// subscribeErrorCode maps join failures to stable client-facing codes.
func subscribeErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, room.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, room.ErrRoomFull):
		return "room_full"
	case errors.Is(err, room.ErrInvalidRoomName):
		return "invalid_room_name"
	default:
		return "subscribe_failed"
	}
}
