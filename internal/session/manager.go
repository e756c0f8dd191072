package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mthorsen/stellar-push/internal/auth"
	"github.com/mthorsen/stellar-push/internal/model"
	"github.com/mthorsen/stellar-push/internal/ratelimit"
)

// RoomCleaner removes a disconnected connection from every room it joined.
// Implemented by room.Registry.
type RoomCleaner interface {
	CleanupForConnection(connID string)
}

// Manager owns the connection registry and per-connection lifecycle.
type Manager struct {
	cfg       Config
	validator auth.Validator
	limiter   *ratelimit.Limiter
	rooms     RoomCleaner
	logger    *slog.Logger

	// AutoJoin, when set, is invoked after a successful authentication to
	// subscribe the connection to its principal's private room. Set by the
	// composition root; kept as a hook to avoid a registry dependency here.
	AutoJoin func(c *Conn) error

	mu          sync.RWMutex
	conns       map[string]*Conn
	byPrincipal map[string]map[string]*Conn // principal -> conn ID -> conn

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager. The limiter throttles
// authentication attempts; the cleaner receives disconnect cleanup calls.
func NewManager(cfg Config, validator auth.Validator, limiter *ratelimit.Limiter, rooms RoomCleaner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		validator:   validator,
		limiter:     limiter,
		rooms:       rooms,
		logger:      logger,
		conns:       make(map[string]*Conn),
		byPrincipal: make(map[string]map[string]*Conn),
	}
}

// Start begins the heartbeat emitter and the rate-limit table GC.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.heartbeatLoop(ctx)

	m.wg.Add(1)
	go m.limiterCleanupLoop(ctx)

	m.logger.Info("session manager started",
		"connection_timeout", m.cfg.ConnectionTimeout,
		"heartbeat_interval", m.cfg.HeartbeatInterval,
	)
	return nil
}

// Stop cancels the loops and disconnects every live connection.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id, "server shutdown")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("session manager stopped")
	case <-ctx.Done():
		m.logger.Warn("session manager stop timed out")
	}
	return nil
}

// Register records a new transport session and arms its
// unauthenticated-connection timeout.
func (m *Manager) Register(sender Sender, meta Meta) *Conn {
	now := time.Now()
	c := &Conn{
		id:             uuid.NewString(),
		sender:         sender,
		connectedAt:    now,
		lastActivityAt: now,
		meta:           meta,
	}

	c.timeout = time.AfterFunc(m.cfg.ConnectionTimeout, func() {
		m.logger.Info("authentication timeout", "conn", c.id, "remote", meta.RemoteAddr)
		m.ForceDisconnect(c.id, "authentication timeout")
	})

	m.mu.Lock()
	m.conns[c.id] = c
	total := len(m.conns)
	m.mu.Unlock()

	m.logger.Debug("connection registered", "conn", c.id, "remote", meta.RemoteAddr, "total", total)
	return c
}

// Authenticate validates the token for the given session and, on success,
// transitions it to the authenticated state and joins the principal's
// private room. A rejected credential leaves the connection open for retry.
func (m *Manager) Authenticate(ctx context.Context, connID, token string) (auth.Identity, error) {
	c, ok := m.Get(connID)
	if !ok {
		return auth.Identity{}, ErrUnknownSession
	}

	key := c.Meta().RemoteAddr
	if key == "" {
		key = connID
	}
	if !m.limiter.Allow(key) {
		return auth.Identity{}, ErrRateLimited
	}

	id, err := m.validator.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			m.logger.Info("authentication rejected", "conn", connID, "error", err)
		} else {
			m.logger.Error("credential validation failed", "conn", connID, "error", err)
		}
		return auth.Identity{}, err
	}

	if err := m.bindPrincipal(c, id.Principal); err != nil {
		return auth.Identity{}, err
	}

	c.cancelTimeout()

	if m.AutoJoin != nil {
		if err := m.AutoJoin(c); err != nil {
			// The session stays authenticated; the private room can be
			// joined explicitly later.
			m.logger.Warn("auto-join failed", "conn", connID, "principal", id.Principal, "error", err)
		}
	}

	m.logger.Info("connection authenticated", "conn", connID, "principal", id.Principal)
	return id, nil
}

// bindPrincipal sets the principal on the conn and indexes it, enforcing
// the per-principal connection cap.
func (m *Manager) bindPrincipal(c *Conn, principal string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, live := m.conns[c.id]; !live {
		return ErrUnknownSession
	}

	set := m.byPrincipal[principal]
	if m.cfg.MaxConnectionsPerPrincipal > 0 && len(set) >= m.cfg.MaxConnectionsPerPrincipal {
		if _, already := set[c.id]; !already {
			return fmt.Errorf("%w: %d live connections for %s",
				ErrTooManyConnections, len(set), principal)
		}
	}

	c.mu.Lock()
	c.principal = principal
	c.mu.Unlock()

	if set == nil {
		set = make(map[string]*Conn)
		m.byPrincipal[principal] = set
	}
	set[c.id] = c
	return nil
}

// Disconnect tears a session down. Idempotent: repeated calls for the same
// session are no-ops, and the cleanup sequence runs exactly once.
func (m *Manager) Disconnect(connID, reason string) {
	m.mu.Lock()
	c, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)

	c.mu.Lock()
	principal := c.principal
	c.closed = true
	c.mu.Unlock()

	if principal != "" {
		if set := m.byPrincipal[principal]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(m.byPrincipal, principal)
			}
		}
	}
	m.mu.Unlock()

	c.cancelTimeout()
	m.rooms.CleanupForConnection(connID)
	c.sender.Close()

	m.logger.Info("connection closed", "conn", connID, "principal", principal, "reason", reason)
}

// ForceDisconnect notifies the client and closes the session. The notice is
// best-effort; the close proceeds regardless.
func (m *Manager) ForceDisconnect(connID, reason string) {
	if c, ok := m.Get(connID); ok {
		if env, err := model.NewEnvelope(model.KindDisconnectNotice, map[string]string{"reason": reason}); err == nil {
			_ = c.Deliver(env)
		}
	}
	m.Disconnect(connID, reason)
}

// Touch records inbound activity for the session.
func (m *Manager) Touch(connID string) {
	if c, ok := m.Get(connID); ok {
		c.touch(time.Now())
	}
}

// Get returns the live connection with the given ID.
func (m *Manager) Get(connID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// ByPrincipal returns every live connection authenticated as principal.
func (m *Manager) ByPrincipal(principal string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byPrincipal[principal]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every live connection.
func (m *Manager) All() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Stats returns connection counts under the same lock used for mutation.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Total: len(m.conns)}
	for _, c := range m.conns {
		c.mu.Lock()
		if c.principal != "" {
			s.Authenticated++
		}
		if c.timeout != nil {
			s.ActiveTimers++
		}
		c.mu.Unlock()
	}
	return s
}

// heartbeatLoop emits a heartbeat envelope to every live connection on the
// configured interval. Send failures are per-connection noise, not faults.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := model.NewEnvelope(model.KindHeartbeat, nil)
			if err != nil {
				continue
			}
			for _, c := range m.All() {
				if err := c.Deliver(env); err != nil {
					m.logger.Debug("heartbeat delivery failed", "conn", c.ID(), "error", err)
				}
			}
		}
	}
}

// limiterCleanupLoop garbage-collects expired rate-limit records.
func (m *Manager) limiterCleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.limiter.Cleanup()
		}
	}
}
