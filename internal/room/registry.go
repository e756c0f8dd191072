package room

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// room is the registry's internal record for one broadcast scope.
type room struct {
	name           string
	kind           Kind
	maxConnections int
	members        map[string]struct{} // connection IDs
	createdAt      time.Time
	lastActivityAt time.Time
}

// Registry owns room definitions and membership.
type Registry struct {
	authorizer Authorizer
	sweepEvery time.Duration
	logger     *slog.Logger

	mu          sync.RWMutex
	rooms       map[string]*room
	roomsByConn map[string]map[string]struct{} // connection ID -> room names

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewRegistry creates a registry. A nil authorizer falls back to
// OwnerAuthorizer; sweepEvery governs the idle-room cleanup tick.
func NewRegistry(authorizer Authorizer, sweepEvery time.Duration, logger *slog.Logger) *Registry {
	if authorizer == nil {
		authorizer = OwnerAuthorizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		authorizer:  authorizer,
		sweepEvery:  sweepEvery,
		logger:      logger,
		rooms:       make(map[string]*room),
		roomsByConn: make(map[string]map[string]struct{}),
		now:         time.Now,
	}
}

// Start begins the periodic idle-room sweep.
func (r *Registry) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("room registry started", "sweep_interval", r.sweepEvery)
	return nil
}

// Stop cancels the sweep loop and waits for it to exit.
func (r *Registry) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("room registry stopped")
	case <-ctx.Done():
		r.logger.Warn("room registry stop timed out")
	}
	return nil
}

// Create registers a room. Creating an existing room is a no-op; an invalid
// name is the only failure.
func (r *Registry) Create(name string, cfg *Config) error {
	if !ValidName(name) {
		return ErrInvalidRoomName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.createLocked(name, cfg)
	return nil
}

// createLocked inserts the room if absent. Caller holds r.mu.
func (r *Registry) createLocked(name string, cfg *Config) *room {
	if rm, ok := r.rooms[name]; ok {
		return rm
	}

	kind := DetectKind(name)
	maxConns := 0
	if cfg != nil {
		if cfg.Kind != "" {
			kind = cfg.Kind
		}
		maxConns = cfg.MaxConnections
	}

	now := r.now()
	rm := &room{
		name:           name,
		kind:           kind,
		maxConnections: maxConns,
		members:        make(map[string]struct{}),
		createdAt:      now,
		lastActivityAt: now,
	}
	r.rooms[name] = rm

	r.logger.Debug("room created", "room", name, "kind", kind)
	return rm
}

// Join adds conn to the named room, creating the room implicitly if absent.
// Authorization and capacity are checked before any state changes, so a
// failed join leaves membership untouched.
func (r *Registry) Join(m Member, name string) error {
	if !ValidName(name) {
		return ErrInvalidRoomName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.createLocked(name, nil)

	if _, already := rm.members[m.ID()]; already {
		return nil
	}

	if rm.kind.RequiresAuth() {
		if !m.IsAuthenticated() {
			return ErrAuthRequired
		}
		if !r.authorizer.CanAccess(m.Principal(), name) {
			return ErrAccessDenied
		}
	}

	if rm.maxConnections > 0 && len(rm.members) >= rm.maxConnections {
		return ErrRoomFull
	}

	rm.members[m.ID()] = struct{}{}
	rm.lastActivityAt = r.now()

	joined := r.roomsByConn[m.ID()]
	if joined == nil {
		joined = make(map[string]struct{})
		r.roomsByConn[m.ID()] = joined
	}
	joined[name] = struct{}{}

	r.logger.Debug("joined room", "room", name, "conn", m.ID(), "members", len(rm.members))
	return nil
}

// Leave removes conn from the named room. Leaving a room the connection
// never joined, or a room that does not exist, is a no-op.
func (r *Registry) Leave(m Member, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(m.ID(), name)
}

// CleanupForConnection removes the connection from every room it belongs
// to. Invoked by the session manager on disconnect.
func (r *Registry) CleanupForConnection(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name := range r.roomsByConn[connID] {
		r.leaveLocked(connID, name)
	}
}

// leaveLocked removes both sides of the membership edge. Caller holds r.mu.
func (r *Registry) leaveLocked(connID, name string) {
	if rm, ok := r.rooms[name]; ok {
		if _, member := rm.members[connID]; member {
			delete(rm.members, connID)
			rm.lastActivityAt = r.now()
		}
	}
	if joined, ok := r.roomsByConn[connID]; ok {
		delete(joined, name)
		if len(joined) == 0 {
			delete(r.roomsByConn, connID)
		}
	}
}

// CleanupIdleRooms deletes empty rooms that are neither public nor system
// and returns how many were removed. Called on the sweep tick; exported so
// tests and operators can force a sweep.
func (r *Registry) CleanupIdleRooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, rm := range r.rooms {
		if rm.kind == KindPublic || rm.kind == KindSystem {
			continue
		}
		if len(rm.members) == 0 {
			delete(r.rooms, name)
			removed++
		}
	}

	if removed > 0 {
		r.logger.Debug("idle rooms swept", "removed", removed, "remaining", len(r.rooms))
	}
	return removed
}

// Members returns a snapshot of the connection IDs in the named room.
// A missing room yields nil.
func (r *Registry) Members(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[name]
	if !ok || len(rm.members) == 0 {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// Rooms returns a snapshot of the room names the connection has joined.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.roomsByConn[connID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]string, 0, len(joined))
	for name := range joined {
		out = append(out, name)
	}
	return out
}

// Exists reports whether the named room is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[name]
	return ok
}

// Stats returns a snapshot of one room.
func (r *Registry) Stats(name string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[name]
	if !ok {
		return Stats{}, false
	}
	return rm.stats(), true
}

// AllStats returns snapshots of every room.
func (r *Registry) AllStats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Stats, 0, len(r.rooms))
	for _, rm := range r.rooms {
		out = append(out, rm.stats())
	}
	return out
}

func (rm *room) stats() Stats {
	return Stats{
		Name:           rm.name,
		Kind:           rm.kind,
		RequiresAuth:   rm.kind.RequiresAuth(),
		MemberCount:    len(rm.members),
		MaxConnections: rm.maxConnections,
		CreatedAt:      rm.createdAt,
		LastActivityAt: rm.lastActivityAt,
	}
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CleanupIdleRooms()
		}
	}
}
