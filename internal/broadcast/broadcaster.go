package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mthorsen/stellar-push/internal/model"
	"github.com/mthorsen/stellar-push/internal/session"
)

// ErrBroadcastFailed wraps a delivery-layer failure surfaced to the caller.
var ErrBroadcastFailed = errors.New("broadcast failed")

// MemberSource provides room membership snapshots. Implemented by
// room.Registry.
type MemberSource interface {
	Members(roomName string) []string
}

// ConnSource resolves connection IDs and principals to live connections.
// Implemented by session.Manager.
type ConnSource interface {
	Get(connID string) (*session.Conn, bool)
	ByPrincipal(principal string) []*session.Conn
	All() []*session.Conn
}

// Config holds broadcaster settings.
type Config struct {
	Source          string        // Service identifier stamped on enriched envelopes
	MaxQueueSize    int           // Retry queue capacity
	ProcessInterval time.Duration // Queue processing tick
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Source:          "pushd",
		MaxQueueSize:    1000,
		ProcessInterval: 100 * time.Millisecond,
	}
}

// queued is one deferred delivery attempt. Exactly one of room/principal
// is set.
type queued struct {
	env       model.Envelope
	room      string
	principal string
	opts      model.Options
	attempts  int
	queuedAt  time.Time
}

func (q *queued) target() string {
	if q.room != "" {
		return "room " + q.room
	}
	return "principal " + q.principal
}

// QueueStats is a read-only snapshot of the retry queue.
type QueueStats struct {
	Size           int
	MaxSize        int
	OldestQueuedAt time.Time // Zero when the queue is empty
}

// Broadcaster fans envelopes out to connections.
type Broadcaster struct {
	cfg     Config
	members MemberSource
	conns   ConnSource
	logger  *slog.Logger

	mu           sync.Mutex
	queue        []*queued
	maxQueueSize int

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// now is swappable for tests.
	now func() time.Time
}

// NewBroadcaster creates a broadcaster over the given membership and
// connection views.
func NewBroadcaster(cfg Config, members MemberSource, conns ConnSource, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		cfg:          cfg,
		members:      members,
		conns:        conns,
		logger:       logger,
		maxQueueSize: cfg.MaxQueueSize,
		now:          time.Now,
	}
}

// Start begins the queue processing tick.
func (b *Broadcaster) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go b.processLoop(ctx)

	b.logger.Info("broadcaster started",
		"max_queue_size", b.maxQueueSize,
		"process_interval", b.cfg.ProcessInterval,
	)
	return nil
}

// Stop cancels the processing loop and clears the queue.
func (b *Broadcaster) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("broadcaster stopped")
	case <-ctx.Done():
		b.logger.Warn("broadcaster stop timed out")
	}

	b.ClearQueue()
	return nil
}

// ToRoom delivers env to every member of the named room. An empty room is
// a success: the envelope is queued for retry when opts requests it and
// silently dropped otherwise.
func (b *Broadcaster) ToRoom(roomName string, env model.Envelope, opts model.Options) error {
	ids := b.members.Members(roomName)
	if len(ids) == 0 {
		if opts.Retry != nil {
			b.enqueue(&queued{env: env, room: roomName, opts: opts})
		}
		return nil
	}

	enriched := env.Enrich(opts, b.cfg.Source, b.now())
	for _, id := range ids {
		c, ok := b.conns.Get(id)
		if !ok {
			continue
		}
		if err := c.Deliver(enriched); err != nil {
			// One slow or broken member must not starve the rest.
			b.logger.Warn("room delivery failed", "room", roomName, "conn", id, "error", err)
		}
	}
	return nil
}

// ToPrincipal delivers env to every live connection authenticated as the
// principal. Empty-target policy matches ToRoom.
func (b *Broadcaster) ToPrincipal(principal string, env model.Envelope, opts model.Options) error {
	conns := b.conns.ByPrincipal(principal)
	if len(conns) == 0 {
		if opts.Retry != nil {
			b.enqueue(&queued{env: env, principal: principal, opts: opts})
		}
		return nil
	}

	enriched := env.Enrich(opts, b.cfg.Source, b.now())
	for _, c := range conns {
		if err := c.Deliver(enriched); err != nil {
			b.logger.Warn("principal delivery failed", "principal", principal, "conn", c.ID(), "error", err)
		}
	}
	return nil
}

// ToAll delivers env to every live connection. Never queues: a global
// broadcast has no meaningful "empty target" to wait for. All sends are
// attempted; the first failure is then propagated.
func (b *Broadcaster) ToAll(env model.Envelope, opts model.Options) error {
	enriched := env.Enrich(opts, b.cfg.Source, b.now())

	var firstErr error
	for _, c := range b.conns.All() {
		if err := c.Deliver(enriched); err != nil {
			b.logger.Warn("global delivery failed", "conn", c.ID(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("%w: %v", ErrBroadcastFailed, firstErr)
	}
	return nil
}

// ToRooms fans out to several rooms concurrently. A failure for one room
// does not stop the others; the first error is reported.
func (b *Broadcaster) ToRooms(roomNames []string, env model.Envelope, opts model.Options) error {
	var g errgroup.Group
	for _, name := range roomNames {
		name := name
		g.Go(func() error {
			return b.ToRoom(name, env, opts)
		})
	}
	return g.Wait()
}

// ToPrincipals fans out to several principals concurrently.
func (b *Broadcaster) ToPrincipals(principals []string, env model.Envelope, opts model.Options) error {
	var g errgroup.Group
	for _, p := range principals {
		p := p
		g.Go(func() error {
			return b.ToPrincipal(p, env, opts)
		})
	}
	return g.Wait()
}

// enqueue adds a deferred delivery, rejecting the newcomer when the queue
// is full. Rejecting rather than evicting keeps the oldest events first in
// line once the target shows up.
func (b *Broadcaster) enqueue(item *queued) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) >= b.maxQueueSize {
		b.logger.Warn("retry queue full, dropping broadcast",
			"target", item.target(), "kind", item.env.Type, "queue_size", len(b.queue))
		return
	}

	item.queuedAt = b.now()
	b.queue = append(b.queue, item)
	b.logger.Debug("broadcast queued", "target", item.target(), "kind", item.env.Type, "queue_size", len(b.queue))
}

// Flush runs one queue processing pass immediately. The periodic tick calls
// this; tests and shutdown paths may call it directly.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return
	}

	kept := b.queue[:0]
	for _, item := range b.queue {
		if b.tryDeliver(item) {
			continue
		}

		item.attempts++
		if item.attempts >= item.opts.Retry.MaxAttempts {
			b.logger.Warn("retry attempts exhausted, dropping broadcast",
				"target", item.target(), "kind", item.env.Type, "attempts", item.attempts)
			continue
		}
		kept = append(kept, item)
	}

	// Zero the tail so dropped items do not linger in the backing array.
	for i := len(kept); i < len(b.queue); i++ {
		b.queue[i] = nil
	}
	b.queue = kept
}

// tryDeliver re-resolves the item's target and delivers if anyone is
// there. Per-recipient failures are logged and count as delivered: the
// target existed, so the retry contract is satisfied.
func (b *Broadcaster) tryDeliver(item *queued) bool {
	var conns []*session.Conn
	if item.room != "" {
		for _, id := range b.members.Members(item.room) {
			if c, ok := b.conns.Get(id); ok {
				conns = append(conns, c)
			}
		}
	} else {
		conns = b.conns.ByPrincipal(item.principal)
	}
	if len(conns) == 0 {
		return false
	}

	enriched := item.env.Enrich(item.opts, b.cfg.Source, b.now())
	for _, c := range conns {
		if err := c.Deliver(enriched); err != nil {
			b.logger.Warn("queued delivery failed", "target", item.target(), "conn", c.ID(), "error", err)
		}
	}
	return true
}

// QueueStats returns a snapshot of the retry queue.
func (b *Broadcaster) QueueStats() QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := QueueStats{
		Size:    len(b.queue),
		MaxSize: b.maxQueueSize,
	}
	if len(b.queue) > 0 {
		s.OldestQueuedAt = b.queue[0].queuedAt
	}
	return s
}

// SetMaxQueueSize changes the queue capacity. Items already queued beyond
// a smaller capacity stay; only new enqueues are rejected.
func (b *Broadcaster) SetMaxQueueSize(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxQueueSize = n
}

// ClearQueue drops all pending items.
func (b *Broadcaster) ClearQueue() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) > 0 {
		b.logger.Info("retry queue cleared", "dropped", len(b.queue))
	}
	b.queue = nil
}

func (b *Broadcaster) processLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}
