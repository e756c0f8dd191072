package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mthorsen/stellar-push/internal/model"
)

// Errors
var (
	ErrNoTarget   = errors.New("notification names neither room nor principal")
	ErrBadKind    = errors.New("notification kind not in the event set")
	errBothTarget = errors.New("notification names both room and principal")
)

// Publisher is the broadcaster surface the feed pushes into.
type Publisher interface {
	ToRoom(roomName string, env model.Envelope, opts model.Options) error
	ToPrincipal(principal string, env model.Envelope, opts model.Options) error
}

// Config holds listener settings.
type Config struct {
	Channel        string        // LISTEN channel name
	ReconnectDelay time.Duration // Wait between reconnect attempts
}

// notification is the wire format producers send via pg_notify.
type notification struct {
	Kind          model.EventKind `json:"kind"`
	Room          string          `json:"room,omitempty"`
	Principal     string          `json:"principal,omitempty"`
	RetryAttempts int             `json:"retry_attempts,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// Listener consumes change notifications and publishes envelopes.
type Listener struct {
	cfg    Config
	pool   *pgxpool.Pool
	pub    Publisher
	logger *slog.Logger

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewListener creates a change-feed listener over the given pool.
func NewListener(cfg Config, pool *pgxpool.Pool, pub Publisher, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:    cfg,
		pool:   pool,
		pub:    pub,
		logger: logger,
	}
}

// Start begins listening in the background.
func (l *Listener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.listenLoop(ctx)

	l.logger.Info("change feed started", "channel", l.cfg.Channel)
	return nil
}

// Stop cancels the listen loop and waits for it to exit.
func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("change feed stopped")
	case <-ctx.Done():
		l.logger.Warn("change feed stop timed out")
	}
	return nil
}

// listenLoop holds a dedicated LISTEN connection, reconnecting on failure.
func (l *Listener) listenLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		if err := l.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("change feed connection lost", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+sanitizeChannel(l.cfg.Channel)); err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Channel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if err := l.handle([]byte(n.Payload)); err != nil {
			// Bad payloads are the producer's bug, not a reason to
			// drop the connection.
			l.logger.Warn("change feed payload rejected", "error", err)
		}
	}
}

// handle decodes one notification payload and routes it.
func (l *Listener) handle(payload []byte) error {
	env, room, principal, opts, err := decode(payload)
	if err != nil {
		return err
	}

	if room != "" {
		return l.pub.ToRoom(room, env, opts)
	}
	return l.pub.ToPrincipal(principal, env, opts)
}

// decode validates a notification payload and builds the envelope. The
// producer's data block is carried through untouched.
func decode(payload []byte) (env model.Envelope, room, principal string, opts model.Options, err error) {
	var n notification
	if err = json.Unmarshal(payload, &n); err != nil {
		return env, "", "", opts, fmt.Errorf("decode notification: %w", err)
	}

	if !n.Kind.Valid() {
		return env, "", "", opts, fmt.Errorf("%w: %q", ErrBadKind, n.Kind)
	}
	if n.Room == "" && n.Principal == "" {
		return env, "", "", opts, ErrNoTarget
	}
	if n.Room != "" && n.Principal != "" {
		return env, "", "", opts, errBothTarget
	}

	env = model.Envelope{
		ID:        uuid.NewString(),
		Type:      n.Kind,
		Timestamp: time.Now().UTC(),
		Data:      n.Data,
	}
	if n.RetryAttempts > 0 {
		opts.Retry = &model.RetryPolicy{MaxAttempts: n.RetryAttempts}
	}
	return env, n.Room, n.Principal, opts, nil
}

// sanitizeChannel strips anything that is not a plain identifier rune.
// LISTEN takes an identifier, not a bind parameter.
func sanitizeChannel(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		}
	}
	return string(out)
}
