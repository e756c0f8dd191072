package session

import (
	"errors"
	"sync"
	"time"

	"github.com/mthorsen/stellar-push/internal/model"
)

// Errors
var (
	ErrRateLimited        = errors.New("authentication rate limited")
	ErrUnknownSession     = errors.New("unknown session")
	ErrAlreadyClosed      = errors.New("session already closed")
	ErrTooManyConnections = errors.New("principal connection limit reached")
)

// Sender is the transport side of a connection: the hub resolves which
// connections to address, the transport multiplexes bytes to the socket.
type Sender interface {
	// Send delivers one envelope. It must not block indefinitely; a full
	// client buffer should surface as an error.
	Send(env model.Envelope) error

	// Close tears down the transport. Must be safe to call more than once.
	Close()
}

// Meta carries transport-provided connection metadata.
type Meta struct {
	RemoteAddr string
	UserAgent  string
}

// Config holds connection lifecycle settings.
type Config struct {
	ConnectionTimeout          time.Duration // Grace period before an unauthenticated conn is dropped
	HeartbeatInterval          time.Duration
	MaxConnectionsPerPrincipal int
}

// Stats is a read-only snapshot of the manager.
type Stats struct {
	Total         int
	Authenticated int
	ActiveTimers  int // Pending unauthenticated-connection timeouts
}

// Conn is the hub's record of one live transport session.
type Conn struct {
	id     string
	sender Sender

	mu             sync.Mutex
	principal      string // Empty until authentication succeeds
	connectedAt    time.Time
	lastActivityAt time.Time
	meta           Meta
	closed         bool

	// timeout is the unauthenticated-connection timer; nil once cancelled.
	// Cancellation happens at most once, on auth success or disconnect.
	timeout *time.Timer
}

// ID returns the opaque session identifier.
func (c *Conn) ID() string { return c.id }

// IsAuthenticated reports whether credential validation has succeeded.
// Holds the invariant: authenticated iff a principal is set.
func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal != ""
}

// Principal returns the authenticated principal, or empty.
func (c *Conn) Principal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// Meta returns the transport metadata recorded at connect.
func (c *Conn) Meta() Meta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// ConnectedAt returns the connect time.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// LastActivityAt returns the time of the last inbound message.
func (c *Conn) LastActivityAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivityAt
}

// Deliver sends one envelope over the connection's transport.
func (c *Conn) Deliver(env model.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	sender := c.sender
	c.mu.Unlock()

	return sender.Send(env)
}

// touch updates the activity timestamp.
func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivityAt = now
	c.mu.Unlock()
}

// cancelTimeout stops the unauthenticated timer. No-op when already
// cancelled.
func (c *Conn) cancelTimeout() {
	c.mu.Lock()
	t := c.timeout
	c.timeout = nil
	c.mu.Unlock()

	if t != nil {
		t.Stop()
	}
}
