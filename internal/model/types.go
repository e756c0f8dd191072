package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the payload type of an envelope. The set is closed:
// adding a kind means adding a constant here and a case to Valid, so an
// unknown kind is a compile-time or validation-time failure rather than a
// silent string mismatch.
type EventKind string

const (
	// Server-originated domain events.
	KindPriceTick         EventKind = "price_tick"
	KindTxStatus          EventKind = "tx_status"
	KindAutomationTrigger EventKind = "automation_trigger"
	KindBalanceUpdate     EventKind = "balance_update"
	KindSystemNotice      EventKind = "system_notice"
	KindHeartbeat         EventKind = "heartbeat"

	// Handshake and subscription control frames.
	KindAuthOK           EventKind = "auth_ok"
	KindAuthError        EventKind = "auth_error"
	KindSubscribed       EventKind = "subscribed"
	KindSubscribeError   EventKind = "subscribe_error"
	KindUnsubscribed     EventKind = "unsubscribed"
	KindPong             EventKind = "pong"
	KindDisconnectNotice EventKind = "disconnect_notice"
)

// Valid reports whether k is a member of the closed kind set.
func (k EventKind) Valid() bool {
	switch k {
	case KindPriceTick, KindTxStatus, KindAutomationTrigger, KindBalanceUpdate,
		KindSystemNotice, KindHeartbeat,
		KindAuthOK, KindAuthError, KindSubscribed, KindSubscribeError,
		KindUnsubscribed, KindPong, KindDisconnectNotice:
		return true
	}
	return false
}

// Envelope is the unit of broadcast. ID, Type, and Data are immutable after
// creation; the broadcaster may overwrite Timestamp and Source at delivery
// time depending on Options.
type Envelope struct {
	ID        string          `json:"id"`
	Type      EventKind       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope with a fresh uuid and the current time.
// The payload is marshaled once here; callers that already hold raw JSON
// should construct the Envelope directly.
func NewEnvelope(kind EventKind, payload any) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("unknown event kind %q", kind)
	}

	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		data = b
	}

	return Envelope{
		ID:        uuid.NewString(),
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// RetryPolicy bounds redelivery attempts for a broadcast whose target was
// empty at send time.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration // Hint only; the queue processor runs on its own tick
}

// Options control enrichment and retry for a single broadcast call.
type Options struct {
	// Retry, when non-nil, queues the envelope if the target is currently
	// empty or unreachable.
	Retry *RetryPolicy

	// SkipTimestamp leaves the envelope's original timestamp in place
	// instead of stamping delivery time.
	SkipTimestamp bool

	// SkipSource leaves the envelope's original source tag in place.
	SkipSource bool
}

// Enrich returns a copy of e with Timestamp and Source stamped per opts.
// ID, Type, and Data are never modified.
func (e Envelope) Enrich(opts Options, source string, now time.Time) Envelope {
	out := e
	if !opts.SkipTimestamp {
		out.Timestamp = now
	}
	if !opts.SkipSource {
		out.Source = source
	}
	return out
}
