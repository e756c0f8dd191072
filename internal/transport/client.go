package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mthorsen/stellar-push/internal/model"
)

// Errors
var (
	ErrBackpressure = errors.New("client send buffer full")
	ErrClientClosed = errors.New("client closed")
)

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 64
)

// client wraps one websocket connection and implements session.Sender.
type client struct {
	ws   *websocket.Conn
	send chan model.Envelope

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newClient(ws *websocket.Conn) *client {
	return &client{
		ws:   ws,
		send: make(chan model.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// Send queues one envelope for the write pump. Non-blocking: a client that
// cannot drain its buffer gets an error instead of stalling the hub.
func (c *client) Send(env model.Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrBackpressure
	}
}

// Close tears the socket down. Safe to call more than once.
func (c *client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.ws.Close()
}

// writePump serializes outbound envelopes onto the socket.
func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
