// Package transport adapts WebSocket connections to the hub.
//
// Each accepted socket gets a client with a buffered outbound channel and
// read/write pumps. The outbound side never blocks the hub: a full buffer
// surfaces as a send error, which the broadcaster treats like any other
// per-member delivery failure.
//
// Inbound frames are a closed set of control messages (auth, subscribe,
// unsubscribe, ping); all domain events flow server-to-client.
package transport
