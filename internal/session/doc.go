// Package session implements the connection lifecycle manager.
//
// A connection moves through exactly one path:
//
//	Connected (unauthenticated) -> Authenticated -> Disconnected
//
// Authentication requires a successful credential validation and cancels the
// unauthenticated-connection timeout. Disconnection is terminal, idempotent,
// and always triggers room-membership cleanup through the registry hook.
//
// The manager owns all per-connection timers. Heartbeats are emitted on a
// process-wide ticker; a connection that ignores them is not disconnected
// here. Only the authentication timeout forces a close, liveness beyond
// that belongs to the transport.
package session
