// Package broadcast delivers event envelopes to rooms, principals, or all
// live connections, with optional enrichment and a bounded retry queue for
// targets that are momentarily empty.
//
// Delivery guarantees are best-effort. Per-room order matches call order
// for immediately-available rooms; a retried envelope can land after a
// newer immediate one, which is accepted because retries exist only for
// the "nobody there yet" case. Under sustained backpressure the queue
// rejects new items rather than evicting old ones.
package broadcast
