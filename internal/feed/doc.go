// Package feed turns Postgres row-change notifications into broadcast
// calls. Producers (transaction workers, price ingesters, automation
// runners) NOTIFY a channel with a JSON payload naming the event kind, the
// target room or principal, and the domain data; the listener wraps that
// in an envelope and hands it to the broadcaster.
//
// The listener holds one dedicated connection for LISTEN and reconnects
// with a fixed delay when it drops. Malformed payloads are logged and
// skipped; the feed never fails the hub.
package feed
