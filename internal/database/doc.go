// Package database builds the Postgres connection pool backing the change
// feed. The hub itself keeps no state in the database; the pool exists so
// the feed listener can hold a dedicated LISTEN connection and reconnect
// cleanly.
package database
