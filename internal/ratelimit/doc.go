// Package ratelimit implements a sliding-window request counter with a hard
// block. Once an identifier exceeds the window limit it stays blocked for the
// configured duration, independent of any window resets in between.
//
// The limiter is in-process state; cross-process limiting is out of scope for
// a single-process hub.
package ratelimit
