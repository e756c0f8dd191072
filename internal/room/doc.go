// Package room implements the room registry: membership tracking,
// authorization, capacity enforcement, and idle cleanup.
//
// The registry is the single owner of room state. Other components read
// membership through Members/Stats snapshots and mutate it only through
// Join/Leave/CleanupForConnection.
//
// Room names follow the type:identifier convention; the type prefix fixes
// the room kind and with it the auth requirement (see DetectKind).
package room
