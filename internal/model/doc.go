// Package model defines shared data types used across the push hub.
//
// Conventions:
//   - Event kinds: closed set of EventKind constants, never free-form strings
//   - Timestamps: time.Time in UTC, stamped at delivery unless disabled
//   - IDs: uuid strings for envelopes and sessions
package model
