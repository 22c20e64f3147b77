// Package storage persists the operator audit trail and the run history of
// fired jobs.
//
// Drivers:
//   - "file": JSON Lines files next to the configured path
//   - "sqlite": a SQLite database (pure Go driver) with embedded migrations
//
// An empty driver or "none" disables persistence; Open then returns a nil
// Store and callers skip recording.
package storage
