// Package storage is the optional archive for terminal task records and
// periodic agent-health snapshots.
//
// Drivers:
//   - "none" (or empty): archiving disabled
//   - "file": append-only JSON Lines
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
//
// The queue itself is never persisted; this is an operator-facing audit
// trail, not crash recovery.
package storage
