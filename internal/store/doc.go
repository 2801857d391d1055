// Package store provides persistence for agent status history, messages and
// agent profiles.
//
// # Architecture
//
// The package is interface-driven with three narrow contracts:
//
//   - StatusStore: append-only status log (AppendStatus, LatestStatus, StatusHistory)
//   - MessageStore: routed messages and their read state
//   - ProfileStore: agent to team lookups owned by the account system
//
// Store embeds all three plus Close. Open selects a backend by driver name:
//
//   - sqlite: modernc.org/sqlite, WAL mode, schema created on start (default)
//   - postgres: pgx connection pool, same schema with timestamptz columns
//   - badger: embedded key-value store with time-ordered keys
//   - memory: maps behind a mutex, for tests and throwaway runs
//
// # Ordering
//
// Every query that returns more than one row is newest first, ordered by
// timestamp with insertion order as the tie break. Limits default to 50 and
// are capped at 1000.
//
// # Read State
//
// MarkRead is the only mutation after insert. It is idempotent: marking an
// already-read message keeps the original ReadAt.
//
// # Error Handling
//
//   - ErrNotFound: the requested message does not exist, or the agent has no
//     status history
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore() or NewSQLiteStore(":memory:") in tests. The storemock
// package holds gomock doubles generated from store.go for failure injection.
package store
