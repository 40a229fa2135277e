// Package store provides the SQLite-backed keyed record collection that a
// device (and the mock remote authority) keeps its entities in.
//
// The store exposes the access pattern the sync core relies on:
//   - Table(e).Get / Put / Add / ToArray per entity type
//   - Transaction(mode, tables, fn): all-or-nothing across the listed tables
//   - Outbox(): the append-only outbox event log
//
// # Critical Patterns
//
// Put is an upsert keyed by Record.Key(). Add is insert-only and reports
// ErrConstraint when the key exists; append-only logs use Add.
//
// Outbox ordering uses the seq column (logical clock), never timestamps:
// every listing is ORDER BY seq ASC, id ASC COLLATE BINARY.
//
// Table listings are ORDER BY key COLLATE BINARY so results are identical
// across runs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The pool holds a single connection. Inside a Transaction callback use only
// the *Tx; calling back into the Store from there blocks forever.
package store
