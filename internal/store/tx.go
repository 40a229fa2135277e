package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/learnsync/internal/domain"
)

// Mode is the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "rw"
	}
	return "r"
}

// Tx is an open transaction over a declared set of tables.
type Tx struct {
	tx    *sql.Tx
	mode  Mode
	scope map[domain.Entity]bool
}

// Transaction runs fn inside one database transaction that may touch only
// the listed tables (domain.EntityOutbox included). Every write commits
// together or not at all: if fn returns an error, nothing it wrote is
// visible, and the error is returned unchanged.
func (s *Store) Transaction(ctx context.Context, mode Mode, tables []domain.Entity, fn func(tx *Tx) error) error {
	scope := make(map[domain.Entity]bool, len(tables))
	for _, e := range tables {
		if !e.Valid() {
			return fmt.Errorf("transaction: unknown table %q", e)
		}
		scope[e] = true
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback() // No-op after Commit

	if err := fn(&Tx{tx: sqlTx, mode: mode, scope: scope}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (tx *Tx) allow(e domain.Entity, write bool) error {
	if !tx.scope[e] {
		return fmt.Errorf("%w: %s", ErrNotInScope, e)
	}
	if write && tx.mode != ReadWrite {
		return fmt.Errorf("%w: %s", ErrReadOnly, e)
	}
	return nil
}

// Mode returns the access mode the transaction was opened with.
func (tx *Tx) Mode() Mode {
	return tx.mode
}

// Table returns the accessor for entity e bound to this transaction.
func (tx *Tx) Table(e domain.Entity) *Table {
	return &Table{q: tx.tx, entity: e, tx: tx}
}

// Outbox returns the outbox accessor bound to this transaction.
func (tx *Tx) Outbox() *OutboxTable {
	return &OutboxTable{q: tx.tx, tx: tx}
}

// Exec runs a raw statement inside the transaction.
func (tx *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx.mode != ReadWrite {
		return nil, fmt.Errorf("%w: raw statement", ErrReadOnly)
	}
	return tx.tx.ExecContext(ctx, query, args...)
}

// Query runs a raw query inside the transaction.
// Callers are responsible for closing the returned rows.
func (tx *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(ctx, query, args...)
}

// QueryRow runs a raw single-row query inside the transaction.
func (tx *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(ctx, query, args...)
}
