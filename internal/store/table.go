package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/learnsync/internal/domain"
)

// Table is the keyed collection for one entity type.
//
// A Table obtained from Store runs each call on its own. A Table obtained
// from Tx shares the transaction and is limited to the tables the
// transaction declared.
type Table struct {
	q      querier
	entity domain.Entity
	tx     *Tx
}

// Entity returns the entity type this table holds.
func (t *Table) Entity() domain.Entity {
	return t.entity
}

func (t *Table) check(write bool) error {
	if !t.entity.Valid() || t.entity == domain.EntityOutbox {
		return fmt.Errorf("unknown entity table %q", t.entity)
	}
	if t.tx != nil {
		return t.tx.allow(t.entity, write)
	}
	return nil
}

// Get decodes the record stored under key into dst.
// Returns an error wrapping ErrNotFound if there is none.
func (t *Table) Get(ctx context.Context, key string, dst any) error {
	if err := t.check(false); err != nil {
		return err
	}

	var data string
	err := t.q.QueryRowContext(ctx,
		`SELECT data FROM records WHERE entity = ? AND key = ?`,
		string(t.entity), key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("get %s/%s: %w", t.entity, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s/%s: %w", t.entity, key, err)
	}

	if err := json.Unmarshal([]byte(data), dst); err != nil {
		return fmt.Errorf("decode %s/%s: %w", t.entity, key, err)
	}
	return nil
}

// Put upserts rec under rec.Key(), replacing any previous value.
func (t *Table) Put(ctx context.Context, rec domain.Record) error {
	key, data, err := t.encode(rec)
	if err != nil {
		return err
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO records (entity, key, data) VALUES (?, ?, ?)
		ON CONFLICT(entity, key) DO UPDATE SET data = excluded.data
	`, string(t.entity), key, data)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", t.entity, key, err)
	}
	return nil
}

// Add inserts rec. Returns an error wrapping ErrConstraint if the key
// already exists.
func (t *Table) Add(ctx context.Context, rec domain.Record) error {
	key, data, err := t.encode(rec)
	if err != nil {
		return err
	}

	res, err := t.q.ExecContext(ctx, `
		INSERT INTO records (entity, key, data) VALUES (?, ?, ?)
		ON CONFLICT(entity, key) DO NOTHING
	`, string(t.entity), key, data)
	if err != nil {
		return fmt.Errorf("add %s/%s: %w", t.entity, key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add %s/%s: %w", t.entity, key, err)
	}
	if n == 0 {
		return fmt.Errorf("add %s/%s: %w", t.entity, key, ErrConstraint)
	}
	return nil
}

func (t *Table) encode(rec domain.Record) (string, []byte, error) {
	if err := t.check(true); err != nil {
		return "", nil, err
	}
	key := rec.Key()
	if key == "" {
		return "", nil, fmt.Errorf("write %s: record has empty key", t.entity)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s/%s: %w", t.entity, key, err)
	}
	return key, data, nil
}

// ToArray returns every record in the table, soft-deleted ones included,
// ordered by key.
func (t *Table) ToArray(ctx context.Context) ([]json.RawMessage, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}

	rows, err := t.q.QueryContext(ctx, `
		SELECT data FROM records
		WHERE entity = ?
		ORDER BY key COLLATE BINARY ASC
	`, string(t.entity))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.entity, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.entity, err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", t.entity, err)
	}
	return out, nil
}

// Count returns the number of records in the table.
func (t *Table) Count(ctx context.Context) (int, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	var n int
	err := t.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE entity = ?`, string(t.entity),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", t.entity, err)
	}
	return n, nil
}

// Get is the typed form of Table.Get.
func Get[T any](ctx context.Context, t *Table, key string) (T, error) {
	var v T
	if err := t.Get(ctx, key, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// All decodes every record of the table into T, ordered by key.
// Returns an empty slice (not nil) for an empty table.
func All[T any](ctx context.Context, t *Table) ([]T, error) {
	raw, err := t.ToArray(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, data := range raw {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t.entity, err)
		}
		out = append(out, v)
	}
	return out, nil
}
