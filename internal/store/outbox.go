package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/learnsync/internal/domain"
)

// OutboxRow is the stored form of one outbox event. The typed view lives
// in package outbox.
type OutboxRow struct {
	ID         string
	Seq        int64
	Type       string
	Payload    json.RawMessage
	CreatedAt  time.Time
	SyncStatus string
	LastError  string
}

// OutboxTable is the append-only outbox log.
type OutboxTable struct {
	q  querier
	tx *Tx
}

func (o *OutboxTable) check(write bool) error {
	if o.tx != nil {
		return o.tx.allow(domain.EntityOutbox, write)
	}
	return nil
}

const outboxColumns = `id, seq, type, payload, created_at, sync_status, last_error`

// Add appends row and returns it with its assigned seq (one past the
// current maximum). Row.Seq is ignored on input. Returns an error wrapping
// ErrConstraint if the id already exists.
func (o *OutboxTable) Add(ctx context.Context, row OutboxRow) (OutboxRow, error) {
	if err := o.check(true); err != nil {
		return OutboxRow{}, err
	}
	if row.ID == "" {
		return OutboxRow{}, errors.New("add outbox event: empty id")
	}

	// Single statement so seq assignment is atomic even without an
	// enclosing transaction. The WHERE clause disambiguates the upsert.
	res, err := o.q.ExecContext(ctx, `
		INSERT INTO outbox_events (`+outboxColumns+`)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		FROM outbox_events WHERE true
		ON CONFLICT(id) DO NOTHING
	`, row.ID, row.Type, string(row.Payload),
		row.CreatedAt.UTC().Format(time.RFC3339Nano), row.SyncStatus, row.LastError)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("add outbox event %s: %w", row.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return OutboxRow{}, fmt.Errorf("add outbox event %s: %w", row.ID, err)
	}
	if n == 0 {
		return OutboxRow{}, fmt.Errorf("add outbox event %s: %w", row.ID, ErrConstraint)
	}

	return o.Get(ctx, row.ID)
}

// Get returns the event with the given id.
func (o *OutboxTable) Get(ctx context.Context, id string) (OutboxRow, error) {
	if err := o.check(false); err != nil {
		return OutboxRow{}, err
	}
	row, err := scanOutboxRow(o.q.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM outbox_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxRow{}, fmt.Errorf("get outbox event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return OutboxRow{}, fmt.Errorf("get outbox event %s: %w", id, err)
	}
	return row, nil
}

// ByStatus lists events whose status is one of statuses, or every event
// when none are given. Ordered by seq ASC, id ASC.
func (o *OutboxTable) ByStatus(ctx context.Context, statuses ...string) ([]OutboxRow, error) {
	if err := o.check(false); err != nil {
		return nil, err
	}

	query := `SELECT ` + outboxColumns + ` FROM outbox_events`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		query += ` WHERE sync_status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY seq ASC, id COLLATE BINARY ASC`

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	defer rows.Close()

	out := []OutboxRow{}
	for rows.Next() {
		row, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}
	return out, nil
}

// SetStatus updates the status and last error of one event.
// Returns an error wrapping ErrNotFound if the id does not exist.
func (o *OutboxTable) SetStatus(ctx context.Context, id, status, lastError string) error {
	if err := o.check(true); err != nil {
		return err
	}
	res, err := o.q.ExecContext(ctx,
		`UPDATE outbox_events SET sync_status = ?, last_error = ? WHERE id = ?`,
		status, lastError, id)
	if err != nil {
		return fmt.Errorf("set outbox status %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set outbox status %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("set outbox status %s: %w", id, ErrNotFound)
	}
	return nil
}

// CountByStatus returns the number of events per status. Statuses with no
// events are absent from the map.
func (o *OutboxTable) CountByStatus(ctx context.Context) (map[string]int, error) {
	if err := o.check(false); err != nil {
		return nil, err
	}
	rows, err := o.q.QueryContext(ctx,
		`SELECT sync_status, COUNT(*) FROM outbox_events GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox counts: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(s rowScanner) (OutboxRow, error) {
	var row OutboxRow
	var payload, createdAt string
	if err := s.Scan(&row.ID, &row.Seq, &row.Type, &payload, &createdAt, &row.SyncStatus, &row.LastError); err != nil {
		return OutboxRow{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return OutboxRow{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	row.Payload = json.RawMessage(payload)
	row.CreatedAt = t
	return row, nil
}
