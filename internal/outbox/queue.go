package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/learnsync/internal/clock"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/ids"
	"github.com/roach88/learnsync/internal/store"
)

// Queue records sync intents in the store's outbox table.
type Queue struct {
	store *store.Store
	clock clock.Clock
	ids   ids.Generator
}

// NewQueue creates a queue over s.
func NewQueue(s *store.Store, c clock.Clock, g ids.Generator) *Queue {
	return &Queue{store: s, clock: c, ids: g}
}

// Counts is the number of events in each status.
type Counts struct {
	Queued int `json:"queued"`
	Pushed int `json:"pushed"`
	Failed int `json:"failed"`
}

// Enqueue appends one queued event carrying p.
//
// tx must be the transaction that writes the entity p describes, so the
// mutation and its sync intent commit together; it must declare
// domain.EntityOutbox. A nil tx runs the insert in a transaction of its own.
func (q *Queue) Enqueue(ctx context.Context, tx *store.Tx, p Payload) (Event, error) {
	if tx == nil {
		var ev Event
		err := q.store.Transaction(ctx, store.ReadWrite, []domain.Entity{domain.EntityOutbox}, func(tx *store.Tx) error {
			var err error
			ev, err = q.Enqueue(ctx, tx, p)
			return err
		})
		return ev, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", p.Type(), err)
	}

	row, err := tx.Outbox().Add(ctx, store.OutboxRow{
		ID:         q.ids.NewID(),
		Type:       string(p.Type()),
		Payload:    raw,
		CreatedAt:  q.clock.Now(),
		SyncStatus: string(StatusQueued),
	})
	if err != nil {
		return Event{}, fmt.Errorf("enqueue %s: %w", p.Type(), err)
	}

	return Event{
		ID:         row.ID,
		Seq:        row.Seq,
		Type:       p.Type(),
		Payload:    p,
		CreatedAt:  row.CreatedAt,
		SyncStatus: StatusQueued,
	}, nil
}

// Pending returns the events the next push must carry: every queued or
// failed event, in seq order.
func (q *Queue) Pending(ctx context.Context) ([]Event, error) {
	rows, err := q.store.Outbox().ByStatus(ctx, string(StatusQueued), string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	return fromRows(rows)
}

// All returns the whole outbox, pushed events included, in seq order.
func (q *Queue) All(ctx context.Context) ([]Event, error) {
	rows, err := q.store.Outbox().ByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return fromRows(rows)
}

// Get returns one event by id.
func (q *Queue) Get(ctx context.Context, id string) (Event, error) {
	row, err := q.store.Outbox().Get(ctx, id)
	if err != nil {
		return Event{}, err
	}
	return fromRow(row)
}

// Counts returns the number of events per status.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	m, err := q.store.Outbox().CountByStatus(ctx)
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Queued: m[string(StatusQueued)],
		Pushed: m[string(StatusPushed)],
		Failed: m[string(StatusFailed)],
	}, nil
}

// MarkPushed records the adapter's acknowledgement of one event.
func MarkPushed(ctx context.Context, tx *store.Tx, id string) error {
	return tx.Outbox().SetStatus(ctx, id, string(StatusPushed), "")
}

// MarkFailed records a per-event rejection. The event stays eligible for
// the next push.
func MarkFailed(ctx context.Context, tx *store.Tx, id, reason string) error {
	return tx.Outbox().SetStatus(ctx, id, string(StatusFailed), reason)
}

// ApplyPushResult transitions every submitted event in one transaction:
// ids present in rejected become failed with their message, all others
// become pushed.
func (q *Queue) ApplyPushResult(ctx context.Context, submitted []Event, rejected map[string]string) error {
	return q.store.Transaction(ctx, store.ReadWrite, []domain.Entity{domain.EntityOutbox}, func(tx *store.Tx) error {
		for _, ev := range submitted {
			if reason, ok := rejected[ev.ID]; ok {
				if err := MarkFailed(ctx, tx, ev.ID, reason); err != nil {
					return err
				}
				continue
			}
			if err := MarkPushed(ctx, tx, ev.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func fromRows(rows []store.OutboxRow) ([]Event, error) {
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func fromRow(row store.OutboxRow) (Event, error) {
	p, err := Decode(Type(row.Type), row.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", row.ID, err)
	}
	return Event{
		ID:         row.ID,
		Seq:        row.Seq,
		Type:       Type(row.Type),
		Payload:    p,
		CreatedAt:  row.CreatedAt,
		SyncStatus: Status(row.SyncStatus),
		LastError:  row.LastError,
	}, nil
}
