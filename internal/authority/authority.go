// Package authority is the mock remote authority: an in-process stand-in
// for the server that implements protocol.Adapter over its own store.
//
// The authority keeps independent copies of every entity, keyed by the same
// ids as the devices, plus three tables of its own: a change log that
// drives incremental pulls, a ledger of applied event ids that makes pushes
// idempotent, and the list of redemptions it refused.
//
// All calls are serialized by one mutex, so concurrent pushes from several
// devices are applied one event at a time in arrival order.
package authority

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/learnsync/internal/clock"
	"github.com/roach88/learnsync/internal/coupon"
	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/ids"
	"github.com/roach88/learnsync/internal/protocol"
	"github.com/roach88/learnsync/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// ErrInjected is returned by a pull that FailNextPull armed.
var ErrInjected = errors.New("injected pull failure")

// Authority implements protocol.Adapter.
type Authority struct {
	mu     sync.Mutex
	store  *store.Store
	clock  clock.Clock
	ids    ids.Generator
	logger *slog.Logger

	// omit lists entity types this deployment never serves in a pull.
	omit map[domain.Entity]bool

	offline      bool
	failNextPull bool
}

var _ protocol.Adapter = (*Authority)(nil)

// Option configures an Authority.
type Option func(*Authority)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.logger = l }
}

// WithIDs sets the generator for server-minted records (notifications,
// audit logs). The default is UUIDv7.
func WithIDs(g ids.Generator) Option {
	return func(a *Authority) { a.ids = g }
}

// WithoutEntities keeps the given entity types out of every pull bundle,
// as a deployment that does not sync binary assets would.
func WithoutEntities(es ...domain.Entity) Option {
	return func(a *Authority) {
		for _, e := range es {
			a.omit[e] = true
		}
	}
}

// New opens an authority over s, creating its own tables if needed.
func New(ctx context.Context, s *store.Store, c clock.Clock, opts ...Option) (*Authority, error) {
	a := &Authority{
		store:  s,
		clock:  c,
		ids:    ids.UUIDv7Generator{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		omit:   make(map[domain.Entity]bool),
	}
	for _, opt := range opts {
		opt(a)
	}

	if _, err := s.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("create authority tables: %w", err)
	}
	return a, nil
}

// Store returns the authority's backing store.
func (a *Authority) Store() *store.Store {
	return a.store
}

// SetOffline makes every subsequent call fail with protocol.ErrOffline
// until it is switched back.
func (a *Authority) SetOffline(offline bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.offline = offline
}

// FailNextPull makes the next PullChanges fail with ErrInjected.
func (a *Authority) FailNextPull() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNextPull = true
}

// Upsert writes records directly on the authority, as an operator console
// would, recording each in the change log. All records commit together.
func (a *Authority) Upsert(ctx context.Context, e domain.Entity, recs ...domain.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.store.Transaction(ctx, store.ReadWrite, []domain.Entity{e}, func(tx *store.Tx) error {
		w := a.writer(tx)
		for _, rec := range recs {
			if c, ok := rec.(domain.Coupon); ok {
				c.Code = coupon.NormalizeCode(c.Code)
				rec = c
			}
			if err := w.put(ctx, e, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Coupon returns the authority's copy of the coupon with the given code.
func (a *Authority) Coupon(ctx context.Context, code string) (domain.Coupon, error) {
	return store.Get[domain.Coupon](ctx, a.store.Table(domain.EntityCoupons), coupon.NormalizeCode(code))
}

// Rejection is one refused redemption.
type Rejection struct {
	PaymentID  string    `json:"paymentId"`
	GrantID    string    `json:"grantId"`
	CouponCode string    `json:"couponCode"`
	StudentID  string    `json:"studentId"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// Rejections lists refused redemptions in the order they were refused.
func (a *Authority) Rejections(ctx context.Context) ([]Rejection, error) {
	rows, err := a.store.Query(ctx, `
		SELECT payment_id, grant_id, coupon_code, student_id, reason, rejected_at
		FROM rejected_redemptions
		ORDER BY rejected_at ASC, payment_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	defer rows.Close()

	out := []Rejection{}
	for rows.Next() {
		var r Rejection
		var at int64
		if err := rows.Scan(&r.PaymentID, &r.GrantID, &r.CouponCode, &r.StudentID, &r.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan rejection: %w", err)
		}
		r.RejectedAt = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rejections: %w", err)
	}
	return out, nil
}

// AppliedCount returns how many distinct event ids have been applied.
func (a *Authority) AppliedCount(ctx context.Context) (int, error) {
	var n int
	if err := a.store.QueryRow(ctx, `SELECT COUNT(*) FROM applied_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count applied events: %w", err)
	}
	return n, nil
}

// writer performs entity writes inside one authority transaction and
// records each in the change log.
type writer struct {
	tx  *store.Tx
	now time.Time
}

func (a *Authority) writer(tx *store.Tx) *writer {
	return &writer{tx: tx, now: a.clock.Now()}
}

func (w *writer) put(ctx context.Context, e domain.Entity, rec domain.Record) error {
	if err := w.tx.Table(e).Put(ctx, rec); err != nil {
		return err
	}
	return w.changed(ctx, e, rec.Key())
}

// add inserts an append-only record. An existing key is left alone and not
// logged again.
func (w *writer) add(ctx context.Context, e domain.Entity, rec domain.Record) error {
	err := w.tx.Table(e).Add(ctx, rec)
	if errors.Is(err, store.ErrConstraint) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.changed(ctx, e, rec.Key())
}

func (w *writer) changed(ctx context.Context, e domain.Entity, key string) error {
	_, err := w.tx.Exec(ctx,
		`INSERT INTO changes (entity, key, changed_at) VALUES (?, ?, ?)`,
		string(e), key, w.now.UnixNano())
	if err != nil {
		return fmt.Errorf("log change %s/%s: %w", e, key, err)
	}
	return nil
}
