package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/protocol"
	"github.com/roach88/learnsync/internal/store"
	"github.com/roach88/learnsync/internal/syncmeta"
)

// SyncContext identifies who a cycle runs for. It is passed explicitly on
// every call; the engine keeps no session state.
type SyncContext struct {
	CurrentUserID string
}

// Report summarizes one successful cycle.
type Report struct {
	Pushed     int                   `json:"pushed"`
	Failed     int                   `json:"failed"`
	Rejected   map[string]string     `json:"rejected,omitempty"`
	Merged     map[domain.Entity]int `json:"merged"`
	LastSyncAt time.Time             `json:"lastSyncAt"`

	// Notifications lists unread notifications for the current user that
	// arrived in this pull, e.g. a redemption the authority refused.
	Notifications []domain.Notification `json:"notifications,omitempty"`
}

// Engine runs sync cycles for one device.
type Engine struct {
	store   *store.Store
	queue   *outbox.Queue
	adapter protocol.Adapter
	meta    syncmeta.Store
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine over the device store s and its outbox q.
func New(s *store.Store, q *outbox.Queue, a protocol.Adapter, m syncmeta.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		queue:   q,
		adapter: a,
		meta:    m,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncNow runs one push, pull, merge, finalize cycle.
//
// On failure the returned error is a *SyncError naming the phase; the
// cursor is unchanged and events marked pushed stay pushed. Callers must
// not run two cycles on the same device at once (see Controller).
func (e *Engine) SyncNow(ctx context.Context, sc SyncContext) (Report, error) {
	report := Report{Merged: map[domain.Entity]int{}}
	log := e.logger.With("user", sc.CurrentUserID)

	meta, err := e.meta.Load(ctx)
	if err != nil {
		return report, &SyncError{Phase: PhaseMeta, Err: err}
	}

	if err := e.push(ctx, &report); err != nil {
		log.Warn("sync aborted", "phase", PhasePush, "error", err)
		return report, &SyncError{Phase: PhasePush, Err: err}
	}

	bundle, err := e.adapter.PullChanges(ctx, meta.LastSyncAt)
	if err != nil {
		log.Warn("sync aborted", "phase", PhasePull, "error", err)
		return report, &SyncError{Phase: PhasePull, Err: err}
	}

	merged, err := Merge(ctx, e.store, bundle)
	if err != nil {
		log.Warn("sync aborted", "phase", PhaseMerge, "error", err)
		return report, &SyncError{Phase: PhaseMerge, Err: err}
	}
	report.Merged = merged

	serverTime := bundle.ServerTime
	if err := e.meta.Save(ctx, syncmeta.Meta{LastSyncAt: &serverTime}); err != nil {
		return report, &SyncError{Phase: PhaseMeta, Err: err}
	}
	report.LastSyncAt = serverTime
	report.Notifications = unreadFor(bundle.Notifications, sc.CurrentUserID)

	log.Info("sync complete",
		"pushed", report.Pushed,
		"failed", report.Failed,
		"merged", bundle.Len(),
		"server_time", serverTime,
	)
	return report, nil
}

// push sends the pending snapshot. Events enqueued after the snapshot is
// taken are left for the next cycle.
func (e *Engine) push(ctx context.Context, report *Report) error {
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	res, err := e.adapter.PushEvents(ctx, pending)
	if err != nil {
		return err
	}

	if err := e.queue.ApplyPushResult(ctx, pending, res.ErrorsByEventID); err != nil {
		return fmt.Errorf("record push result: %w", err)
	}

	for _, ev := range pending {
		if reason, ok := res.ErrorsByEventID[ev.ID]; ok {
			if report.Rejected == nil {
				report.Rejected = make(map[string]string)
			}
			report.Rejected[ev.ID] = reason
			report.Failed++
			e.logger.Info("event rejected", "id", ev.ID, "type", ev.Type, "reason", reason)
			continue
		}
		report.Pushed++
	}
	return nil
}

// Merge writes every row of b into s, replacing local rows with the same
// key. All present entity types are written in one transaction. Returns
// the number of rows written per entity type.
func Merge(ctx context.Context, s *store.Store, b protocol.PullBundle) (map[domain.Entity]int, error) {
	merged := make(map[domain.Entity]int)
	entities := b.Entities()
	if len(entities) == 0 {
		return merged, nil
	}

	err := s.Transaction(ctx, store.ReadWrite, entities, func(tx *store.Tx) error {
		for _, e := range entities {
			table := tx.Table(e)
			for _, rec := range b.Rows(e) {
				if err := table.Put(ctx, rec); err != nil {
					return err
				}
			}
			merged[e] = len(b.Rows(e))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge pull bundle: %w", err)
	}
	return merged, nil
}

func unreadFor(notes []domain.Notification, userID string) []domain.Notification {
	var out []domain.Notification
	for _, n := range notes {
		if n.UserID == userID && n.ReadAt == nil && n.DeletedAt == nil {
			out = append(out, n)
		}
	}
	return out
}
