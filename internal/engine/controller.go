package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/learnsync/internal/outbox"
)

// Status is the controller's state as the UI sees it.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// Snapshot is everything a UI shows about sync.
type Snapshot struct {
	Status      Status         `json:"status"`
	LastError   string         `json:"lastError,omitempty"`
	LastSyncAt  *time.Time     `json:"lastSyncAt"`
	QueuedCount int            `json:"queuedCount"`
	FailedCount int            `json:"failedCount"`
	Outbox      []outbox.Event `json:"outbox"`
}

// Controller gates an Engine so that at most one cycle runs at a time and
// keeps the status a UI observes.
//
// Thread-safety: All methods are safe for concurrent use.
type Controller struct {
	engine *Engine

	mu        sync.Mutex
	status    Status
	lastError string
}

func NewController(e *Engine) *Controller {
	return &Controller{engine: e, status: StatusIdle}
}

// SyncNow runs one cycle, or returns ErrBusy without waiting if one is
// already running.
func (c *Controller) SyncNow(ctx context.Context, sc SyncContext) (Report, error) {
	c.mu.Lock()
	if c.status == StatusSyncing {
		c.mu.Unlock()
		return Report{}, ErrBusy
	}
	c.status = StatusSyncing
	c.mu.Unlock()

	report, err := c.engine.SyncNow(ctx, sc)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.status = StatusError
		c.lastError = UserMessage(err)
		return report, err
	}
	c.status = StatusIdle
	c.lastError = ""
	return report, nil
}

// Status returns the current snapshot, reading counts and the outbox from
// the store.
func (c *Controller) Status(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	snap := Snapshot{Status: c.status, LastError: c.lastError}
	c.mu.Unlock()

	meta, err := c.engine.meta.Load(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load sync meta: %w", err)
	}
	snap.LastSyncAt = meta.LastSyncAt

	counts, err := c.engine.queue.Counts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count outbox: %w", err)
	}
	snap.QueuedCount = counts.Queued
	snap.FailedCount = counts.Failed

	events, err := c.engine.queue.All(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list outbox: %w", err)
	}
	snap.Outbox = events
	return snap, nil
}
