package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

// Runner triggers sync cycles from a ticker and from explicit Trigger
// calls. Cycles run one at a time on the Run goroutine; nothing is retried
// beyond the next tick.
type Runner struct {
	ctrl     *Controller
	sc       SyncContext
	interval time.Duration
	logger   *slog.Logger
	onResult func(Report, error)

	// signal coalesces triggers: buffered, size 1.
	signal chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger. The default discards.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithResultHook calls fn after every cycle the runner attempts,
// including ones refused with ErrBusy.
func WithResultHook(fn func(Report, error)) RunnerOption {
	return func(r *Runner) { r.onResult = fn }
}

// NewRunner creates a runner. interval <= 0 disables the ticker; cycles
// then run only on Trigger.
func NewRunner(c *Controller, sc SyncContext, interval time.Duration, opts ...RunnerOption) *Runner {
	r := &Runner{
		ctrl:     c,
		sc:       sc,
		interval: interval,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger requests a cycle. Never blocks; triggers arriving before the run
// loop picks one up collapse into a single cycle.
func (r *Runner) Trigger() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, running a cycle on every tick and
// trigger. Cycle errors are logged, not returned.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("sync runner starting", "interval", r.interval)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopping: context cancelled")
			return ctx.Err()
		case <-tick:
			r.cycle(ctx, "timer")
		case <-r.signal:
			r.cycle(ctx, "trigger")
		}
	}
}

func (r *Runner) cycle(ctx context.Context, reason string) {
	report, err := r.ctrl.SyncNow(ctx, r.sc)
	switch {
	case errors.Is(err, ErrBusy):
		r.logger.Debug("sync skipped: busy", "reason", reason)
	case err != nil:
		r.logger.Error("sync failed",
			"reason", reason,
			"phase", PhaseOf(err),
			"message", UserMessage(err),
			"error", err,
		)
	default:
		r.logger.Info("sync cycle done",
			"reason", reason,
			"pushed", report.Pushed,
			"failed", report.Failed,
			"last_sync_at", report.LastSyncAt,
		)
	}
	if r.onResult != nil {
		r.onResult(report, err)
	}
}
