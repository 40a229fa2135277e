package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/learnsync/internal/domain"
	"github.com/roach88/learnsync/internal/engine"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push, pull and merge cycle",
		Long: `Push every queued or failed outbox event to the authority, pull what
changed since the last successful sync and merge it into the device store.

Events the authority refuses are marked failed with its reason and are sent
again on the next sync. A sync that fails part way keeps its progress:
events already pushed stay pushed, and the next sync pulls from the same
point.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl := engine.NewController(a.engine)
			if counts, err := a.queue.Counts(cmd.Context()); err == nil {
				f.VerboseLog("push: %d queued, %d failed events to send as %s",
					counts.Queued, counts.Failed, rootOpts.Config.DeviceUser)
			}
			report, err := ctrl.SyncNow(cmd.Context(), a.syncContext())
			if err != nil {
				f.VerboseLog("sync stopped in %s phase: %v", engine.PhaseOf(err), err)
				if outErr := f.Error(ErrCodeSyncFailed, engine.UserMessage(err), map[string]string{
					"phase": string(engine.PhaseOf(err)),
					"cause": err.Error(),
				}); outErr != nil {
					return outErr
				}
				return WrapExitError(ExitFailure, engine.UserMessage(err), err)
			}
			f.VerboseLog("push: %d accepted, %d rejected", report.Pushed, report.Failed)
			f.VerboseLog("pull: merged %d entity types, last sync %s", len(report.Merged), report.LastSyncAt.Format(time.RFC3339))
			return f.Result(report, formatReport(report))
		},
	}
}

func formatReport(r engine.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pushed %s, %d rejected", plural(r.Pushed, "event"), r.Failed)

	ids := make([]string, 0, len(r.Rejected))
	for id := range r.Rejected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "\n  rejected %s: %s", id, r.Rejected[id])
	}

	total := 0
	for _, n := range r.Merged {
		total += n
	}
	fmt.Fprintf(&b, "\nMerged %s", plural(total, "record"))
	for _, e := range domain.SyncedEntities {
		if n := r.Merged[e]; n > 0 {
			fmt.Fprintf(&b, "\n  %-20s %d", e, n)
		}
	}
	fmt.Fprintf(&b, "\nLast sync: %s", r.LastSyncAt.Format(time.RFC3339))
	for _, n := range r.Notifications {
		fmt.Fprintf(&b, "\n! %s: %s", n.Title, n.Body)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status and outbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := engine.NewController(a.engine).Status(cmd.Context())
			if err != nil {
				return fail(f, err)
			}
			last := "never"
			if snap.LastSyncAt != nil {
				last = snap.LastSyncAt.Format(time.RFC3339)
			}
			text := fmt.Sprintf("Last sync: %s\nQueued: %d\nFailed: %d", last, snap.QueuedCount, snap.FailedCount)
			return f.Result(snap, text)
		},
	}
}

// NewOutboxCommand creates the outbox command.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	var pendingOnly bool

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List outbox events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			a, err := openApp(cmd, rootOpts, false)
			if err != nil {
				return err
			}
			defer a.Close()

			list := a.queue.All
			if pendingOnly {
				list = a.queue.Pending
			}
			events, err := list(cmd.Context())
			if err != nil {
				return fail(f, err)
			}

			var b strings.Builder
			if len(events) == 0 {
				b.WriteString("Outbox is empty")
			}
			for i, ev := range events {
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%4d  %-7s %-22s %s", ev.Seq, ev.SyncStatus, ev.Type, ev.ID)
				if ev.LastError != "" {
					fmt.Fprintf(&b, "  (%s)", ev.LastError)
				}
			}
			return f.Result(events, b.String())
		},
	}

	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only events the next sync will send")
	return cmd
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync on a timer until interrupted",
		Long: `Run a sync cycle immediately and then every --interval (default from
sync.interval), logging each result, until Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = rootOpts.Config.SyncInterval
			}
			a, err := openApp(cmd, rootOpts, true)
			if err != nil {
				return err
			}
			defer a.Close()

			parentCtx := cmd.Context()
			if parentCtx == nil {
				parentCtx = context.Background()
			}
			ctx, cancel := context.WithCancel(parentCtx)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)

			go func() {
				select {
				case sig := <-sigChan:
					rootOpts.Logger.Info("received signal, shutting down", "signal", sig)
					cancel()
				case <-ctx.Done():
				}
			}()

			runner := engine.NewRunner(engine.NewController(a.engine), a.syncContext(), interval,
				engine.WithRunnerLogger(rootOpts.Logger.With("component", "runner")))
			runner.Trigger()

			fmt.Fprintf(cmd.OutOrStdout(), "Syncing every %s. Press Ctrl-C to stop.\n", interval)
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return WrapExitError(ExitFailure, "sync runner error", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between cycles; 0 syncs only once at start")
	return cmd
}
