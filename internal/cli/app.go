package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/learnsync/internal/authority"
	"github.com/roach88/learnsync/internal/clock"
	"github.com/roach88/learnsync/internal/device"
	"github.com/roach88/learnsync/internal/engine"
	"github.com/roach88/learnsync/internal/ids"
	"github.com/roach88/learnsync/internal/outbox"
	"github.com/roach88/learnsync/internal/store"
	"github.com/roach88/learnsync/internal/syncmeta"
)

// Error codes reported in CLI error responses.
const (
	ErrCodeGeneric        = "E001" // Generic/unknown error
	ErrCodeNotFound       = "E005" // Record not found
	ErrCodeNoUser         = "E301" // No signed-in user configured
	ErrCodeRefused        = "E302" // Domain rule refused the operation
	ErrCodeForbidden      = "E303" // User lacks the role for the operation
	ErrCodeInvalid        = "E304" // Malformed input
	ErrCodeSyncFailed     = "E310" // Sync cycle failed
	ErrCodeScenarioFailed = "E401" // One or more scenarios failed
)

// app is one process's view of a device and the authority it syncs with.
// The authority is a second SQLite file opened in-process.
type app struct {
	opts   *RootOptions
	local  *store.Store
	remote *store.Store

	authority *authority.Authority
	queue     *outbox.Queue
	device    *device.Device
	engine    *engine.Engine
	meta      *syncmeta.FileStore
}

// openApp opens both stores and wires every component. The device user is
// required unless needUser is false.
func openApp(cmd *cobra.Command, opts *RootOptions, needUser bool) (*app, error) {
	ctx := cmd.Context()
	f := opts.formatter(cmd)
	cfg := opts.Config
	if needUser && cfg.DeviceUser == "" {
		msg := "no user: pass --user or set LEARNSYNC_DEVICE_USER"
		if err := f.Error(ErrCodeNoUser, msg, nil); err != nil {
			return nil, err
		}
		return nil, NewExitError(ExitCommandError, msg)
	}
	f.VerboseLog("device db: %s", cfg.DeviceDB)
	f.VerboseLog("authority db: %s", cfg.RemoteDB)
	f.VerboseLog("sync meta: %s", cfg.DeviceMeta)

	a := &app{opts: opts, meta: syncmeta.NewFileStore(cfg.DeviceMeta)}
	var err error
	if a.local, err = store.Open(cfg.DeviceDB); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open device database", err)
	}
	if a.remote, err = store.Open(cfg.RemoteDB); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open authority database", err)
	}

	a.authority, err = authority.New(ctx, a.remote, clock.System{}, authority.WithLogger(opts.Logger.With("component", "authority")))
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start authority", err)
	}

	a.queue = outbox.NewQueue(a.local, clock.System{}, ids.UUIDv7Generator{})
	a.device = device.New(a.local, a.queue, cfg.DeviceUser, device.WithLogger(opts.Logger.With("component", "device")))
	a.engine = engine.New(a.local, a.queue, a.authority, a.meta, engine.WithLogger(opts.Logger.With("component", "engine")))
	return a, nil
}

func (a *app) Close() {
	for _, s := range []*store.Store{a.local, a.remote} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			a.opts.Logger.Error("error closing database", "error", err)
		}
	}
}

func (a *app) syncContext() engine.SyncContext {
	return engine.SyncContext{CurrentUserID: a.opts.Config.DeviceUser}
}

// fail reports err through f and returns the matching ExitError.
func fail(f *OutputFormatter, err error) error {
	code, exit := ErrCodeGeneric, ExitFailure
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = ErrCodeNotFound
	case errors.Is(err, device.ErrNotAdmin), errors.Is(err, device.ErrNotOwner):
		code = ErrCodeForbidden
	case errors.Is(err, device.ErrInvalid):
		code, exit = ErrCodeInvalid, ExitCommandError
	}
	if outErr := f.Error(code, err.Error(), nil); outErr != nil {
		return outErr
	}
	return WrapExitError(exit, "command failed", err)
}

// refused reports a domain refusal, such as an invalid coupon.
func refused(f *OutputFormatter, reason string, details interface{}) error {
	if err := f.Error(ErrCodeRefused, reason, details); err != nil {
		return err
	}
	return NewExitError(ExitFailure, reason)
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
