package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/learnsync/internal/protocol"
)

// Phase names the step of a sync cycle that failed.
type Phase string

const (
	PhasePush  Phase = "push"
	PhasePull  Phase = "pull"
	PhaseMerge Phase = "merge"
	PhaseMeta  Phase = "meta"
)

// User-facing status messages.
const (
	MessageOffline = "You are offline"
	MessageFailed  = "Sync failed"
)

// ErrBusy is returned by Controller.SyncNow while another cycle runs.
var ErrBusy = errors.New("sync already in progress")

// SyncError is the single error a failed cycle returns.
type SyncError struct {
	Phase Phase
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed during %s: %v", e.Phase, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsOffline reports whether err comes from an unreachable authority.
func IsOffline(err error) bool {
	return errors.Is(err, protocol.ErrOffline)
}

// PhaseOf returns the failed phase of a SyncError, or "" for other errors.
// Uses errors.As to handle wrapped errors.
func PhaseOf(err error) Phase {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Phase
	}
	return ""
}

// UserMessage maps a cycle error to the one message shown to a user.
// Transport and store details stay in the logs.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if IsOffline(err) {
		return MessageOffline
	}
	return MessageFailed
}
