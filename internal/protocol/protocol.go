// Package protocol defines the boundary between a device and the remote
// authority: the Adapter contract and the shapes that cross it.
//
// Any Adapter must satisfy:
//   - PushEvents is idempotent per event id. Callers pass every queued and
//     failed event on each cycle, so re-sent ids must not repeat side effects.
//   - PullChanges(since) returns every record changed at or after since on
//     the server clock, or a full snapshot when since is nil.
//   - PullBundle.ServerTime is the server's "now" and becomes the next
//     since cursor. The device clock is never used as a cursor.
package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/learnsync/internal/outbox"
)

// ErrOffline is returned by an adapter that cannot reach the authority.
var ErrOffline = errors.New("offline")

// Adapter abstracts the remote authority.
type Adapter interface {
	PushEvents(ctx context.Context, events []outbox.Event) (PushResult, error)
	PullChanges(ctx context.Context, since *time.Time) (PullBundle, error)
}

// PushResult acknowledges a push. Events named in ErrorsByEventID were
// rejected with the given user-facing message; every other submitted event
// was accepted.
type PushResult struct {
	OK              bool              `json:"ok"`
	PushedCount     int               `json:"pushedCount"`
	ErrorsByEventID map[string]string `json:"errorsByEventId,omitempty"`
}
