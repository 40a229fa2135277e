// Package engine runs sync cycles between a device store and a
// protocol.Adapter.
//
// One cycle is push, pull, merge, finalize:
//
//  1. Push: snapshot every queued or failed outbox event (in seq order) and
//     send them. Per-event rejections mark those events failed; the rest
//     become pushed. A transport error aborts the cycle with statuses
//     untouched.
//  2. Pull: ask for changes since the stored cursor.
//  3. Merge: blind upsert of every pulled row, all tables in one store
//     transaction. Entity types absent from the bundle are untouched.
//  4. Finalize: the bundle's ServerTime becomes the new cursor.
//
// The cursor advances only when all four steps succeed. Push progress is
// kept even when a later step fails.
//
// # Merge Rule
//
// The authority's row replaces the local row wholesale. Concurrent offline
// edits to the same record from two devices keep only the version the
// authority holds; there is no field-level merge.
//
// # Concurrency
//
// Engine holds no lock across calls. Controller gates re-entry with a
// status flag and returns ErrBusy while a cycle is in flight. Runner drives
// the controller from a ticker and from coalesced Trigger calls.
//
// Local mutations may interleave with a running cycle. Events enqueued
// after the push snapshot wait for the next cycle.
package engine
