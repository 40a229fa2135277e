// Package outbox is the device's queue of sync intents.
//
// Every local mutation that other devices must see appends exactly one
// Event in the same store transaction as the entity write. Events are never
// deleted: a push moves them to pushed, a per-event rejection to failed
// (with LastError), and failed events ride along with the next push.
//
// Duplicate events are harmless. The remote side applies each event id at
// most once.
package outbox
