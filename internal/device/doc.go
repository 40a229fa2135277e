// Package device holds the mutators a client runs against its own store.
//
// Every mutation that other devices must eventually see is one store
// transaction that writes the entity rows and enqueues the matching outbox
// event(s). If any write fails, none of them happened. Reads (access checks,
// coupon validation) touch only the local copy and never the network.
//
// A Device is bound to one signed-in user. Admin operations check that
// user's role in the local users table.
package device
