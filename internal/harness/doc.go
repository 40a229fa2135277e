// Package harness runs multi-device sync scenarios against the real device,
// engine and authority code.
//
// A scenario seeds a mock authority from a CUE catalog, gives each listed
// user a device with its own in-memory store, and then plays a script of
// steps: offline mutations, syncs, authority outages and clock moves. Every
// step appends one event to a trace, and assertions check the final state.
//
// # Scenario Format
//
//	name: last_slot_race
//	description: "Two students redeem the last slot of a coupon offline"
//	catalog: ../catalog
//	devices: [s1, s2]
//	steps:
//	  - {device: s1, action: sync}
//	  - {action: offline}
//	  - {device: s1, action: redeem, code: LAST}
//	  - {action: online}
//	  - {device: s1, action: sync, expect: {pushed: 3}}
//	  - {device: s2, action: access, lesson: l-plants, expect: {outcome: denied}}
//	assertions:
//	  - {type: remote_redemptions, code: LAST, students: [s1]}
//	  - {type: converged, devices: [s1, s2]}
//
// Device actions are submit, redeem, pay, verify, message, read, access and
// sync. Authority and clock actions are offline, online, fail_next_pull and
// advance.
//
// # Assertion Types
//
//   - outbox_counts: queued, pushed and failed event counts on a device
//   - access: a device's local access decision for a lesson
//   - grants: number of active grants for a device user
//   - remote_redemptions: the authority's redemption list and rejections
//   - notification: an unread notification whose body contains some text
//   - converged: devices hold the same synced tables as the authority
//
// # Deterministic Testing
//
// The clock starts at testutil.Epoch and moves only on advance steps. Ids
// come from sequence generators keyed by device, so traces are identical
// across runs and can be compared with golden files (see RunWithGolden).
package harness
