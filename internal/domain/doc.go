// Package domain defines the entity records shared by the device store and
// the remote authority.
//
// Records are plain structs whose JSON shape is both the storage shape and
// the wire shape. Every record is addressed by Key(): the record ID for most
// types, the canonical code for coupons and the setting key for app settings.
//
// Deletion is data: a record with DeletedAt set is a tombstone and travels
// through push and pull like any other upsert.
package domain
