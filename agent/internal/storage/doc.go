// Package storage is the agent's durable state: a small SQLite database
// (WAL mode, zombiezen.com/go/sqlite) holding two tables.
//
//   - kv: key to blob records ("settings", "sessions"). Update runs the
//     caller's read-modify-write inside an IMMEDIATE transaction so
//     concurrent writers are linearized.
//   - queue: the offline message queue. Strict FIFO by an AUTOINCREMENT
//     sequence; records are opaque bytes. PushFront reinserts records ahead
//     of the current head, in order, for messages that were taken from the
//     queue but never reached the wire.
//
// Queue appends never surface errors to the caller; a failed append is
// logged and the record is lost. Reads that fail are returned so the
// consumer can decide whether to stop draining.
package storage
