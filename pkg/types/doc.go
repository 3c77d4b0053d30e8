// Package types defines the shared Go types used by the engine, the wire
// layer, and host applications: log levels, the Message record, and the
// ConnectionState reported on the status feed.
//
// These are the canonical in-memory representations. The CBOR struct tags
// double as the wire and on-disk layout (see package wire), so field keys
// must never be renumbered.
package types
