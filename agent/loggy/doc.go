// Package loggy is the embeddable telemetry shipping engine.
//
// An Engine owns the offline queue, the session table, the connection to a
// loggy collector and the outbound message stream. Hosts create one with
// New, call Setup with an endpoint and api key, and then Log from any
// goroutine. Log never blocks on the network: while the collector is
// unreachable messages are written to a durable SQLite queue under
// Options.DataDir and shipped in order once a session is registered.
//
// Messages logged before the collector has assigned a session id are tagged
// with a local (negative) id and rewritten to the remote id on the way out.
package loggy
