// Package shipper streams log messages to the collector over a single
// client-streaming Send RPC.
//
// Streamer.Send is non-blocking. A message goes straight into the bounded
// in-memory channel (default capacity 10) only when a stream is active, the
// connection is Connected and the offline queue is empty; otherwise, or when
// the channel is full, it is appended to the durable queue. Routing anything
// behind a non-empty backlog keeps delivery in call order.
//
// Each successful enqueue kicks the drain loop, which moves the backlog into
// the channel one record at a time, removing a record only after it was
// handed off. Undecodable records are logged, counted and discarded.
//
// The sender rewrites each message's session id right before the wire:
// remote ids (> 0) pass through, 0 ("logged before any setup") and
// unresolved ids from earlier setups adopt the active session, and resolved
// local ids map through the session store. A message that cannot be given a
// remote id is never sent: it goes back to the head of the queue and the
// stream is torn down for the connection manager to rebuild.
//
// When a send fails, the failed message and everything still in the channel
// are pushed back to the head of the queue before the failure is reported.
package shipper
