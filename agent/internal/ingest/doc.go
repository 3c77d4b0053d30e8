// Package ingest is the local HTTP surface of loggy-agent.
//
// New(sink, logger) returns an http.Handler that serves:
//
//	POST /api/v1/logs    one log entry as JSON; 202 once handed to the engine
//	GET  /api/v1/status  connection state, pending count and counters
//	GET  /ws/status      websocket; pushes every connection state change
//	GET  /metrics        engine counters in Prometheus text format
//	GET  /health         liveness check
//
// Posting a log never waits on the collector: the entry is queued durably
// when the engine is offline.
package ingest
