// Package collectortest runs an in-process loggy collector for tests.
//
// Start(t, opts) listens on 127.0.0.1:0, serves LoggyService over the CBOR
// codec and registers cleanup with t. The Collector:
//
//   - answers GetOrInsertApplication / GetOrInsertDevice idempotently
//     (same key → same id)
//   - assigns session ids starting at Options.FirstSessionID
//   - fails the next n registrations with codes.Unavailable after
//     FailRegistration(n)
//   - records every streamed message and every RegisterSend session
//   - enforces the api_key header when Options.APIKey is set
//
// Stop and Restart simulate a collector outage on the same address.
package collectortest
