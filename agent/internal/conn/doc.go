// Package conn owns the collector connection and drives the engine's
// connection state machine.
//
//	Initial ─Setup→ Setup ─dial→ Connecting ─ready+registered→ Connected
//	Connecting/Connected ─health fail / stream error→ Failed ─backoff→ Connecting
//	any ─Close→ Disconnecting → Initial
//	Setup ─bad endpoint→ InvalidHost (no retry until the next Setup)
//
// Setup dials without blocking and starts two background tasks: the first
// establish attempt and a periodic health poll. establish waits for the
// transport to report READY, re-checks it after a settle delay, then runs
// the OnConnect callback (registration). Only then does the state become
// Connected, after which OnConnected activates streaming. An activation
// error fails the attempt the same way a registration error does. The
// health poll only acts while Connected; any other transport state is
// published and hands control to Retry.
//
// Retry runs at most one reconnect loop at a time. Each iteration waits the
// backoff delay for its attempt number. A connection that is Connected over
// a READY transport by then is left alone; otherwise the loop forces a
// reconnect and re-runs establish. A second Retry while one is in flight
// returns false and does not touch the attempt counter, but a failure
// reported during an attempt makes the loop go round again.
package conn
