// Package session maps local session ids to collector-assigned ones.
//
// A local id is minted on every Setup, before the network is involved, so
// messages logged during the handshake can already be tagged. Local ids are
// negative and strictly decreasing (-1, -2, …); remote ids are positive, so
// the two spaces never collide and a message whose id is already positive
// needs no rewriting. 0 is the "unresolved" sentinel.
//
// The whole table lives in one CBOR record under the "sessions" key and is
// rewritten with an atomic read-modify-write, which linearizes concurrent
// Setup and Resolve calls. An undecodable record is logged and replaced by
// an empty table.
package session
