// Package transport opens the gRPC connection to the collector.
//
// ParseEndpoint accepts "host:port", "http://host[:port]" or
// "https://host[:port]". The scheme selects plaintext or TLS; a missing port
// defaults to 80 or 443. An empty or unparseable endpoint returns
// ErrInvalidEndpoint, which the connection manager reports as the
// invalid_host state.
//
// Dial never blocks on the network: the returned connection starts idle and
// its readiness is observed by the caller. Every RPC on it carries the
// api_key and client headers, and uses the CBOR codec (and zstd compression
// unless disabled).
//
// CheckCert inspects the collector's TLS leaf certificate and classifies it
// as valid, expiring (within 30 days), expired or unreachable.
package transport
