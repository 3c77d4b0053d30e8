// Package wire defines the LoggyService gRPC contract spoken between the
// engine and the collector, and the encodings it travels in.
//
// Messages are plain Go structs encoded with CBOR (RFC 8949, Core
// Deterministic Encoding) through a gRPC codec registered under the
// content-subtype "cbor". Calls are made with
// grpc.CallContentSubtype(CodecName), so the wire content type is
// "application/grpc+cbor". An optional "zstd" compressor is registered
// alongside it.
//
// Service loggy.v1.LoggyService:
//   - GetOrInsertApplication(Application) → Application
//   - GetOrInsertDevice(Device) → Device
//   - InsertSession(Session) → SessionID
//   - RegisterSend(SessionID) → Ack
//   - Send(stream types.Message) → Ack   (client streaming)
//
// The same codec is used for persisted records (queue entries, settings,
// session table) through Marshal and Unmarshal.
package wire
