package types

import "time"

// Timestamp is a point in time split into whole seconds and nanoseconds,
// matching the collector's timestamp representation.
type Timestamp struct {
	Seconds int64 `cbor:"1,keyasint" json:"seconds"`
	Nanos   int32 `cbor:"2,keyasint" json:"nanos"`
}

// TimestampOf converts t to a UTC Timestamp.
func TimestampOf(t time.Time) Timestamp {
	t = t.UTC()
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts ts back to a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// Message is one log event. A Message is a value: the only field that
// changes after construction is SessionID, rewritten from the local to the
// remote session id on a copy just before transmission.
type Message struct {
	Level     Level     `cbor:"1,keyasint" json:"level"`
	Text      string    `cbor:"2,keyasint" json:"text"`
	SessionID int32     `cbor:"3,keyasint" json:"session_id"`
	Timestamp Timestamp `cbor:"4,keyasint" json:"timestamp"`
}

// NewMessage builds a Message stamped with at.
func NewMessage(level Level, text string, sessionID int32, at time.Time) Message {
	return Message{
		Level:     level,
		Text:      text,
		SessionID: sessionID,
		Timestamp: TimestampOf(at),
	}
}

// WithSessionID returns a copy of m tagged with id.
func (m Message) WithSessionID(id int32) Message {
	m.SessionID = id
	return m
}
