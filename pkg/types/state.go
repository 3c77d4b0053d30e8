package types

// ConnectionState is the lifecycle state of the engine's single logical
// connection to the collector.
type ConnectionState int

const (
	StateInitial ConnectionState = iota
	StateSetup
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
	// StateInvalidHost is entered when the configured endpoint fails
	// validation. No retry is attempted until the next Setup.
	StateInvalidHost
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateSetup:
		return "setup"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	case StateInvalidHost:
		return "invalid_host"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
