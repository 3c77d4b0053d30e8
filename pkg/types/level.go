package types

import (
	"fmt"
	"strings"
)

// Level is the severity of a Message.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelCrash marks a message synthesized from an intercepted panic.
	LevelCrash
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrash:
		return "CRASH"
	default:
		return fmt.Sprintf("LEVEL(%d)", int32(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= LevelDebug && l <= LevelCrash
}

// ParseLevel converts a case-insensitive level name to a Level.
// "warning" and "verbose"/"trace" are accepted as aliases.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "verbose", "trace":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "crash", "fatal":
		return LevelCrash, nil
	default:
		return LevelInfo, fmt.Errorf("types: unknown level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler so levels render by name in
// JSON responses.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
