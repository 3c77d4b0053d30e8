// Package settings persists the engine's "settings" record: the remote
// application and device ids, the install id, the api key and the optional
// user identity. The record is CBOR in the durable KV; an undecodable record
// reads as the zero Settings.
package settings

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loggysh/loggy-go/pkg/wire"
)

// Key is the KV key holding the record.
const Key = "settings"

// Settings is the persisted record.
type Settings struct {
	AppID     string `cbor:"1,keyasint,omitempty"`
	DeviceID  string `cbor:"2,keyasint,omitempty"`
	InstallID string `cbor:"3,keyasint,omitempty"`
	APIKey    string `cbor:"4,keyasint,omitempty"`
	UserID    string `cbor:"5,keyasint,omitempty"`
	Email     string `cbor:"6,keyasint,omitempty"`
	UserName  string `cbor:"7,keyasint,omitempty"`
}

// KV is the durable store the record is kept in.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error
}

// Store reads and writes the settings record.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// New returns a Store over kv. logger may be nil.
func New(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger}
}

// Load returns the current record. A missing or corrupt record yields the
// zero value; only a storage failure is returned as an error.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	data, _, err := s.kv.Get(ctx, Key)
	if err != nil {
		return Settings{}, fmt.Errorf("settings: load: %w", err)
	}
	return s.decode(data), nil
}

// Update applies fn to the current record and writes the result atomically.
func (s *Store) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	var out Settings
	err := s.kv.Update(ctx, Key, func(old []byte) ([]byte, error) {
		out = s.decode(old)
		fn(&out)
		return wire.Marshal(out)
	})
	if err != nil {
		return Settings{}, fmt.Errorf("settings: update: %w", err)
	}
	return out, nil
}

// SetIdentity merges the non-nil arguments into the record. An empty
// string clears the field.
func (s *Store) SetIdentity(ctx context.Context, userID, email, userName *string) error {
	_, err := s.Update(ctx, func(st *Settings) {
		if userID != nil {
			st.UserID = *userID
		}
		if email != nil {
			st.Email = *email
		}
		if userName != nil {
			st.UserName = *userName
		}
	})
	return err
}

// InstallID returns the persisted install id, generating and storing one
// with gen on first use.
func (s *Store) InstallID(ctx context.Context, gen func() string) (string, error) {
	st, err := s.Update(ctx, func(st *Settings) {
		if st.InstallID == "" {
			st.InstallID = gen()
		}
	})
	if err != nil {
		return "", err
	}
	return st.InstallID, nil
}

func (s *Store) decode(data []byte) Settings {
	var st Settings
	if len(data) == 0 {
		return st
	}
	if err := wire.Unmarshal(data, &st); err != nil {
		s.logger.Warn("settings: corrupt record, using defaults", "err", err)
		return Settings{}
	}
	return st
}
