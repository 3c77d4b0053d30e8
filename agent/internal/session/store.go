package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loggysh/loggy-go/pkg/wire"
)

// Key is the KV key holding the session table.
const Key = "sessions"

// Unresolved is returned by RemoteID for a local id with no remote mapping.
const Unresolved int32 = 0

// KV is the durable store the table is kept in.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error
}

type table struct {
	Counter  int32           `cbor:"1,keyasint"`
	Sessions map[int32]int32 `cbor:"2,keyasint"`
}

// Store is the durable local→remote session table with an in-memory cache.
type Store struct {
	kv     KV
	logger *slog.Logger

	mu     sync.RWMutex
	loaded bool
	cache  map[int32]int32
}

// New returns a Store over kv. logger may be nil.
func New(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger, cache: make(map[int32]int32)}
}

// NewLocalID advances the persisted counter, records an unresolved entry
// for the new id and returns it.
func (s *Store) NewLocalID(ctx context.Context) (int32, error) {
	var id int32
	var snapshot map[int32]int32
	err := s.kv.Update(ctx, Key, func(old []byte) ([]byte, error) {
		t := s.decode(old)
		t.Counter++
		id = -t.Counter
		t.Sessions[id] = Unresolved
		snapshot = t.Sessions
		return wire.Marshal(t)
	})
	if err != nil {
		return 0, fmt.Errorf("session: new local id: %w", err)
	}
	s.replace(snapshot)
	s.logger.Debug("session: minted local id", "local", id)
	return id, nil
}

// Resolve records local → remote. Last writer wins; repeating a call is
// harmless.
func (s *Store) Resolve(ctx context.Context, local, remote int32) error {
	var snapshot map[int32]int32
	err := s.kv.Update(ctx, Key, func(old []byte) ([]byte, error) {
		t := s.decode(old)
		t.Sessions[local] = remote
		snapshot = t.Sessions
		return wire.Marshal(t)
	})
	if err != nil {
		return fmt.Errorf("session: resolve %d: %w", local, err)
	}
	s.replace(snapshot)
	s.logger.Debug("session: resolved", "local", local, "remote", remote)
	return nil
}

// RemoteID returns the remote id for local, or Unresolved. The durable
// table is read at most once per Store; later lookups are served from
// memory.
func (s *Store) RemoteID(ctx context.Context, local int32) int32 {
	s.mu.RLock()
	if s.loaded {
		id := s.cache[local]
		s.mu.RUnlock()
		return id
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		data, _, err := s.kv.Get(ctx, Key)
		if err != nil {
			s.logger.Warn("session: table read failed", "err", err)
			return Unresolved
		}
		for k, v := range s.decode(data).Sessions {
			if _, ok := s.cache[k]; !ok {
				s.cache[k] = v
			}
		}
		s.loaded = true
	}
	return s.cache[local]
}

// IsLocal reports whether id is in the local id space.
func IsLocal(id int32) bool { return id < 0 }

func (s *Store) decode(data []byte) *table {
	t := &table{}
	if len(data) > 0 {
		if err := wire.Unmarshal(data, t); err != nil {
			s.logger.Warn("session: corrupt table, starting empty", "err", err)
			t = &table{}
		}
	}
	if t.Sessions == nil {
		t.Sessions = make(map[int32]int32)
	}
	return t
}

func (s *Store) replace(sessions map[int32]int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[int32]int32, len(sessions))
	for k, v := range sessions {
		s.cache[k] = v
	}
	s.loaded = true
}
