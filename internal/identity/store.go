package identity

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Key is the single persisted key holding the user identifier
const Key = "userId"

// KV is the persistence backend for client state
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Store resolves the per-installation user identifier
type Store struct {
	kv       KV
	logger   *slog.Logger
	generate func() string

	mu     sync.Mutex
	userID string
}

// NewStore creates a store backed by kv
func NewStore(kv KV, logger *slog.Logger) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Store{kv: kv, logger: logger, generate: NewUserID}, nil
}

// NewUserID returns a fresh, time-ordered identifier
func NewUserID() string {
	return "user-" + ulid.Make().String()
}

// ResolveUserID returns the persisted identifier, creating and persisting
// one on first use. The result is memoised, so repeated calls in one
// process agree even if the backend is failing.
func (s *Store) ResolveUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userID != "" {
		return s.userID
	}

	id, ok, err := s.kv.Get(Key)
	if err != nil {
		s.logger.Warn("failed to read user id", "error", err)
	}
	if ok && id != "" {
		s.userID = id
		return id
	}

	id = s.generate()
	if err := s.kv.Set(Key, id); err != nil {
		s.logger.Warn("failed to persist user id", "error", err)
	} else {
		s.logger.Info("created user id", "user_id", id)
	}
	s.userID = id
	return id
}
