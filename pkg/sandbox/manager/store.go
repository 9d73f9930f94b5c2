package manager

// The warm pool, the occupied-port set, and the session mapping are the
// only shared mutable state in the system. With a single worker the
// in-memory store is enough; with multiple workers the redis store keeps
// port allocation and pool membership globally consistent.

import (
	"context"
	"sync"

	"github.com/curaious/runbox/pkg/sandbox"
)

// PoolEntry is the serializable snapshot of an idle pooled sandbox.
type PoolEntry struct {
	SandboxID string                  `json:"sandbox_id"`
	Type      sandbox.Type            `json:"sandbox_type"`
	Handle    sandbox.ContainerHandle `json:"handle"`
	Port      int                     `json:"port"`
	Endpoint  sandbox.Endpoint        `json:"endpoint"`
	Volumes   []sandbox.VolumeBinding `json:"volumes,omitempty"`
}

// Store is the coordination backend for pool membership, port claims,
// and session bookkeeping. Implementations must make each operation
// atomic; callers never wrap them in their own locks across processes.
type Store interface {
	// ClaimPort atomically claims a host port. Returns false when the
	// port is already held.
	ClaimPort(ctx context.Context, port int) (bool, error)
	ReleasePort(ctx context.Context, port int) error

	// PushIdle returns an idle sandbox to the pool for its type, unless
	// the pool already holds max entries; returns false when full.
	PushIdle(ctx context.Context, typ sandbox.Type, entry PoolEntry, max int) (bool, error)
	// PopIdle removes and returns one idle entry, if any.
	PopIdle(ctx context.Context, typ sandbox.Type) (*PoolEntry, bool, error)
	// IdleCount reports the pool size for a type.
	IdleCount(ctx context.Context, typ sandbox.Type) (int, error)

	// Session bookkeeping: which sandbox ids a session key holds.
	SetSession(ctx context.Context, key string, ids []string) error
	GetSession(ctx context.Context, key string) ([]string, error)
	DeleteSession(ctx context.Context, key string) error
	ListSessions(ctx context.Context) ([]string, error)
}

// memoryStore is the single-worker coordination store.
type memoryStore struct {
	mu       sync.Mutex
	ports    map[int]bool
	pools    map[sandbox.Type][]PoolEntry
	sessions map[string][]string
}

// NewMemoryStore returns an in-process Store for single-worker
// deployments.
func NewMemoryStore() Store {
	return &memoryStore{
		ports:    make(map[int]bool),
		pools:    make(map[sandbox.Type][]PoolEntry),
		sessions: make(map[string][]string),
	}
}

func (s *memoryStore) ClaimPort(_ context.Context, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ports[port] {
		return false, nil
	}
	s.ports[port] = true
	return true, nil
}

func (s *memoryStore) ReleasePort(_ context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, port)
	return nil
}

func (s *memoryStore) PushIdle(_ context.Context, typ sandbox.Type, entry PoolEntry, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pools[typ]) >= max {
		return false, nil
	}
	s.pools[typ] = append(s.pools[typ], entry)
	return true, nil
}

func (s *memoryStore) PopIdle(_ context.Context, typ sandbox.Type) (*PoolEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := s.pools[typ]
	if len(pool) == 0 {
		return nil, false, nil
	}
	entry := pool[0]
	s.pools[typ] = pool[1:]
	return &entry, true, nil
}

func (s *memoryStore) IdleCount(_ context.Context, typ sandbox.Type) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pools[typ]), nil
}

func (s *memoryStore) SetSession(_ context.Context, key string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = append([]string(nil), ids...)
	return nil
}

func (s *memoryStore) GetSession(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), ids...), nil
}

func (s *memoryStore) DeleteSession(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *memoryStore) ListSessions(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	return keys, nil
}
