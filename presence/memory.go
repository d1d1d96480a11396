package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process presence store used when no redis
// address is configured and in tests. Same TTL semantics as the redis
// store: a connection mark expires unless refreshed by a heartbeat.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu          sync.Mutex
	connections map[string]map[string]time.Time // userID -> connectionID -> mark expiry
	lastSeen    map[string]time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &MemoryStore{
		ttl:         ttl,
		now:         time.Now,
		connections: map[string]map[string]time.Time{},
		lastSeen:    map[string]time.Time{},
	}
}

func (s *MemoryStore) MarkOnline(_ context.Context, userID, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	conns, ok := s.connections[userID]
	if !ok {
		conns = map[string]time.Time{}
		s.connections[userID] = conns
	}
	conns[connectionID] = now.Add(s.ttl)
	s.lastSeen[userID] = now
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, userID, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conns, ok := s.connections[userID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(s.connections, userID)
		}
	}
	s.lastSeen[userID] = s.now()
	return nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveCountLocked(userID) > 0, nil
}

func (s *MemoryStore) GetLastSeen(_ context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lastSeen, ok := s.lastSeen[userID]
	return lastSeen, ok, nil
}

func (s *MemoryStore) GetOnlineUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := []string{}
	for userID := range s.connections {
		if s.liveCountLocked(userID) > 0 {
			users = append(users, userID)
		}
	}
	return users, nil
}

func (s *MemoryStore) GetConnectionCount(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveCountLocked(userID), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// liveCountLocked counts unexpired marks and evicts expired ones.
func (s *MemoryStore) liveCountLocked(userID string) int {
	now := s.now()
	conns := s.connections[userID]
	live := 0
	for connectionID, expiry := range conns {
		if expiry.After(now) {
			live++
		} else {
			delete(conns, connectionID)
		}
	}
	if len(conns) == 0 {
		delete(s.connections, userID)
	}
	return live
}
