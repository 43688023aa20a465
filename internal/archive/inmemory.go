package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// inMemoryPerSession caps how many records one session may hold; the
// oldest fall off first, so a long-running dev instance stays bounded
// like the rest of the bridge's state.
const inMemoryPerSession = 500

// InMemoryStore is the archive used when no DATABASE_URL is set.
type InMemoryStore struct {
	mu        sync.RWMutex
	bySession map[string][]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{bySession: make(map[string][]Record)}
}

func (s *InMemoryStore) SaveMessage(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append(s.bySession[rec.SessionID], rec)
	if overflow := len(recs) - inMemoryPerSession; overflow > 0 {
		recs = append(recs[:0], recs[overflow:]...)
	}
	s.bySession[rec.SessionID] = recs
	return nil
}

// RecentBySession returns up to limit of the newest records for a
// session, oldest first, matching the persistent store's ordering.
func (s *InMemoryStore) RecentBySession(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.bySession[sessionID]
	if len(recs) == 0 {
		return nil, nil
	}
	n := limit
	if n <= 0 || n > len(recs) {
		n = len(recs)
	}
	out := make([]Record, n)
	copy(out, recs[len(recs)-n:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
