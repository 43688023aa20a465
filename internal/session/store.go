package session

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
	ErrStoreFull     = errors.New("session store full")
)

// Store is the authoritative record of visitor sessions. It knows nothing
// about transports; the router cascades connection cleanup separately.
// All mutation is serialized through one mutex.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	timeout     time.Duration
	maxSessions int
	startedAt   time.Time

	createdToday  int
	endedToday    int
	messagesToday int

	now func() time.Time
}

func NewStore(timeout time.Duration, maxSessions int) *Store {
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &Store{
		sessions:    make(map[string]*Session),
		timeout:     timeout,
		maxSessions: maxSessions,
		startedAt:   time.Now().UTC(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a fresh session for id. It fails with ErrAlreadyExists when
// a live session for the same id is present; callers must End it first. When
// the configured session cap is reached, new sessions are rejected with
// ErrStoreFull.
func (s *Store) Create(id string, visitor VisitorInfo) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.sessions[id]; ok {
		if existing.Status == StatusActive && !isExpired(existing, now, s.timeout) {
			return nil, ErrAlreadyExists
		}
		delete(s.sessions, id)
	}
	if s.maxSessions > 0 && s.liveCountLocked(now) >= s.maxSessions {
		return nil, ErrStoreFull
	}

	sess := &Session{
		ID:             id,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
		Visitor:        visitor,
	}
	s.sessions[id] = sess
	s.createdToday++
	return clone(sess), nil
}

func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sess), nil
}

// Touch marks activity on the session. Unknown ids are reported, not fatal.
func (s *Store) Touch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.LastActivityAt = s.now()
	sess.Status = StatusActive
	return nil
}

func (s *Store) IncrementMessageCount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.MessageCount++
	s.messagesToday++
	return nil
}

// Validate reports whether id names a live session. Sessions found past the
// inactivity timeout are explicitly marked expired as part of the check, so
// a later sweep removes them even if no further call ever touches them.
func (s *Store) Validate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	if sess.Status != StatusActive {
		return false
	}
	if isExpired(sess, s.now(), s.timeout) {
		markExpired(sess)
		return false
	}
	return true
}

// End marks the session finished. Idempotent; ending an unknown id is a no-op.
func (s *Store) End(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.Status != StatusActive {
		return
	}
	sess.Status = StatusEnded
	s.endedToday++
}

// ListActive snapshots every live session. Sessions discovered past the
// timeout are marked expired and excluded, same test as Validate.
func (s *Store) ListActive() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Status != StatusActive {
			continue
		}
		if isExpired(sess, now, s.timeout) {
			markExpired(sess)
			continue
		}
		out = append(out, clone(sess))
	}
	return out
}

// SweepExpired removes every session that is no longer active or has been
// idle past the timeout, returning the removed ids so the caller can cascade
// connection cleanup.
func (s *Store) SweepExpired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed []string
	for id, sess := range s.sessions {
		if sess.Status == StatusActive && !isExpired(sess, now, s.timeout) {
			continue
		}
		delete(s.sessions, id)
		removed = append(removed, id)
	}
	return removed
}

func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveCountLocked(s.now())
}

// Duration reports how long the session has been (or was) running.
func (s *Store) Duration(id string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	if sess.Status == StatusActive {
		return s.now().Sub(sess.CreatedAt), nil
	}
	return sess.LastActivityAt.Sub(sess.CreatedAt), nil
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	return Stats{
		ActiveSessions: s.liveCountLocked(now),
		TotalSessions:  len(s.sessions),
		CreatedToday:   s.createdToday,
		EndedToday:     s.endedToday,
		MessagesToday:  s.messagesToday,
		StartedAt:      s.startedAt,
		Uptime:         now.Sub(s.startedAt),
	}
}

// RolloverDailyStats resets the per-day counters. Driven by the router's
// cron schedule at midnight.
func (s *Store) RolloverDailyStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createdToday = 0
	s.endedToday = 0
	s.messagesToday = 0
}

func (s *Store) liveCountLocked(now time.Time) int {
	count := 0
	for _, sess := range s.sessions {
		if sess.Status == StatusActive && !isExpired(sess, now, s.timeout) {
			count++
		}
	}
	return count
}

// isExpired is the pure timeout predicate: a session is expired strictly
// after the timeout elapses, so activity exactly at the boundary still
// counts as live.
func isExpired(s *Session, now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) > timeout
}

func markExpired(s *Session) {
	s.Status = StatusExpired
}

func clone(s *Session) *Session {
	c := *s
	if s.Visitor.Extra != nil {
		c.Visitor.Extra = make(map[string]string, len(s.Visitor.Extra))
		for k, v := range s.Visitor.Extra {
			c.Visitor.Extra[k] = v
		}
	}
	return &c
}
