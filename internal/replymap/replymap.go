// Package replymap associates admin-channel outbound message ids with the
// visitor session (or broadcast) each one was about, so a reply threaded
// onto a prior outbound message can be routed back.
package replymap

import (
	"errors"
	"sync"
	"time"

	"github.com/antoniostano/chatbridge/internal/message"
)

var (
	ErrNotFound     = errors.New("reply thread not found")
	ErrDuplicateKey = errors.New("duplicate outbound message id")
)

type entry struct {
	target     message.Target
	recordedAt time.Time
}

// Map keeps the outbound-id → target association with bounded retention:
// entries expire after ttl, and when the map reaches cap the oldest entry
// is evicted to make room. Admin-channel ids are never reclaimed by the
// channel itself, so without the bound this map grows forever.
type Map struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string
	ttl     time.Duration
	cap     int

	now func() time.Time
}

func New(ttl time.Duration, capacity int) *Map {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &Map{
		entries: make(map[string]entry),
		ttl:     ttl,
		cap:     capacity,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record inserts the association. Keys are written exactly once; a
// collision means the admin channel violated its id-uniqueness contract
// and is reported as ErrDuplicateKey.
func (m *Map) Record(outboundID string, target message.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[outboundID]; ok {
		return ErrDuplicateKey
	}
	if len(m.entries) >= m.cap {
		m.evictOldestLocked()
	}
	m.entries[outboundID] = entry{target: target, recordedAt: m.now()}
	m.order = append(m.order, outboundID)
	return nil
}

// Resolve looks up the target recorded for outboundID. ErrNotFound is a
// normal outcome: admins reply to unrelated messages all the time.
func (m *Map) Resolve(outboundID string) (message.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[outboundID]
	if !ok {
		return message.Target{}, ErrNotFound
	}
	if m.now().Sub(e.recordedAt) > m.ttl {
		delete(m.entries, outboundID)
		return message.Target{}, ErrNotFound
	}
	return e.target, nil
}

// Sweep drops every entry past the ttl, returning how many were removed.
func (m *Map) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if now.Sub(e.recordedAt) > m.ttl {
			delete(m.entries, id)
			removed++
		}
	}
	m.compactOrderLocked()
	return removed
}

func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictOldestLocked removes the oldest still-present entry. The order
// slice may hold ids already deleted by Resolve or Sweep; those are
// skipped and dropped.
func (m *Map) evictOldestLocked() {
	for len(m.order) > 0 {
		id := m.order[0]
		m.order = m.order[1:]
		if _, ok := m.entries[id]; ok {
			delete(m.entries, id)
			return
		}
	}
}

// compactOrderLocked rebuilds the insertion-order slice without ids that
// no longer exist, keeping its length proportional to the live map.
func (m *Map) compactOrderLocked() {
	if len(m.order) <= len(m.entries) {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
}
