// Package registry tracks the live outbound transport handle for each
// visitor session and enforces at-most-one-handle-per-session.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/chatbridge/internal/message"
	"github.com/antoniostano/chatbridge/internal/session"
)

var (
	ErrNotFound  = errors.New("connection not found")
	ErrTransport = errors.New("transport send failed")
)

// Conn is the outbound half of a visitor transport.
type Conn interface {
	Send(m message.Message) error
	Close() error
}

type entry struct {
	conn           Conn
	generation     uint64
	connectedAt    time.Time
	lastActivityAt time.Time
	visitor        session.VisitorInfo
}

// Registry owns the session-id → connection map. Handles are never handed
// out; every delivery goes through SendTo or Broadcast so that removal on
// failure stays in one place.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*entry
	nextGen uint64

	// onEnd is invoked (outside the lock) whenever a transport failure
	// evicts a connection, so the session store can be told the session
	// is over.
	onEnd func(sessionID string)
}

func New() *Registry {
	return &Registry{conns: make(map[string]*entry)}
}

// SetEndHook installs the cascading-cleanup callback fired after a
// transport failure removes a connection.
func (r *Registry) SetEndHook(hook func(sessionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEnd = hook
}

// Register installs conn as the one live handle for id and returns a
// generation token. A previously registered handle is superseded: it is
// closed asynchronously, best effort, and its generation token goes stale
// so in-flight reads from it can be dropped.
func (r *Registry) Register(id string, conn Conn, visitor session.VisitorInfo) uint64 {
	r.mu.Lock()
	old := r.conns[id]
	r.nextGen++
	gen := r.nextGen
	now := time.Now().UTC()
	r.conns[id] = &entry{
		conn:           conn,
		generation:     gen,
		connectedAt:    now,
		lastActivityAt: now,
		visitor:        visitor,
	}
	r.mu.Unlock()

	if old != nil {
		go func() { _ = old.conn.Close() }()
	}
	return gen
}

// IsCurrent reports whether gen still names the live handle for id. Read
// pumps check this before dispatching, so messages from a superseded
// handle are dropped instead of merged into the session.
func (r *Registry) IsCurrent(id string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	return ok && e.generation == gen
}

// Touch records transport activity for id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		e.lastActivityAt = time.Now().UTC()
	}
}

// SendTo delivers m to the connection registered for id. A failed send
// removes the connection and fires the end hook; the registry never
// retries.
func (r *Registry) SendTo(id string, m message.Message) error {
	r.mu.Lock()
	e, ok := r.conns[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := e.conn.Send(m); err != nil {
		r.evict(id, e.generation)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	r.Touch(id)
	return nil
}

// Broadcast delivers m to every registered connection except excludeID.
// It iterates over a snapshot taken before any send, and only removes
// failed connections after every attempt has settled, so registry
// mutation and iteration never interleave within one pass. Returns the
// delivered count and the ids that failed.
func (r *Registry) Broadcast(m message.Message, excludeID string) (int, []string) {
	r.mu.Lock()
	type target struct {
		id   string
		conn Conn
		gen  uint64
	}
	targets := make([]target, 0, len(r.conns))
	for id, e := range r.conns {
		if id == excludeID {
			continue
		}
		targets = append(targets, target{id: id, conn: e.conn, gen: e.generation})
	}
	r.mu.Unlock()

	var failed []string
	failedGens := make(map[string]uint64)
	for _, t := range targets {
		if err := t.conn.Send(m); err != nil {
			failed = append(failed, t.id)
			failedGens[t.id] = t.gen
		}
	}

	for _, id := range failed {
		r.evict(id, failedGens[id])
	}

	return len(targets) - len(failed), failed
}

// Remove closes and discards the connection for id. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()
	if ok {
		_ = e.conn.Close()
	}
}

// evict drops the connection for id only if gen still matches, so a
// failure observed on a superseded handle cannot tear down its
// replacement. Fires the end hook on actual removal.
func (r *Registry) evict(id string, gen uint64) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok || e.generation != gen {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	hook := r.onEnd
	r.mu.Unlock()

	_ = e.conn.Close()
	if hook != nil {
		hook(id)
	}
}

type Stats struct {
	Count               int       `json:"count"`
	IDs                 []string  `json:"ids"`
	EarliestConnectedAt time.Time `json:"earliest_connected_at,omitzero"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Count: len(r.conns), IDs: make([]string, 0, len(r.conns))}
	for id, e := range r.conns {
		st.IDs = append(st.IDs, id)
		if st.EarliestConnectedAt.IsZero() || e.connectedAt.Before(st.EarliestConnectedAt) {
			st.EarliestConnectedAt = e.connectedAt
		}
	}
	return st
}
