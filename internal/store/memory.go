package store

import (
	"context"
	"sync"
	"time"

	"helpdesk-backend/internal/dialog"
)

type memoryEntry struct {
	session   *dialog.Session
	version   int64
	updatedAt time.Time
}

// MemoryStore keeps sessions in process. Sessions idle for longer than the
// TTL are treated as absent and dropped on access.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	ttl      time.Duration
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*dialog.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if m.expiredLocked(e) {
		delete(m.sessions, id)
		return nil, nil
	}
	// Return a copy to avoid external mutation
	s := e.session.Clone()
	s.Version = e.version
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *dialog.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[s.ID]; ok && !m.expiredLocked(e) && e.version != s.Version {
		return dialog.ErrSessionConflict
	}
	s.Version++
	m.sessions[s.ID] = memoryEntry{session: s.Clone(), version: s.Version, updatedAt: m.now()}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Sweep drops expired sessions and reports how many were removed.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.sessions {
		if m.expiredLocked(e) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Len reports the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) expiredLocked(e memoryEntry) bool {
	return m.ttl > 0 && m.now().Sub(e.updatedAt) > m.ttl
}
