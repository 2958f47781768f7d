package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nomeentregaron/medbot/internal/model/session"
)

// MemoryStore keeps sessions in mutex-guarded maps. It is the default
// backend for local runs and tests; the Postgres store carries production.
type MemoryStore struct {
	mu       sync.RWMutex
	open     map[string]*session.Session // pair key -> open session
	byID     map[string]*session.Session // id -> open session
	archived map[string]*session.Session // id -> archived session

	now func() time.Time
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		open:     make(map[string]*session.Session),
		byID:     make(map[string]*session.Session),
		archived: make(map[string]*session.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func pairKey(channel session.Channel, userID string) string {
	return fmt.Sprintf("%s|%s", channel, userID)
}

// FindOpen returns the open session for the pair, or ErrNotFound.
func (m *MemoryStore) FindOpen(_ context.Context, channel session.Channel, userID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.open[pairKey(channel, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Create inserts a fresh session unless an open one already exists, in which
// case the existing record is returned. The check and insert happen under a
// single lock acquisition, which is what makes concurrent first contact safe.
func (m *MemoryStore) Create(_ context.Context, channel session.Channel, userID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(channel, userID)
	if existing, ok := m.open[key]; ok {
		return clone(existing), nil
	}

	s := newSession(channel, userID)
	now := m.now()
	s.CreatedAt = now
	s.LastActivityAt = now
	m.open[key] = s
	m.byID[s.ID] = s
	return clone(s), nil
}

// Get returns a session by identifier, open or archived.
func (m *MemoryStore) Get(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.byID[id]; ok {
		return clone(s), nil
	}
	if s, ok := m.archived[id]; ok {
		return clone(s), nil
	}
	return nil, ErrNotFound
}

// Update overwrites the stored copy of an open session.
func (m *MemoryStore) Update(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.byID[s.ID]
	if !ok {
		if _, archivedOK := m.archived[s.ID]; archivedOK {
			return ErrClosed
		}
		return ErrNotFound
	}
	if stored.State == session.StateClosed {
		return ErrClosed
	}

	*stored = *clone(s)
	return nil
}

// Archive removes the session from the open set and retains it as an
// immutable patient record.
func (m *MemoryStore) Archive(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[s.ID]; !ok {
		if _, archivedOK := m.archived[s.ID]; archivedOK {
			return nil // already archived; archiving is idempotent
		}
		return ErrNotFound
	}

	delete(m.byID, s.ID)
	delete(m.open, pairKey(s.Channel, s.UserID))
	m.archived[s.ID] = clone(s)
	return nil
}

// FindLatestArchived returns the pair's most recently closed archived
// session, or ErrNotFound.
func (m *MemoryStore) FindLatestArchived(_ context.Context, channel session.Channel, userID string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *session.Session
	for _, s := range m.archived {
		if s.Channel != channel || s.UserID != userID {
			continue
		}
		if latest == nil || (s.ClosedAt != nil && (latest.ClosedAt == nil || s.ClosedAt.After(*latest.ClosedAt))) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clone(latest), nil
}

// ListInactive returns open sessions with no activity since the cutoff.
func (m *MemoryStore) ListInactive(_ context.Context, before time.Time) ([]*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*session.Session
	for _, s := range m.open {
		if s.LastActivityAt.Before(before) {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

// Archived reports whether the session has been moved to patient-record
// storage. Exposed for tests.
func (m *MemoryStore) Archived(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.archived[id]
	return ok
}

func clone(s *session.Session) *session.Session {
	c := *s
	if s.PatientData != nil {
		c.PatientData = append(session.PatientData(nil), s.PatientData...)
	}
	if s.Transcript != nil {
		c.Transcript = append([]session.TranscriptEntry(nil), s.Transcript...)
	}
	if s.LastDirective != nil {
		d := *s.LastDirective
		c.LastDirective = &d
	}
	return &c
}
