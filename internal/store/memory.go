package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"codedojo/collab/internal/models"
)

// Memory is a process-local store used for development and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]models.Session), now: time.Now}
}

func (m *Memory) Get(_ context.Context, code string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[NormalizeCode(code)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *Memory) SetCode(_ context.Context, code, text string) (*models.Session, error) {
	return m.update(code, func(s *models.Session) { s.Text = text })
}

func (m *Memory) SetLanguage(_ context.Context, code, language string) (*models.Session, error) {
	return m.update(code, func(s *models.Session) { s.Language = language })
}

func (m *Memory) update(code string, fn func(*models.Session)) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeCode(code)
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	fn(&s)
	s.UpdatedAt = m.now()
	m.sessions[key] = s
	return &s, nil
}

func (m *Memory) Create(ctx context.Context, title, language string) (*models.Session, error) {
	return CreateUnique(ctx, func(_ context.Context, code string) (*models.Session, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, taken := m.sessions[code]; taken {
			return nil, ErrCodeTaken
		}
		s := NewSession(uuid.NewString(), code, title, language, m.now())
		m.sessions[code] = *s
		return s, nil
	})
}

// Put inserts or replaces a session verbatim.
func (m *Memory) Put(s models.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Code = NormalizeCode(s.Code)
	m.sessions[s.Code] = s
}

func (m *Memory) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for code, s := range m.sessions {
		if s.UpdatedAt.Before(cutoff) {
			delete(m.sessions, code)
			n++
		}
	}
	return n, nil
}
