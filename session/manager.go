package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"dismissal-server-go/models"
)

// DayResolver returns the logical day a new session binds to.
type DayResolver func(ctx context.Context) (string, error)

// Manager keeps the open observer sessions. Sessions share nothing but the
// store and channel they were opened with.
type Manager struct {
	store    Store
	channel  Channel
	template Options
	day      DayResolver

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager opening sessions with the given template
// options. The template's Day is ignored; day resolves it per session.
func NewManager(store Store, channel Channel, day DayResolver, template Options) *Manager {
	return &Manager{
		store:    store,
		channel:  channel,
		template: template,
		day:      day,
		sessions: make(map[string]*Session),
	}
}

// Open resolves the day and opens a new session under a fresh id.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	day, err := m.day(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve logical day: %w", models.ErrNoBaseline, err)
	}
	opts := m.template
	opts.Day = day

	s, err := Open(ctx, uuid.NewString(), m.store, m.channel, opts)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the open session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %q", models.ErrUnknownEntity, id)
	}
	return s, nil
}

// IDs returns the open session ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down and forgets one session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: session %q", models.ErrUnknownEntity, id)
	}
	return s.Close()
}

// CloseAll tears down every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	open := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for id, s := range open {
		if err := s.Close(); err != nil {
			log.Printf("[session] %s: close: %v", id, err)
		}
	}
}
