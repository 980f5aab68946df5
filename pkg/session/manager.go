package session

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tinyland-inc/aetherbridge/pkg/logger"
)

// ErrManagerClosed is returned by GetOrStart after Close.
var ErrManagerClosed = errors.New("session manager closed")

// Manager owns every live session, keyed by session id.
//
// The map lock is held only for lookup, insert and evict, never across a
// spawn. Concurrent first use of one id starts a single process. A session
// whose process exits is evicted; the next request for its id starts fresh.
type Manager struct {
	opts     Options
	mu       sync.Mutex
	sessions map[string]*Session
	starting singleflight.Group
	closed   bool
}

func NewManager(opts Options) *Manager {
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// GetOrStart returns the running session for id, starting one if needed.
func (m *Manager) GetOrStart(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.Get(id); ok {
		return s, nil
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	v, err, shared := m.starting.Do(id, func() (any, error) {
		if s, ok := m.Get(id); ok {
			return s, nil
		}

		s, err := Start(ctx, m.opts, id)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			s.Stop()
			return nil, ErrManagerClosed
		}
		m.sessions[id] = s
		m.mu.Unlock()

		go m.reap(s)
		m.awaitReady(ctx, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.DebugCF("session", "Joined in-flight session start", map[string]any{"session_id": id})
	}
	return v.(*Session), nil
}

// awaitReady gives a new session up to ReadyTimeout to print its readiness
// marker. A session that stays quiet is still handed out.
func (m *Manager) awaitReady(ctx context.Context, s *Session) {
	if m.opts.ReadyTimeout <= 0 {
		return
	}
	readyCtx, cancel := context.WithTimeout(ctx, m.opts.ReadyTimeout)
	defer cancel()
	if err := s.WaitReady(readyCtx); err != nil {
		logger.DebugCF("session", "No readiness marker", map[string]any{
			"session_id": s.ID(),
			"error":      err.Error(),
		})
	}
}

// Get returns a live session. Dead entries found here are evicted.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if !s.IsRunning() {
		delete(m.sessions, id)
		return nil, false
	}
	return s, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs lists the sessions currently held.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) reap(s *Session) {
	<-s.Done()

	m.mu.Lock()
	if m.sessions[s.ID()] == s {
		delete(m.sessions, s.ID())
	}
	m.mu.Unlock()

	logger.InfoCF("session", "Session evicted", map[string]any{"session_id": s.ID()})
}

// Close stops every session and refuses new ones.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
	return nil
}
