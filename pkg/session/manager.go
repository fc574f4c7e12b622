package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/bamboo/internal/observability"
	"github.com/harun/bamboo/internal/tracing"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Manager owns the live Session objects and persists them through a Store.
// Every caller asking for the same id gets the same *Session.
type Manager struct {
	store    Store
	logger   zerolog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
	loads    singleflight.Group
}

// NewManager creates a manager over store
func NewManager(store Store, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()

	return &Manager{
		store:    store,
		logger:   logger.With().Str("component", "session_manager").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Create makes and persists a new session with a generated id.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Session, error) {
	return m.CreateWithID(ctx, uuid.NewString(), cfg)
}

// CreateWithID makes and persists a new session with the given id.
func (m *Manager) CreateWithID(ctx context.Context, id string, cfg Config) (*Session, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}
	if _, err := m.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess := New(id, cfg)

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	if err := m.Save(ctx, sess); err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("session_id", id).
		Str("model", cfg.Model).
		Str("role", string(cfg.Role)).
		Msg("Session created")

	return sess, nil
}

// Get returns the live session, loading it from the store on first use.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	v, err, _ := m.loads.Do(id, func() (interface{}, error) {
		start := time.Now()
		snap, err := m.store.Load(ctx, id)
		observability.RecordSessionLoad(time.Since(start))
		if err != nil {
			return nil, err
		}
		loaded, err := FromSnapshot(snap)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.sessions[id]; ok {
			return existing, nil
		}
		m.sessions[id] = loaded
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Exists reports whether a session with id is live or stored
func (m *Manager) Exists(ctx context.Context, id string) bool {
	_, err := m.Get(ctx, id)
	return err == nil
}

// Save persists sess when it is dirty.
func (m *Manager) Save(ctx context.Context, sess *Session) error {
	sess.saveMu.Lock()
	defer sess.saveMu.Unlock()

	if !sess.Dirty() {
		return nil
	}
	snap, version := sess.snapshot()

	start := time.Now()
	err := m.store.Save(ctx, snap)
	observability.RecordSessionSave(time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", snap.ID, err)
	}

	sess.markSaved(version)
	return nil
}

// Delete removes a session from memory and the store
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	return m.store.Delete(ctx, id)
}

// Evict drops a clean session from memory; it will be reloaded on next use.
func (m *Manager) Evict(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok || sess.Dirty() {
		return false
	}
	delete(m.sessions, id)
	return true
}

// List summarizes stored sessions, overlaying the state of live ones.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	infos, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool, len(infos))
	for i := range infos {
		seen[infos[i].ID] = true
		if live, ok := m.sessions[infos[i].ID]; ok {
			infos[i] = live.Snapshot().Info()
		}
	}
	for id, live := range m.sessions {
		if !seen[id] {
			infos = append(infos, live.Snapshot().Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].UpdatedAt.After(infos[j].UpdatedAt) })
	return infos, nil
}

// FlushAll saves every dirty live session, returning the first error.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, sess := range live {
		if err := m.Save(ctx, sess); err != nil {
			m.logger.Error().Err(err).Str("session_id", sess.ID()).Msg("Failed to flush session")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close flushes dirty sessions and closes the store
func (m *Manager) Close(ctx context.Context) error {
	flushErr := m.FlushAll(ctx)
	if err := m.store.Close(); err != nil {
		return err
	}
	return flushErr
}
