package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/podiumlabs/lectern/internal/observe"
	"github.com/podiumlabs/lectern/internal/slidematch"
	"github.com/podiumlabs/lectern/pkg/recognizer"
	"github.com/podiumlabs/lectern/pkg/slideindex"
)

// IndexSource loads slide indexes by presentation id. Implemented by the
// slideindex postgres store and by static JSON-directory loaders.
type IndexSource interface {
	Load(ctx context.Context, presentationID string) (slideindex.Index, error)
}

// ManagerConfig holds a [Manager]'s dependencies.
type ManagerConfig struct {
	// Provider opens recognizer streams for every session. Required.
	Provider recognizer.Provider

	// Indexes resolves presentation ids to slide indexes. May be nil,
	// which disables slide matching for all sessions.
	Indexes IndexSource

	// Collector is the metrics tap point. Required.
	Collector *observe.Collector

	// MatchOptions are applied to every session's slide matcher.
	MatchOptions []slidematch.Option

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Manager is the concurrent session registry. The manager-wide lock only
// guards the map; session creation, closes, and renewals run outside it
// with just the target session held.
type Manager struct {
	provider  recognizer.Provider
	indexes   IndexSource
	collector *observe.Collector
	matchOpts []slidematch.Option
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		provider:  cfg.Provider,
		indexes:   cfg.Indexes,
		collector: cfg.Collector,
		matchOpts: cfg.MatchOptions,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

// Create builds and registers a session; the caller starts it. Fails
// when the id is already present. A missing slide index is logged and
// degrades the session to plain transcription rather than failing it.
func (m *Manager) Create(ctx context.Context, cfg Config, consumer Consumer) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[cfg.SessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: id %q already exists", cfg.SessionID)
	}
	// Reserve the id so concurrent creates with the same id fail fast
	// while the slow construction below runs unlocked.
	m.sessions[cfg.SessionID] = nil
	m.mu.Unlock()

	s, err := m.build(ctx, cfg, consumer)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, cfg.SessionID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[cfg.SessionID] = s
	m.mu.Unlock()

	m.collector.SessionCreated(ctx, cfg.SessionID)
	return s, nil
}

func (m *Manager) build(ctx context.Context, cfg Config, consumer Consumer) (*Session, error) {
	var matcher *slidematch.Matcher
	if m.indexes != nil && cfg.PresentationID != "" {
		ix, err := m.indexes.Load(ctx, cfg.PresentationID)
		if err != nil {
			m.log.Warn("slide index unavailable, matching disabled",
				"session_id", cfg.SessionID,
				"presentation_id", cfg.PresentationID,
				"error", err)
			m.collector.Error(ctx, "index_load")
		} else {
			opts := append([]slidematch.Option{slidematch.WithLogger(m.log)}, m.matchOpts...)
			matcher = slidematch.New(ix, opts...)
		}
	}

	return New(cfg, Deps{
		Provider:  m.provider,
		Matcher:   matcher,
		Consumer:  consumer,
		Collector: m.collector,
		Logger:    m.log,
	})
}

// Get returns the session with the given id.
func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s == nil {
		return nil, fmt.Errorf("session: %q: %w", sessionID, ErrNotFound)
	}
	return s, nil
}

// Close closes the session with the given id, removes it from the
// registry, and returns its summary. The close drain runs outside the
// manager lock.
func (m *Manager) Close(ctx context.Context, sessionID string) (Summary, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return Summary{}, err
	}

	sum, err := s.Close(ctx)

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	m.collector.SessionClosed(ctx, sessionID)

	return sum, err
}

// ListActive returns the sessions currently in the Active state, for the
// renewer and stats endpoints.
func (m *Manager) ListActive() []*Session {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s != nil {
			all = append(all, s)
		}
	}
	m.mu.Unlock()

	// Status checks take each session's own lock, outside the map lock.
	active := all[:0]
	for _, s := range all {
		if s.Status() == StatusActive {
			active = append(active, s)
		}
	}
	return active
}

// CloseAll closes every registered session. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s != nil {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Close(ctx, id); err != nil {
			m.log.Warn("session close on shutdown failed", "session_id", id, "error", err)
		}
	}
}
