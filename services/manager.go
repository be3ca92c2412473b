package services

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SessionManager hält höchstens eine offene Sitzung pro Listing.
type SessionManager struct {
	deps        SessionDeps
	defaultMode string
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*ListingSession
}

// NewSessionManager erstellt einen neuen SessionManager.
func NewSessionManager(deps SessionDeps, defaultMode string) *SessionManager {
	return &SessionManager{
		deps:        deps,
		defaultMode: defaultMode,
		logger:      deps.Logger,
		sessions:    make(map[string]*ListingSession),
	}
}

// Open öffnet eine Sitzung für das Listing. Eine bestehende Sitzung desselben Listings
// wird vorher abgebaut, ihr ausstehender Job verworfen.
func (m *SessionManager) Open(ctx context.Context, listingID, mode string) (*ListingSession, error) {
	if mode == "" {
		mode = m.defaultMode
	}

	m.mu.Lock()
	prev := m.sessions[listingID]
	delete(m.sessions, listingID)
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	log := m.logger.With(zap.String("listing_id", listingID))
	s, err := Open(ctx, m.deps, listingID, mode, SessionHooks{
		OnUpdate: func(v Views) {
			log.Debug("Sichten aktualisiert", zap.String("seo_mode", v.Mode), zap.Int("evaluations", len(v.AllEvaluations)))
		},
		OnError: func(action string, err error) {
			log.Warn("Job-Ergebnis verworfen", zap.String("action", action), zap.Bool("retryable", IsRetryable(err)), zap.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if other := m.sessions[listingID]; other != nil {
		// Parallel geöffnet: die neuere Sitzung gewinnt.
		defer other.Close()
	}
	m.sessions[listingID] = s
	m.mu.Unlock()
	return s, nil
}

// Get liefert die offene Sitzung des Listings.
func (m *SessionManager) Get(listingID string) (*ListingSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[listingID]
	return s, ok
}

// Session liefert die offene Sitzung oder öffnet eine neue im Standardmodus.
func (m *SessionManager) Session(ctx context.Context, listingID string) (*ListingSession, error) {
	if s, ok := m.Get(listingID); ok {
		return s, nil
	}
	return m.Open(ctx, listingID, "")
}

// Close baut die Sitzung des Listings ab.
func (m *SessionManager) Close(listingID string) bool {
	m.mu.Lock()
	s := m.sessions[listingID]
	delete(m.sessions, listingID)
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.Close()
	return true
}

// CloseAll baut alle Sitzungen ab, z.B. beim Herunterfahren.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*ListingSession)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
