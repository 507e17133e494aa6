package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/internal/metrics"
)

var ErrSessionNotFound = errors.New("wizard session not found")

type sessionKey struct {
	tenantID string
	id       string
}

// SessionStore keeps the open wizard sessions of all tenants.
// Sessions are isolated per tenant; nothing is shared between them.
type SessionStore struct {
	backend Backend
	opts    WizardOptions
	ttl     time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Wizard
}

// NewSessionStore creates a store whose sessions expire after ttl without activity.
func NewSessionStore(backend Backend, ttl time.Duration, opts WizardOptions) *SessionStore {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		backend:  backend,
		opts:     opts,
		ttl:      ttl,
		logger:   logger,
		sessions: map[sessionKey]*Wizard{},
	}
}

// Create opens a new session for tenantID.
func (s *SessionStore) Create(tenantID string) (*Wizard, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	id := uuid.NewString()
	w := NewWizard(id, tenantID, s.backend, s.backend, s.opts)

	s.mu.Lock()
	s.sessions[sessionKey{tenantID: tenantID, id: id}] = w
	n := len(s.sessions)
	s.mu.Unlock()

	metrics.WizardSessionsActive.Set(float64(n))
	s.logger.Debug("wizard session created", zap.String("session_id", id), zap.String("tenant_id", tenantID))
	return w, nil
}

// Get returns a tenant's session.
func (s *SessionStore) Get(tenantID, id string) (*Wizard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.sessions[sessionKey{tenantID: tenantID, id: id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return w, nil
}

// Delete cancels and forgets a session.
func (s *SessionStore) Delete(tenantID, id string) error {
	s.mu.Lock()
	key := sessionKey{tenantID: tenantID, id: id}
	w, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	w.Cancel()
	metrics.WizardSessionsActive.Set(float64(n))
	return nil
}

// Sweep drops finished sessions and sessions idle for longer than the ttl.
// It returns how many sessions were dropped.
func (s *SessionStore) Sweep(now time.Time) int {
	var expired []*Wizard

	s.mu.Lock()
	for key, w := range s.sessions {
		if w.Status() != SessionActive || now.Sub(w.LastActivity()) > s.ttl {
			expired = append(expired, w)
			delete(s.sessions, key)
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()

	for _, w := range expired {
		w.Cancel()
	}
	metrics.WizardSessionsActive.Set(float64(n))
	if len(expired) > 0 {
		s.logger.Info("swept wizard sessions", zap.Int("dropped", len(expired)), zap.Int("remaining", n))
	}
	return len(expired)
}

// Len returns the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run sweeps every interval until ctx is done.
func (s *SessionStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}
