package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/tileabr/internal/config"
	"github.com/mikeyg42/tileabr/internal/quality"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session: not found")

// Overrides are per-connection changes to the session defaults. Zero values
// keep the configured default.
type Overrides struct {
	Tiles  int
	Mode   string
	Policy string
}

// Manager tracks the running sessions.
type Manager struct {
	cfg    *config.Config
	deps   Deps
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a manager. Sessions inherit ctx.
func NewManager(ctx context.Context, cfg *config.Config, deps Deps, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.Named("sessions"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Config returns the session configuration after applying o.
func (m *Manager) Config(o Overrides) (config.Config, error) {
	c := *m.cfg
	if o.Tiles != 0 {
		c.Session.TileCount = o.Tiles
	}
	if o.Mode != "" {
		c.Session.Mode = o.Mode
	}
	if o.Policy != "" {
		p, err := quality.ParsePolicy(o.Policy)
		if err != nil {
			return c, err
		}
		c.Session.Policy = p.String()
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Open creates, starts and runs a session over media.
func (m *Manager) Open(id string, cfg config.Config, media Media) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("session %s already exists", id)
	}
	if m.ctx.Err() != nil {
		return nil, ErrClosed
	}

	s, err := New(m.ctx, id, cfg, media, m.deps, m.logger)
	if err != nil {
		return nil, err
	}
	s.Start()
	m.sessions[id] = s

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := s.Run(m.ctx); err != nil {
			m.logger.Error("Session scheduler stopped", zap.String("session", id), zap.Error(err))
		}
	}()
	return s, nil
}

// Get returns a running session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns a snapshot of every running session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Close ends a session and forgets it.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Close(ctx)
}

// Shutdown closes every session and waits for their schedulers to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}
