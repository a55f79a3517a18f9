package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/psantana5/detectrelay/pkg/logging"
	"github.com/psantana5/detectrelay/pkg/models"
)

var (
	ErrTooManySessions = errors.New("too many active sessions")
	ErrShuttingDown    = errors.New("server is shutting down")
)

// Manager tracks live sessions and bounds how many may run at once.
type Manager struct {
	deps        Deps
	maxSessions int
	logger      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Controller
	closed   bool
}

// NewManager creates a session manager. maxSessions <= 0 means unlimited.
func NewManager(deps Deps, maxSessions int) *Manager {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:        deps,
		maxSessions: maxSessions,
		logger:      deps.Logger,
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*Controller),
	}
}

// Full reports whether a new session would be refused right now.
func (m *Manager) Full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed || (m.maxSessions > 0 && len(m.sessions) >= m.maxSessions)
}

// Serve runs a new session on conn until it ends. It fails fast with
// ErrTooManySessions or ErrShuttingDown, after telling the client.
func (m *Manager) Serve(conn Conn, remoteAddr string) error {
	id := uuid.NewString()
	c := NewController(id, conn, m.deps)
	c.setRemoteAddr(remoteAddr)

	if err := m.register(c); err != nil {
		m.logger.Warn("Session refused", map[string]interface{}{"remote_addr": remoteAddr, "error": err.Error()})
		conn.Emit(models.EventConnectError, models.ErrorPayload{Message: err.Error()})
		return err
	}
	defer m.unregister(id)

	return c.Run(m.ctx)
}

func (m *Manager) register(c *Controller) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return ErrTooManySessions
	}
	m.sessions[c.ID()] = c
	m.wg.Add(1)
	return nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.wg.Done()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Active reports whether id names a live session.
func (m *Manager) Active(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// Snapshot returns every live session ordered by connection time.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, c := range m.sessions {
		out = append(out, c.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Shutdown refuses new sessions, cancels the live ones and waits for their
// teardown to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	n := len(m.sessions)
	m.mu.Unlock()

	m.logger.Info("Stopping sessions", map[string]interface{}{"active": n})
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
