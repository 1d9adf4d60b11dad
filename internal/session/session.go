// Package session owns session identity, workspace binding, current
// directory and idle eviction.
//
// A user has at most one live session. Sessions are kept in memory; the
// workspace directory they point at outlives them.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warp/internal/apperr"
	"github.com/jkaninda/warp/internal/workspace"
)

const (
	// DefaultProcessTimeout is the per-command budget on the light path.
	DefaultProcessTimeout = 120 * time.Second
	// DefaultIdleTimeout is how long a session may go unused before eviction.
	DefaultIdleTimeout = 30 * time.Minute
)

// Session binds a user to an isolated workspace and execution context.
type Session struct {
	ID             string
	UserID         string
	Workspace      *workspace.Workspace
	CreatedAt      time.Time
	ProcessTimeout time.Duration

	mu           sync.Mutex
	cwd          string
	lastActivity time.Time

	busy atomic.Bool
}

// Cwd returns the session's current directory (absolute, inside the workspace).
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SetCwd replaces the current directory. Callers validate the path first.
func (s *Session) SetCwd(dir string) {
	s.mu.Lock()
	s.cwd = dir
	s.mu.Unlock()
}

// LastActivity returns the time of the last operation on this session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// Acquire marks the session as running a command. Only one command may be
// in flight per session; a second caller gets SessionBusy. The returned
// function releases the slot and must be called exactly once.
func (s *Session) Acquire() (func(), error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, apperr.New(apperr.KindSessionBusy, "a command is already running in this session")
	}
	var once sync.Once
	return func() { once.Do(func() { s.busy.Store(false) }) }, nil
}

// Busy reports whether a command is in flight.
func (s *Session) Busy() bool { return s.busy.Load() }

// Info is the externally visible view of a session.
type Info struct {
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	WorkspaceDir   string    `json:"workspaceDir"`
	CurrentDir     string    `json:"currentDir"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivity   time.Time `json:"lastActivity"`
	QuotaBytes     int64     `json:"quotaBytes"`
	ProcessTimeout string    `json:"processTimeout"`
	Busy           bool      `json:"busy"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:      s.ID,
		UserID:         s.UserID,
		WorkspaceDir:   s.Workspace.Root,
		CurrentDir:     s.Workspace.Display(s.cwd),
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.lastActivity,
		QuotaBytes:     s.Workspace.QuotaBytes,
		ProcessTimeout: s.ProcessTimeout.String(),
		Busy:           s.busy.Load(),
	}
}

// Config configures a Manager.
type Config struct {
	ProcessTimeout time.Duration
	IdleTimeout    time.Duration
}

// Manager is the concurrency-safe session table.
type Manager struct {
	store  *workspace.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string // sanitized user id -> session id

	hooksMu sync.RWMutex
	onClose []func(*Session)
}

// NewManager creates a session manager allocating workspaces from store.
func NewManager(store *workspace.Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
	}
}

// OnClose registers a hook invoked after a session is removed, whether by
// Delete, replacement or idle eviction. Hooks run outside the table lock.
func (m *Manager) OnClose(fn func(*Session)) {
	m.hooksMu.Lock()
	m.onClose = append(m.onClose, fn)
	m.hooksMu.Unlock()
}

// Create allocates (or reuses) the user's workspace and registers a fresh
// session. Any previous session of the same user is replaced.
func (m *Manager) Create(userID string) (*Session, error) {
	ws, err := m.store.Ensure(userID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:             uuid.New().String(),
		UserID:         ws.UserID,
		Workspace:      ws,
		CreatedAt:      now,
		ProcessTimeout: m.cfg.ProcessTimeout,
		cwd:            ws.Root,
		lastActivity:   now,
	}

	m.mu.Lock()
	var replaced *Session
	if oldID, ok := m.byUser[ws.UserID]; ok {
		replaced = m.sessions[oldID]
		delete(m.sessions, oldID)
	}
	m.sessions[s.ID] = s
	m.byUser[ws.UserID] = s.ID
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Info("session replaced",
			slog.String("user_id", ws.UserID),
			slog.String("old_session_id", replaced.ID),
			slog.String("session_id", s.ID),
		)
		m.closed(replaced)
	}
	m.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("user_id", ws.UserID),
		slog.String("workspace", ws.Hash),
	)
	return s, nil
}

// Get returns the session and refreshes its last-activity time.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindSessionNotFound, "Session not found")
	}
	s.touch(m.now())
	return s, nil
}

// Delete removes a session. The workspace directory is retained.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		m.remove(s)
	}
	m.mu.Unlock()
	if !ok {
		return apperr.New(apperr.KindSessionNotFound, "Session not found")
	}
	m.logger.Info("session deleted", slog.String("session_id", id))
	m.closed(s)
	return nil
}

// List returns a snapshot of all live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EvictIdle removes sessions idle for longer than maxAge and returns how
// many were removed. Sessions with a command in flight are never evicted.
func (m *Manager) EvictIdle(maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	var evicted []*Session
	for _, s := range m.sessions {
		if s.Busy() || !s.LastActivity().Before(cutoff) {
			continue
		}
		m.remove(s)
		evicted = append(evicted, s)
	}
	m.mu.Unlock()

	for _, s := range evicted {
		m.logger.Info("session evicted",
			slog.String("session_id", s.ID),
			slog.String("user_id", s.UserID),
			slog.Duration("idle", m.now().Sub(s.LastActivity())),
		)
		m.closed(s)
	}
	return len(evicted)
}

// StartCleanup starts a background goroutine that evicts idle sessions
// every interval. Returns a function that stops it.
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.EvictIdle(m.cfg.IdleTimeout); n > 0 {
					m.logger.Info("idle sessions evicted", slog.Int("count", n))
				}
			}
		}
	}()
	return cancel
}

// remove deletes s from both indexes. Caller holds m.mu.
func (m *Manager) remove(s *Session) {
	delete(m.sessions, s.ID)
	if m.byUser[s.UserID] == s.ID {
		delete(m.byUser, s.UserID)
	}
}

func (m *Manager) closed(s *Session) {
	m.hooksMu.RLock()
	hooks := m.onClose
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
}
