// Package session manages per-user interaction state for YTBot.
//
// A session tracks where a user is in a multi-step interaction (e.g. the bot
// is waiting for a format choice) together with an opaque payload. Sessions
// expire after a configured idle timeout via a background cleanup loop, and
// may optionally be persisted so in-flight interactions survive a restart.
// The store favors availability of in-memory state over durability: a failed
// persistence write is logged and never rolls back the mutation.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ytbot-dev/ytbot/internal/models"
)

// DefaultIdleTimeout is how long an untouched session survives.
const DefaultIdleTimeout = 5 * time.Minute

// Opts holds configuration for the Manager.
type Opts struct {
	PersistPath string
	IdleTimeout time.Duration
}

// Option defines a configuration option for the Manager.
type Option func(*Opts)

// WithPersistPath enables session persistence at the given document path.
func WithPersistPath(path string) Option {
	return func(o *Opts) { o.PersistPath = path }
}

// WithIdleTimeout overrides the idle timeout applied when loading persisted
// sessions.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Opts) { o.IdleTimeout = d }
}

// Manager is a concurrent, TTL-bounded session store.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*models.UserSession

	persistPath string
	idleTimeout time.Duration
	now         func() time.Time

	loopMu  sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewManager creates a session Manager. If persistence is configured and a
// document exists, still-fresh sessions are restored; sessions whose idle
// age already exceeds the timeout are discarded rather than resurrected.
func NewManager(opts ...Option) *Manager {
	cfg := Opts{IdleTimeout: DefaultIdleTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	m := &Manager{
		sessions:    make(map[string]*models.UserSession),
		persistPath: cfg.PersistPath,
		idleTimeout: cfg.IdleTimeout,
		now:         time.Now,
	}
	if m.persistPath != "" {
		m.loadPersisted()
	}
	slog.Debug("Session manager created", "persisted", m.persistPath != "", "idle_timeout", cfg.IdleTimeout, "restored", len(m.sessions))
	return m
}

// loadPersisted restores sessions from the configured document.
func (m *Manager) loadPersisted() {
	data, err := os.ReadFile(m.persistPath)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		slog.Warn("Session manager failed to read persisted sessions", "error", err, "path", m.persistPath)
		return
	}

	var persisted map[string]*models.UserSession
	if err := json.Unmarshal(data, &persisted); err != nil {
		slog.Warn("Session manager failed to parse persisted sessions", "error", err, "path", m.persistPath)
		return
	}

	now := m.now()
	restored, discarded := 0, 0
	for userID, sess := range persisted {
		if now.Sub(sess.TouchedAt) > m.idleTimeout {
			discarded++
			continue
		}
		m.sessions[userID] = sess
		restored++
	}
	slog.Info("Session manager restored persisted sessions", "restored", restored, "discarded_expired", discarded)
}

// persist serializes the full session table atomically. Failures are logged
// only; the in-memory state is authoritative.
func (m *Manager) persist() {
	if m.persistPath == "" {
		return
	}

	m.mu.RLock()
	data, err := json.MarshalIndent(m.sessions, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		slog.Error("Session manager marshal failed", "error", err)
		return
	}

	dir := filepath.Dir(m.persistPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Session manager failed to create persist directory", "error", err, "dir", dir)
		return
	}
	tmp, err := os.CreateTemp(dir, "sessions-*.json.tmp")
	if err != nil {
		slog.Error("Session manager failed to create temp file", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		slog.Error("Session manager failed to write temp file", "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		slog.Error("Session manager failed to close temp file", "error", err)
		return
	}
	if err := os.Rename(tmpPath, m.persistPath); err != nil {
		os.Remove(tmpPath)
		slog.Error("Session manager failed to replace session document", "error", err)
	}
}

// SetState overwrites any existing session for the user with the given state
// and payload, resetting the last-touched timestamp.
func (m *Manager) SetState(userID string, state models.StateType, payload map[string]string) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if !models.IsValidStateType(state) {
		return fmt.Errorf("invalid session state %q", state)
	}

	now := m.now()
	m.mu.Lock()
	created := now
	if existing, ok := m.sessions[userID]; ok {
		created = existing.CreatedAt
	}
	m.sessions[userID] = &models.UserSession{
		UserID:    userID,
		State:     state,
		Payload:   payload,
		CreatedAt: created,
		TouchedAt: now,
	}
	m.mu.Unlock()

	slog.Debug("Session state set", "userID", userID, "state", state)
	m.persist()
	return nil
}

// GetState returns a copy of the user's session, refreshing its last-touched
// timestamp, or false if no session exists.
func (m *Manager) GetState(userID string) (models.UserSession, bool) {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	if !ok {
		m.mu.Unlock()
		return models.UserSession{}, false
	}
	sess.TouchedAt = m.now()
	out := *sess
	m.mu.Unlock()
	return out, true
}

// IsInState reports whether the user has a session in the given state.
func (m *Manager) IsInState(userID string, state models.StateType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[userID]
	return ok && sess.State == state
}

// ClearState destroys the user's session, typically when an interaction
// completes.
func (m *Manager) ClearState(userID string) {
	m.mu.Lock()
	_, existed := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if existed {
		slog.Debug("Session cleared", "userID", userID)
		m.persist()
	}
}

// Count returns the number of active sessions, for the admin status command.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartCleanupLoop launches the background expiry sweep. It returns an error
// if a loop is already running.
func (m *Manager) StartCleanupLoop(interval, timeout time.Duration) error {
	if interval <= 0 || timeout <= 0 {
		return fmt.Errorf("cleanup interval and timeout must be positive")
	}

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return fmt.Errorf("cleanup loop already running")
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done

	slog.Info("Session cleanup loop starting", "interval", interval, "timeout", timeout)
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				slog.Info("Session cleanup loop exiting")
				return
			case <-ticker.C:
				m.SweepExpired(timeout)
			}
		}
	}()
	return nil
}

// StopCleanupLoop terminates the cleanup loop and waits for any in-flight
// sweep to finish. Safe to call multiple times.
func (m *Manager) StopCleanupLoop() {
	m.loopMu.Lock()
	if !m.running {
		m.loopMu.Unlock()
		slog.Debug("Session cleanup loop already stopped")
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.stop = nil
	m.done = nil
	m.loopMu.Unlock()

	<-done
	slog.Info("Session cleanup loop stopped")
}

// SweepExpired removes every session whose idle age exceeds timeout and
// returns how many were removed. Candidates are collected under a read lock
// and each deletion re-checks expiry under a brief write lock, so unrelated
// SetState/GetState calls are never blocked for the whole scan.
func (m *Manager) SweepExpired(timeout time.Duration) int {
	now := m.now()

	m.mu.RLock()
	var expired []string
	for userID, sess := range m.sessions {
		if now.Sub(sess.TouchedAt) > timeout {
			expired = append(expired, userID)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, userID := range expired {
		m.mu.Lock()
		if sess, ok := m.sessions[userID]; ok && now.Sub(sess.TouchedAt) > timeout {
			delete(m.sessions, userID)
			removed++
			slog.Debug("Session expired", "userID", userID, "state", sess.State)
		}
		m.mu.Unlock()
	}

	if removed > 0 {
		slog.Info("Session sweep removed expired sessions", "removed", removed)
		m.persist()
	}
	return removed
}
