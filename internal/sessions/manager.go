package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/metrics"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/tools"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// Manager is the in-memory session registry. Sessions are created on
// first message and retired by the sweeper or an explicit reset.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*entities.Session

	configfn func() *config.Snapshot
	store    *Store
	host     *plugin.Host
	tools    *tools.Manager
	mt       *metrics.Metrics
	logger   *slog.Logger
}

// NewManager creates the session registry. configfn must return the
// current config snapshot; the manager reads it per operation so
// hot-reloads apply to new sessions.
func NewManager(configfn func() *config.Snapshot, store *Store, host *plugin.Host, tm *tools.Manager, mt *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*entities.Session),
		configfn: configfn,
		store:    store,
		host:     host,
		tools:    tm,
		mt:       mt,
		logger:   logger.With("component", "sessions"),
	}
}

// GetSession returns the session for a launcher, creating it on first
// use. created reports whether this call minted it.
func (m *Manager) GetSession(launcherType models.LauncherType, launcherID int64) (session *entities.Session, created bool) {
	key := entities.LauncherKey(launcherType, launcherID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s, false
	}

	session = entities.NewSession(launcherType, launcherID, m.concurrencyFor(key))
	m.sessions[key] = session
	if m.mt != nil {
		m.mt.ActiveSessions.WithLabelValues(string(launcherType)).Inc()
	}
	m.logger.Info("session created", "key", key, "concurrency", session.Concurrency)
	return session, true
}

// concurrencyFor resolves the semaphore cap: exact launcher key
// override first, then the default.
func (m *Manager) concurrencyFor(key string) int64 {
	sys := m.configfn().System
	if cap, ok := sys.SessionConcurrency.Overrides[key]; ok {
		return cap
	}
	if sys.SessionConcurrency.Default > 0 {
		return sys.SessionConcurrency.Default
	}
	return 1
}

// Peek returns the session without creating it.
func (m *Manager) Peek(launcherType models.LauncherType, launcherID int64) *entities.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[entities.LauncherKey(launcherType, launcherID)]
}

// List snapshots all live sessions.
func (m *Manager) List() []*entities.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entities.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// EnsureConversation returns the session's active conversation,
// creating one bound to the current pipeline config when none exists.
func (m *Manager) EnsureConversation(session *entities.Session, snapshot *config.Snapshot) *entities.Conversation {
	if conv := session.Using(); conv != nil {
		return conv
	}
	agent := snapshot.Pipeline.AI.LocalAgent
	prompt := models.Prompt{Name: "default", Messages: agent.Prompt}
	conv := entities.NewConversation(prompt, agent.Model, m.tools.Names())
	session.AddConversation(conv)
	m.logger.Debug("conversation created", "session", session.Key(), "uuid", conv.UUID)
	return conv
}

// Reset closes the active conversation: the session stays alive and
// the next message starts a fresh thread.
func (m *Manager) Reset(ctx context.Context, session *entities.Session) error {
	conv := session.Using()
	if conv == nil {
		return nil
	}
	if err := m.persist(ctx, session, conv, models.SessionExplicitlyClosed); err != nil {
		m.logger.Error("persist on reset failed", "session", session.Key(), "error", err)
	}
	session.RemoveConversation(conv)
	session.SetUsing(nil)
	m.host.Emit(ctx, plugin.SessionReset{Session: session})
	return nil
}

// Expire retires a session after its idle TTL: persist, emit the
// expiry event exactly once, and drop it from the registry.
func (m *Manager) Expire(ctx context.Context, session *entities.Session) {
	key := session.Key()

	m.mu.Lock()
	if m.sessions[key] != session {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, key)
	m.mu.Unlock()

	if conv := session.Using(); conv != nil {
		if err := m.persist(ctx, session, conv, models.SessionExpired); err != nil {
			m.logger.Error("persist on expiry failed", "session", key, "error", err)
		}
	}
	if m.mt != nil {
		m.mt.ActiveSessions.WithLabelValues(string(session.LauncherType)).Dec()
	}
	m.host.Emit(ctx, plugin.SessionExpired{Session: session})
	m.logger.Info("session expired", "key", key)
}

// Sweep retires every session idle longer than ttl. Returns the number
// retired.
func (m *Manager) Sweep(ctx context.Context, ttl time.Duration) int {
	deadline := time.Now().Add(-ttl)
	var expired []*entities.Session
	for _, s := range m.List() {
		if s.LastInteract().Before(deadline) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		m.Expire(ctx, s)
	}
	return len(expired)
}

// RunSweeper loops Sweep until ctx is cancelled. One global sweeper
// serves all sessions; the tick tracks the configured TTL so a short
// expiry fires promptly.
func (m *Manager) RunSweeper(ctx context.Context) error {
	timer := time.NewTimer(m.sweepInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			ttl := time.Duration(m.configfn().System.SessionExpireTime) * time.Second
			if ttl > 0 {
				if n := m.Sweep(ctx, ttl); n > 0 {
					m.logger.Debug("sweeper retired sessions", "count", n)
				}
			}
			timer.Reset(m.sweepInterval())
		}
	}
}

// sweepInterval is half the configured TTL, clamped to [1s, 1m]. A
// disabled TTL keeps the slow tick so config reloads are picked up.
func (m *Manager) sweepInterval() time.Duration {
	ttl := time.Duration(m.configfn().System.SessionExpireTime) * time.Second
	if ttl <= 0 {
		return time.Minute
	}
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Shutdown persists every live session as on-going so history survives
// a restart.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.List() {
		if conv := s.Using(); conv != nil {
			if err := m.persist(ctx, s, conv, models.SessionOnGoing); err != nil {
				m.logger.Error("persist on shutdown failed", "session", s.Key(), "error", err)
			}
		}
	}
}

func (m *Manager) persist(ctx context.Context, session *entities.Session, conv *entities.Conversation, status models.SessionStatus) error {
	if m.store == nil {
		return nil
	}
	history, err := models.MarshalHistory(conv.Messages)
	if err != nil {
		return err
	}
	prompt, err := models.MarshalHistory(conv.Prompt.Messages)
	if err != nil {
		return err
	}
	defaultPrompt, err := models.MarshalHistory(m.configfn().Pipeline.AI.LocalAgent.Prompt)
	if err != nil {
		return err
	}
	counts, err := models.MarshalTokenCounts(conv.TokenCounts)
	if err != nil {
		return err
	}
	return m.store.SaveSession(ctx, &models.SessionRecord{
		LauncherType:   session.LauncherType,
		LauncherID:     session.LauncherID,
		CreateTS:       session.CreateTS,
		LastInteractTS: session.LastInteract(),
		Prompt:         prompt,
		DefaultPrompt:  defaultPrompt,
		History:        history,
		TokenCounts:    counts,
		Status:         status,
	})
}
