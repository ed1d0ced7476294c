package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/pipeline"
	"github.com/RockChinQ/LangBot/internal/sessions"
	"github.com/RockChinQ/LangBot/internal/taskmgr"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// RuntimeBot pairs a stored bot record with its live adapter and the
// task supervising it.
type RuntimeBot struct {
	Record  *models.Bot
	Adapter entities.MessagePlatformAdapter
	Task    *taskmgr.Task
}

// Manager owns the runtime bots.
type Manager struct {
	mu   sync.Mutex
	bots map[string]*RuntimeBot

	store    *sessions.Store
	pool     *pipeline.Pool
	configfn func() *config.Snapshot
	tasks    *taskmgr.Manager
	logger   *slog.Logger
}

// NewManager creates the platform manager.
func NewManager(store *sessions.Store, pool *pipeline.Pool, configfn func() *config.Snapshot, tasks *taskmgr.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bots:     make(map[string]*RuntimeBot),
		store:    store,
		pool:     pool,
		configfn: configfn,
		tasks:    tasks,
		logger:   logger.With("component", "platform"),
	}
}

// Start seeds the bot store from the platform bundle on first boot,
// then launches every enabled bot.
func (m *Manager) Start(ctx context.Context) error {
	stored, err := m.store.ListBots(ctx)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		for i := range m.configfn().Platform.Bots {
			seed := m.configfn().Platform.Bots[i]
			if seed.UUID == "" {
				seed.UUID = uuid.New().String()
			}
			if err := m.store.SaveBot(ctx, &seed); err != nil {
				return err
			}
			stored = append(stored, &seed)
		}
	}

	for _, record := range stored {
		if !record.Enable {
			continue
		}
		if err := m.launch(ctx, record); err != nil {
			m.logger.Error("bot launch failed",
				"bot", record.Name, "adapter", record.AdapterName, "error", err)
		}
	}
	return nil
}

// launch builds the adapter, wires inbound dispatch, and runs it as a
// platform-scoped task.
func (m *Manager) launch(ctx context.Context, record *models.Bot) error {
	adapter, err := NewAdapter(record.AdapterName, record.AdapterConfig, m.logger)
	if err != nil {
		return err
	}

	dispatch := func(ctx context.Context, event models.MessageEvent) {
		m.dispatch(ctx, adapter, event)
	}
	adapter.RegisterListener("FriendMessage", dispatch)
	adapter.RegisterListener("GroupMessage", dispatch)

	task := m.tasks.Create(ctx, fmt.Sprintf("bot-%s", record.Name), "platform-adapter",
		[]taskmgr.Scope{taskmgr.ScopePlatform},
		func(ctx context.Context, tc *taskmgr.Context) error {
			tc.SetCurrentAction("Running adapter.")
			tc.Log("adapter %s starting", record.AdapterName)
			err := adapter.RunAsync(ctx)
			tc.Log("adapter %s exited: %v", record.AdapterName, err)
			return err
		})

	m.mu.Lock()
	m.bots[record.UUID] = &RuntimeBot{Record: record, Adapter: adapter, Task: task}
	m.mu.Unlock()

	m.logger.Info("bot launched", "bot", record.Name, "adapter", record.AdapterName)
	return nil
}

// dispatch converts an inbound event into a query and enqueues it.
func (m *Manager) dispatch(_ context.Context, adapter entities.MessagePlatformAdapter, event models.MessageEvent) {
	launcherType := models.LauncherPerson
	if event.EventType() == "GroupMessage" {
		launcherType = models.LauncherGroup
	}

	query := entities.NewQuery(
		launcherType, event.LauncherID(), event.SenderID(),
		event, event.Chain(), adapter, m.configfn())
	query.SelfID = adapter.SelfID()

	if err := m.pool.AddQuery(query); err != nil {
		m.logger.Warn("query rejected", "error", err, "launcher", query.LauncherKey())
	}
}

// List snapshots the runtime bots.
func (m *Manager) List() []*RuntimeBot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RuntimeBot, 0, len(m.bots))
	for _, rb := range m.bots {
		out = append(out, rb)
	}
	return out
}

// CreateBot persists a new bot and launches it when enabled.
func (m *Manager) CreateBot(ctx context.Context, record *models.Bot) error {
	if record.UUID == "" {
		record.UUID = uuid.New().String()
	}
	if err := m.store.SaveBot(ctx, record); err != nil {
		return err
	}
	if record.Enable {
		return m.launch(ctx, record)
	}
	return nil
}

// UpdateBot persists changes and restarts the bot to apply them.
func (m *Manager) UpdateBot(ctx context.Context, record *models.Bot) error {
	if err := m.store.SaveBot(ctx, record); err != nil {
		return err
	}
	m.stopBot(ctx, record.UUID)
	if record.Enable {
		return m.launch(ctx, record)
	}
	return nil
}

// DeleteBot stops and removes a bot.
func (m *Manager) DeleteBot(ctx context.Context, uuid string) error {
	m.stopBot(ctx, uuid)
	return m.store.DeleteBot(ctx, uuid)
}

func (m *Manager) stopBot(ctx context.Context, uuid string) {
	m.mu.Lock()
	rb, ok := m.bots[uuid]
	if ok {
		delete(m.bots, uuid)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := rb.Adapter.Kill(ctx); err != nil {
		m.logger.Warn("adapter kill failed", "bot", rb.Record.Name, "error", err)
	}
	rb.Task.Cancel()
}

// Stop kills every adapter.
func (m *Manager) Stop(ctx context.Context) {
	for _, rb := range m.List() {
		if err := rb.Adapter.Kill(ctx); err != nil {
			m.logger.Warn("adapter kill failed", "bot", rb.Record.Name, "error", err)
		}
	}
}
