package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/tools"
)

// EventHandler processes one event. Mutating the context is how a
// plugin talks back to the core.
type EventHandler func(ctx context.Context, ec *EventContext) error

// Manifest describes a plugin.
type Manifest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Author      string `json:"author,omitempty"`
}

// Plugin is third-party code linked at build time from a configured
// list. Handlers maps event names to listeners.
type Plugin interface {
	Manifest() Manifest
	Handlers() map[string]EventHandler
}

// Initializer is implemented by plugins that need one-time setup.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// ToolProvider is implemented by plugins that contribute tools to the
// agent's tool-calling loop. Contributions are registered at boot,
// right after the plugin itself.
type ToolProvider interface {
	Tools() []*tools.Tool
}

type registration struct {
	plugin  Plugin
	enabled bool
}

// Host dispatches events to plugins in registration order. A listener
// error or panic is logged and never breaks dispatch order for
// subsequent listeners.
type Host struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]*registration
	logger *slog.Logger
}

// NewHost creates an empty plugin host.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		byName: make(map[string]*registration),
		logger: logger.With("component", "plugin"),
	}
}

// Register adds a plugin. Registration happens only at boot.
func (h *Host) Register(ctx context.Context, p Plugin) error {
	name := p.Manifest().Name
	if name == "" {
		return fmt.Errorf("plugin manifest has no name")
	}

	h.mu.Lock()
	if _, exists := h.byName[name]; exists {
		h.mu.Unlock()
		return fmt.Errorf("plugin %q already registered", name)
	}
	h.byName[name] = &registration{plugin: p, enabled: true}
	h.order = append(h.order, name)
	h.mu.Unlock()

	if init, ok := p.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize plugin %q: %w", name, err)
		}
	}

	h.logger.Info("registered plugin", "name", name, "version", p.Manifest().Version)
	return nil
}

// SetEnabled toggles a plugin; disabled plugins are skipped at dispatch.
func (h *Host) SetEnabled(name string, enabled bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.byName[name]
	if !ok {
		return fmt.Errorf("plugin %q not found", name)
	}
	reg.enabled = enabled
	return nil
}

// PluginStatus is one row of the plugin list.
type PluginStatus struct {
	Manifest Manifest `json:"manifest"`
	Enabled  bool     `json:"enabled"`
}

// List returns all registered plugins in name order.
func (h *Host) List() []PluginStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]PluginStatus, 0, len(h.byName))
	for _, name := range h.order {
		reg := h.byName[name]
		out = append(out, PluginStatus{Manifest: reg.plugin.Manifest(), Enabled: reg.enabled})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.Name < out[j].Manifest.Name })
	return out
}

// Emit dispatches an event to every enabled plugin that handles it, in
// registration order, and returns the accumulated context.
func (h *Host) Emit(ctx context.Context, event Event) *EventContext {
	ec := NewEventContext(event)

	h.mu.RLock()
	regs := make([]*registration, 0, len(h.order))
	for _, name := range h.order {
		regs = append(regs, h.byName[name])
	}
	h.mu.RUnlock()

	for _, reg := range regs {
		if !reg.enabled {
			continue
		}
		handler, ok := reg.plugin.Handlers()[event.EventName()]
		if !ok {
			continue
		}
		if err := h.callHandler(ctx, handler, ec); err != nil {
			h.logger.Warn("plugin listener error",
				"plugin", reg.plugin.Manifest().Name,
				"event", event.EventName(),
				"error", err)
		}
	}
	return ec
}

func (h *Host) callHandler(ctx context.Context, handler EventHandler, ec *EventContext) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = entities.NewError(entities.ErrPlugin,
				fmt.Sprintf("listener panic: %v\n%s", p, debug.Stack()), nil)
		}
	}()
	if err := handler(ctx, ec); err != nil {
		return entities.NewError(entities.ErrPlugin, "listener failed", err)
	}
	return nil
}
