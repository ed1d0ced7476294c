package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is an immutable view of all five bundles. Queries freeze a
// pointer to the snapshot at dispatch time; live reload swaps the
// pointer between queries.
type Snapshot struct {
	Command  *CommandConfig
	Pipeline *PipelineConfig
	Platform *PlatformConfig
	Provider *ProviderConfig
	System   *SystemConfig
}

// Manager owns the current snapshot and the reload watcher.
type Manager struct {
	dir     string
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// NewManager creates a manager reading bundles from dir.
func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:    dir,
		logger: logger.With("component", "config"),
	}
}

// Load reads, validates, and installs all bundles. Missing files fall
// back to defaults; malformed files fail the load.
func (m *Manager) Load() error {
	snap, err := m.loadSnapshot()
	if err != nil {
		return err
	}
	m.current.Store(snap)
	return nil
}

func (m *Manager) loadSnapshot() (*Snapshot, error) {
	snap := &Snapshot{
		Command:  DefaultCommand(),
		Pipeline: DefaultPipeline(),
		Platform: DefaultPlatform(),
		Provider: DefaultProvider(),
		System:   DefaultSystem(),
	}
	targets := map[string]any{
		BundleCommand:  snap.Command,
		BundlePipeline: snap.Pipeline,
		BundlePlatform: snap.Platform,
		BundleProvider: snap.Provider,
		BundleSystem:   snap.System,
	}
	for bundle, target := range targets {
		path := resolveBundlePath(m.dir, bundle)
		if path == "" {
			m.logger.Debug("bundle file absent, using defaults", "bundle", bundle)
			continue
		}
		raw, err := loadBundleFile(path)
		if err != nil {
			return nil, err
		}
		if err := ValidateBundle(bundle, raw); err != nil {
			return nil, err
		}
		if err := decodeBundle(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return snap, nil
}

// Current returns the active snapshot. The returned value must be
// treated as read-only.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// UpdateBundle validates and applies a raw bundle document, persisting
// nothing; callers write the file themselves if durability is wanted.
func (m *Manager) UpdateBundle(bundle string, raw map[string]any) error {
	if err := ValidateBundle(bundle, raw); err != nil {
		return err
	}
	old := m.Current()
	if old == nil {
		return fmt.Errorf("config not loaded")
	}
	next := *old
	switch bundle {
	case BundleCommand:
		cfg := DefaultCommand()
		if err := decodeBundle(raw, cfg); err != nil {
			return err
		}
		next.Command = cfg
	case BundlePipeline:
		cfg := DefaultPipeline()
		if err := decodeBundle(raw, cfg); err != nil {
			return err
		}
		next.Pipeline = cfg
	case BundlePlatform:
		cfg := DefaultPlatform()
		if err := decodeBundle(raw, cfg); err != nil {
			return err
		}
		next.Platform = cfg
	case BundleProvider:
		cfg := DefaultProvider()
		if err := decodeBundle(raw, cfg); err != nil {
			return err
		}
		next.Provider = cfg
	case BundleSystem:
		cfg := DefaultSystem()
		if err := decodeBundle(raw, cfg); err != nil {
			return err
		}
		next.System = cfg
	default:
		return fmt.Errorf("unknown config bundle %q", bundle)
	}
	m.current.Store(&next)
	return nil
}

// Watch reloads the snapshot whenever a bundle file changes. It blocks
// until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !isBundleFile(event.Name) {
				continue
			}
			snap, err := m.loadSnapshot()
			if err != nil {
				m.logger.Warn("config reload rejected", "file", event.Name, "error", err)
				continue
			}
			m.current.Store(snap)
			m.logger.Info("config reloaded", "file", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", "error", err)
		}
	}
}

func isBundleFile(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch stem {
	case BundleCommand, BundlePipeline, BundlePlatform, BundleProvider, BundleSystem:
		return true
	}
	return false
}
