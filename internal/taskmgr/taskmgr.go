// Package taskmgr runs the long-lived cooperative tasks and cancels
// them by lifecycle scope at shutdown.
package taskmgr

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Scope tags a task with the shutdown event that cancels it.
type Scope string

const (
	ScopeApplication Scope = "application"
	ScopePlatform    Scope = "platform"
	ScopeProvider    Scope = "provider"
)

// Task is one managed goroutine.
type Task struct {
	ID     int64
	Name   string
	Kind   string
	Scopes []Scope
	Ctx    *Context

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Cancel requests cancellation; the task observes it at its next
// suspension point.
func (t *Task) Cancel() { t.cancel() }

// Done is closed when the task returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's final error once done.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Task) hasScope(scope Scope) bool {
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Manager owns all managed tasks.
type Manager struct {
	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*Task
	logger *slog.Logger
}

// NewManager creates an empty task manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tasks:  make(map[int64]*Task),
		logger: logger.With("component", "taskmgr"),
	}
}

// Create starts fn as a managed task. The context passed to fn is
// cancelled by Task.Cancel or a scope shutdown.
func (m *Manager) Create(parent context.Context, name, kind string, scopes []Scope, fn func(ctx context.Context, tc *Context) error) *Task {
	ctx, cancel := context.WithCancel(parent)

	m.mu.Lock()
	m.nextID++
	task := &Task{
		ID:     m.nextID,
		Name:   name,
		Kind:   kind,
		Scopes: scopes,
		Ctx:    NewContext(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.tasks[task.ID] = task
	m.mu.Unlock()

	go func() {
		defer close(task.done)
		err := fn(ctx, task.Ctx)
		task.mu.Lock()
		task.err = err
		task.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			task.Ctx.SetCurrentAction("Exited with error.")
			m.logger.Error("task failed", "task", name, "kind", kind, "error", err)
			return
		}
		task.Ctx.SetCurrentAction("Exited.")
		m.logger.Debug("task finished", "task", name, "kind", kind)
	}()

	return task
}

// ShutdownScope cancels every task tagged with scope and waits for them
// to exit, bounded by ctx.
func (m *Manager) ShutdownScope(ctx context.Context, scope Scope) error {
	m.mu.Lock()
	var targets []*Task
	for _, task := range m.tasks {
		if task.hasScope(scope) && !task.finished() {
			targets = append(targets, task)
		}
	}
	m.mu.Unlock()

	for _, task := range targets {
		task.Cancel()
	}
	for _, task := range targets {
		select {
		case <-task.Done():
		case <-ctx.Done():
			m.logger.Warn("task did not exit before deadline", "task", task.Name)
			return ctx.Err()
		}
	}
	m.logger.Info("scope shut down", "scope", scope, "tasks", len(targets))
	return nil
}

// Info is a task snapshot for the introspection endpoints.
type Info struct {
	ID            int64    `json:"id"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Scopes        []Scope  `json:"scopes"`
	CurrentAction string   `json:"current_action"`
	Done          bool     `json:"done"`
	Logs          []string `json:"logs"`
}

// List snapshots all tasks, newest last.
func (m *Manager) List() []Info {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	out := make([]Info, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, Info{
			ID:            t.ID,
			Name:          t.Name,
			Kind:          t.Kind,
			Scopes:        t.Scopes,
			CurrentAction: t.Ctx.CurrentAction(),
			Done:          t.finished(),
			Logs:          t.Ctx.Logs(),
		})
	}
	return out
}

// WaitAll blocks until every task exits or the timeout elapses.
func (m *Manager) WaitAll(timeout time.Duration) {
	deadline := time.After(timeout)
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()
	for _, t := range tasks {
		select {
		case <-t.Done():
		case <-deadline:
			return
		}
	}
}
