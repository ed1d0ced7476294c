// Package tools manages the functions exposed to the LLM for
// tool calling.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	invopop "github.com/invopop/jsonschema"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/metrics"
)

// ExecuteFunc runs a tool with decoded JSON arguments.
type ExecuteFunc func(ctx context.Context, args map[string]any) (any, error)

// Tool is one callable function offered to the model.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON Schema of the arguments object.
	Parameters json.RawMessage
	// Source names who contributed the tool (plugin name or "builtin").
	Source  string
	Execute ExecuteFunc
}

// SchemaFor reflects a parameters struct into a JSON Schema document.
func SchemaFor(v any) (json.RawMessage, error) {
	r := &invopop.Reflector{
		FieldNameTag:               "json",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Anonymous:                  true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	return json.Marshal(schema)
}

// Manager is the tool registry. Registration happens at boot; the set
// is read-mostly afterwards.
type Manager struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
	mt     *metrics.Metrics
}

// NewManager creates an empty tool manager.
func NewManager(logger *slog.Logger, mt *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
		mt:     mt,
	}
}

// Register adds a tool.
func (m *Manager) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %q has no execute func", t.Name)
	}
	if len(t.Parameters) == 0 {
		t.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	m.tools[t.Name] = t
	m.logger.Debug("registered tool", "name", t.Name, "source", t.Source)
	return nil
}

// Names returns all tool names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select resolves tool names to definitions. A nil selector returns
// every registered tool.
func (m *Manager) Select(names []string) []*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if names == nil {
		out := make([]*Tool, 0, len(m.tools))
		for _, name := range m.sortedLocked() {
			out = append(out, m.tools[name])
		}
		return out
	}
	out := make([]*Tool, 0, len(names))
	for _, name := range names {
		if t, ok := m.tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) sortedLocked() []string {
	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute parses argsJSON, runs the tool, and renders the result as a
// string payload for the tool message. Failures come back as ToolError
// so the runner can hand them to the model.
func (m *Manager) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	m.mu.RLock()
	tool, ok := m.tools[name]
	m.mu.RUnlock()
	if !ok {
		m.countTool(name, "error")
		return "", entities.NewError(entities.ErrTool, fmt.Sprintf("tool %q not found", name), nil)
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			m.countTool(name, "error")
			return "", entities.NewError(entities.ErrTool, fmt.Sprintf("tool %q arguments are not valid JSON", name), err)
		}
	}

	result, err := m.run(ctx, tool, args)
	if err != nil {
		m.countTool(name, "error")
		return "", entities.NewError(entities.ErrTool, fmt.Sprintf("tool %q failed", name), err)
	}
	m.countTool(name, "success")

	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v), nil
		}
		return string(data), nil
	}
}

func (m *Manager) run(ctx context.Context, tool *Tool, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panic: %v", p)
		}
	}()
	return tool.Execute(ctx, args)
}

func (m *Manager) countTool(name, status string) {
	if m.mt != nil {
		m.mt.ToolCounter.WithLabelValues(name, status).Inc()
	}
}
