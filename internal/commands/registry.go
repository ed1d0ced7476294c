package commands

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry holds the command tree. Registration happens at boot; the
// tree is read-only afterwards.
type Registry struct {
	mu     sync.RWMutex
	roots  map[string]*Command
	logger *slog.Logger
}

// NewRegistry creates an empty command registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		roots:  make(map[string]*Command),
		logger: logger.With("component", "commands"),
	}
}

// Register adds a root command and validates its subtree.
func (r *Registry) Register(cmd *Command) error {
	if err := validate(cmd, nil); err != nil {
		return err
	}
	name := strings.ToLower(cmd.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.roots[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.roots[name] = cmd
	r.logger.Debug("registered command", "name", name)
	return nil
}

func validate(cmd *Command, path []string) error {
	if cmd == nil || cmd.Name == "" {
		return fmt.Errorf("command name is required at %q", strings.Join(path, "."))
	}
	full := append(path, cmd.Name)
	if cmd.Handler == nil && len(cmd.Sub) == 0 {
		return fmt.Errorf("command %q has neither handler nor subcommands", strings.Join(full, "."))
	}
	for key, sub := range cmd.Sub {
		if key != strings.ToLower(sub.Name) {
			return fmt.Errorf("subcommand key %q does not match name %q", key, sub.Name)
		}
		if err := validate(sub, full); err != nil {
			return err
		}
	}
	return nil
}

// Resolve descends the tree along tokens. It returns the deepest
// matched node, its dotted path, and the remaining tokens.
func (r *Registry) Resolve(tokens []string) (*Command, string, []string) {
	if len(tokens) == 0 {
		return nil, "", nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.roots[strings.ToLower(tokens[0])]
	if !ok {
		return nil, "", tokens
	}
	path := []string{node.Name}
	rest := tokens[1:]
	for len(rest) > 0 {
		sub, ok := node.Sub[strings.ToLower(rest[0])]
		if !ok {
			break
		}
		node = sub
		path = append(path, node.Name)
		rest = rest[1:]
	}
	return node, strings.Join(path, "."), rest
}

// Roots returns the root commands in name order.
func (r *Registry) Roots() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roots))
	for name := range r.roots {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Command, 0, len(names))
	for _, name := range names {
		out = append(out, r.roots[name])
	}
	return out
}
