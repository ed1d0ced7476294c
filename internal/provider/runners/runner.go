// Package runners turns a conversation into assistant messages. The
// local-agent runner drives the tool-calling loop; bridge runners
// delegate to upstream agent services.
package runners

import (
	"context"
	"fmt"
	"sync"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// Item is one element of a runner's output sequence. Final is false
// for partial streaming deltas; the message on a non-final item holds
// the text accumulated so far.
type Item struct {
	Message *models.Message
	Final   bool
}

// Runner produces an asynchronous sequence of assistant messages for a
// query. The returned channel is closed when the run completes; a
// failed run delivers its error through the second channel.
type Runner interface {
	Name() string
	Run(ctx context.Context, query *entities.Query) (<-chan Item, <-chan error)
}

// Registry maps runner names to instances. Populated at boot from the
// compiled-in list.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty runner registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds a runner.
func (r *Registry) Register(runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[runner.Name()]; exists {
		return fmt.Errorf("runner %q already registered", runner.Name())
	}
	r.runners[runner.Name()] = runner
	return nil
}

// Get resolves a runner by name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	if !ok {
		return nil, entities.NewError(entities.ErrConfig,
			fmt.Sprintf("runner %q is not registered", name), nil)
	}
	return runner, nil
}

// Names lists registered runners.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	return names
}
