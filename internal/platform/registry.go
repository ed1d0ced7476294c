// Package platform runs the configured bots: it constructs adapters
// from their stored records, feeds inbound messages to the query pool,
// and supervises adapter lifecycles.
package platform

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/RockChinQ/LangBot/internal/entities"
)

// AdapterFactory builds an adapter from a bot's stored config map.
type AdapterFactory func(cfg map[string]any, logger *slog.Logger) (entities.MessagePlatformAdapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]AdapterFactory{}
)

// RegisterAdapter registers an adapter kind. Called from adapter
// package init.
func RegisterAdapter(name string, factory AdapterFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// NewAdapter constructs an adapter by kind name.
func NewAdapter(name string, cfg map[string]any, logger *slog.Logger) (entities.MessagePlatformAdapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, entities.NewError(entities.ErrConfig,
			fmt.Sprintf("unknown adapter kind %q", name), nil)
	}
	return factory(cfg, logger)
}

// AdapterKinds lists registered adapter kinds.
func AdapterKinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	kinds := make([]string, 0, len(factories))
	for name := range factories {
		kinds = append(kinds, name)
	}
	sort.Strings(kinds)
	return kinds
}
