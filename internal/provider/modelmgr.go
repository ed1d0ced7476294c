package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/metrics"
)

// ModelManager owns the model registry. The set is read-mostly after
// initialization; reloads quiesce the query pool first.
type ModelManager struct {
	mu     sync.RWMutex
	models []*Model
	logger *slog.Logger
}

// NewModelManager builds the registry from the provider bundle,
// instantiating one requester per API shape that is actually used.
func NewModelManager(ctx context.Context, cfg *config.ProviderConfig, llmTimeout int, mt *metrics.Metrics, logger *slog.Logger) (*ModelManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "modelmgr")

	requesters := map[string]Requester{}
	tokenMgrs := map[string]*TokenManager{}

	requesterFor := func(name string) (Requester, error) {
		if r, ok := requesters[name]; ok {
			return r, nil
		}
		rcfg := cfg.Requesters[name]
		if rcfg.Timeout == 0 {
			rcfg.Timeout = llmTimeout
		}
		var r Requester
		switch name {
		case RequesterOpenAI:
			r = NewOpenAIRequester(rcfg, mt, logger)
		case RequesterAnthropic:
			r = NewAnthropicRequester(rcfg, mt, logger)
		default:
			return nil, entities.NewError(entities.ErrConfig,
				fmt.Sprintf("unknown requester %q", name), nil)
		}
		if err := r.Initialize(ctx); err != nil {
			return nil, err
		}
		requesters[name] = r
		return r, nil
	}

	mgr := &ModelManager{logger: logger}
	for _, mc := range cfg.Models {
		req, err := requesterFor(mc.Requester)
		if err != nil {
			return nil, err
		}
		tm, ok := tokenMgrs[mc.Requester]
		if !ok {
			tm = NewTokenManager(mc.Requester, cfg.Keys[mc.Requester])
			tokenMgrs[mc.Requester] = tm
		}
		mgr.models = append(mgr.models, &Model{
			Name:              mc.Name,
			ProviderModelName: mc.ProviderModelName,
			Requester:         req,
			TokenMgr:          tm,
			ToolCallSupported: mc.ToolCallSupported,
			TokenEncoding:     mc.TokenEncoding,
		})
	}
	logger.Info("models loaded", "count", len(mgr.models))
	return mgr, nil
}

// NewStaticModelManager wraps an already-built model set. Callers that
// construct their own requesters (embedders, tests) use this instead of
// the config path.
func NewStaticModelManager(logger *slog.Logger, models ...*Model) *ModelManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelManager{
		models: models,
		logger: logger.With("component", "modelmgr"),
	}
}

// GetModel finds a model by name.
func (m *ModelManager) GetModel(name string) (*Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, model := range m.models {
		if model.Name == name {
			return model, nil
		}
	}
	return nil, entities.NewError(entities.ErrConfig,
		fmt.Sprintf("model %q is not configured", name), nil)
}

// List returns all models.
func (m *ModelManager) List() []*Model {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Model, len(m.models))
	copy(out, m.models)
	return out
}
