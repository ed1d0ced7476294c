// Package provider hosts the LLM requesters, the model registry, and
// token accounting.
package provider

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/RockChinQ/LangBot/internal/tools"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// StreamHandler receives out-of-band streaming deltas. delta carries
// the incremental text; final is true exactly once, with the fully
// assembled message.
type StreamHandler func(delta string, final bool, full *models.Message)

// Requester speaks one LLM provider API shape.
type Requester interface {
	// Name returns the requester id used in the provider bundle
	// ("openai-chat-completions", "anthropic-messages").
	Name() string
	// Initialize sets up the HTTP client from the requester config.
	Initialize(ctx context.Context) error
	// Call performs one chat completion. With a non-nil handler the
	// requester streams deltas through it and still returns the final
	// assembled message.
	Call(ctx context.Context, model *Model, messages []models.Message, funcs []*tools.Tool, handler StreamHandler) (*models.Message, error)
}

// ImageGenerator is an optional requester capability used by the draw
// command.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, model *Model, prompt string) (url string, err error)
}

// RequesterError is a provider refusal or transport failure. The
// requester does not retry here; backoff belongs to the adapter layer.
type RequesterError struct {
	Code    int
	Message string
}

func (e *RequesterError) Error() string {
	return fmt.Sprintf("requester error (%d): %s", e.Code, e.Message)
}

// TokenManager round-robins an API key ring.
type TokenManager struct {
	name string
	keys []string
	next atomic.Uint64
}

// NewTokenManager creates a key ring for a requester.
func NewTokenManager(name string, keys []string) *TokenManager {
	return &TokenManager{name: name, keys: keys}
}

// Next returns the next key, or "" when the ring is empty.
func (t *TokenManager) Next() string {
	if len(t.keys) == 0 {
		return ""
	}
	idx := t.next.Add(1) - 1
	return t.keys[idx%uint64(len(t.keys))]
}

// Len returns the ring size.
func (t *TokenManager) Len() int { return len(t.keys) }

// Model describes one usable model bound to its requester and key ring.
type Model struct {
	Name              string
	ProviderModelName string
	Requester         Requester
	TokenMgr          *TokenManager
	ToolCallSupported bool
	TokenEncoding     string
}

// WireName returns the model name sent to the provider.
func (m *Model) WireName() string {
	if m.ProviderModelName != "" {
		return m.ProviderModelName
	}
	return m.Name
}
