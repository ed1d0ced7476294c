package runners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/provider"
	"github.com/RockChinQ/LangBot/internal/tools"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// RunnerLocalAgent is the runner id of the built-in tool-calling agent.
const RunnerLocalAgent = "local-agent"

// LocalAgent drives the model directly: it assembles the request from
// the conversation, executes tool calls, and feeds results back until
// the model answers in plain text.
type LocalAgent struct {
	models *provider.ModelManager
	tools  *tools.Manager
	host   *plugin.Host
	logger *slog.Logger
}

// NewLocalAgent wires the agent runner.
func NewLocalAgent(mm *provider.ModelManager, tm *tools.Manager, host *plugin.Host, logger *slog.Logger) *LocalAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalAgent{
		models: mm,
		tools:  tm,
		host:   host,
		logger: logger.With("runner", RunnerLocalAgent),
	}
}

func (r *LocalAgent) Name() string { return RunnerLocalAgent }

// Run executes the agent loop for one query.
func (r *LocalAgent) Run(ctx context.Context, query *entities.Query) (<-chan Item, <-chan error) {
	items := make(chan Item, 8)
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)
		if err := r.run(ctx, query, items); err != nil {
			errs <- err
		}
	}()
	return items, errs
}

func (r *LocalAgent) run(ctx context.Context, query *entities.Query, items chan<- Item) error {
	cfg := query.Pipeline.Pipeline.AI.LocalAgent

	conv := query.Session.Using()
	if conv == nil {
		return entities.NewError(entities.ErrSession, "no active conversation", nil)
	}
	model, err := r.models.GetModel(conv.UseModel)
	if err != nil {
		return err
	}

	prompt := query.PromptMessages
	ec := r.host.Emit(ctx, plugin.PromptPreProcess{Query: query, DefaultPrompt: prompt})
	if returned := ec.PromptReturns(); len(returned) > 0 {
		// Last listener wins.
		prompt = returned[len(returned)-1]
	}

	var funcs []*tools.Tool
	if model.ToolCallSupported {
		funcs = r.tools.Select(query.UseFuncs)
	}

	history, ok := truncateHistory(model, conv, cfg.MaxPromptTokens)
	if !ok {
		// Better to overshoot the budget than to guess turn boundaries.
		r.logger.Warn("conversation history malformed, sending it untruncated",
			"conversation", conv.UUID)
		history = conv.Messages
	}

	if query.UserMessage == nil {
		return entities.NewError(entities.ErrInternal, "query has no user message", nil)
	}
	user := *query.UserMessage
	conv.Append(user, provider.CountTokens(model, &user))

	// Working set for this run: the user message plus any tool rounds.
	pending := []models.Message{user}

	maxIterations := cfg.MaxToolIterations
	if maxIterations < 1 {
		maxIterations = 10
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		req := make([]models.Message, 0, len(prompt)+len(history)+len(pending))
		req = append(req, prompt...)
		req = append(req, history...)
		req = append(req, pending...)

		var handler provider.StreamHandler
		if cfg.Stream {
			handler = r.streamHandler(ctx, items)
		}

		msg, err := model.Requester.Call(ctx, model, req, funcs, handler)
		if err != nil {
			return wrapRunError(err)
		}

		conv.Append(*msg, provider.CountTokens(model, msg))

		if len(msg.ToolCalls) == 0 {
			deliver(ctx, items, Item{Message: msg, Final: true})
			return nil
		}

		pending = append(pending, *msg)
		for _, call := range msg.ToolCalls {
			payload, err := r.tools.Execute(ctx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				// Tool failures go back to the model, not the user.
				if entities.KindOf(err) != entities.ErrTool {
					return err
				}
				payload = fmt.Sprintf("error: %v", err)
			}
			toolMsg := models.Message{
				Role:       models.RoleTool,
				Content:    payload,
				ToolCallID: call.ID,
			}
			conv.Append(toolMsg, provider.CountTokens(model, &toolMsg))
			pending = append(pending, toolMsg)
		}
	}

	r.logger.Warn("tool iteration limit reached",
		"query", query.ID, "limit", maxIterations)
	notice := &models.Message{
		Role:    models.RoleAssistant,
		Content: "工具调用次数已达上限，请重试或缩小问题范围。",
	}
	deliver(ctx, items, Item{Message: notice, Final: true})
	return nil
}

// streamHandler forwards accumulated partials as non-final items.
func (r *LocalAgent) streamHandler(ctx context.Context, items chan<- Item) provider.StreamHandler {
	acc := ""
	return func(delta string, final bool, _ *models.Message) {
		if final || delta == "" {
			return
		}
		acc += delta
		deliver(ctx, items, Item{
			Message: &models.Message{Role: models.RoleAssistant, Content: acc},
			Final:   false,
		})
	}
}

func deliver(ctx context.Context, items chan<- Item, item Item) {
	select {
	case items <- item:
	case <-ctx.Done():
	}
}

func wrapRunError(err error) error {
	var reqErr *provider.RequesterError
	if errors.As(err, &reqErr) {
		return entities.NewError(entities.ErrRequester, reqErr.Message, err)
	}
	return err
}

// truncateHistory selects the newest whole turns of the conversation
// that fit the token budget. A turn starts at a user message and runs
// until the next one, so assistant tool calls never separate from
// their results. Returns ok=false when the stored history does not
// decompose into turns.
func truncateHistory(model *provider.Model, conv *entities.Conversation, maxTokens int) ([]models.Message, bool) {
	msgs := conv.Messages
	counts := conv.TokenCounts
	if len(msgs) == 0 {
		return nil, true
	}
	if len(counts) != len(msgs) {
		counts = make([]int, len(msgs))
		for i := range msgs {
			counts[i] = provider.CountTokens(model, &msgs[i])
		}
	}

	type turn struct {
		start, end int // [start, end)
		tokens     int
	}
	var turns []turn
	for i := 0; i < len(msgs); i++ {
		if msgs[i].Role == models.RoleUser {
			turns = append(turns, turn{start: i, end: i + 1, tokens: counts[i]})
			continue
		}
		if len(turns) == 0 {
			return nil, false
		}
		last := &turns[len(turns)-1]
		last.end = i + 1
		last.tokens += counts[i]
	}

	if maxTokens <= 0 {
		maxTokens = 8192
	}
	total := 0
	keepFrom := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		if total+turns[i].tokens > maxTokens {
			break
		}
		total += turns[i].tokens
		keepFrom = i
	}
	if keepFrom == len(turns) {
		return nil, true
	}
	return msgs[turns[keepFrom].start:], true
}
