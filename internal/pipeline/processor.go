package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/RockChinQ/LangBot/internal/commands"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/provider/runners"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// ProcessorStage routes the query: text starting with a command prefix
// goes to the command engine, everything else to the configured runner.
// Either way the output is a stream of response units.
type ProcessorStage struct {
	engine  *commands.Engine
	runners *runners.Registry
	logger  *slog.Logger
}

// NewProcessorStage creates the stage.
func NewProcessorStage(engine *commands.Engine, registry *runners.Registry, logger *slog.Logger) *ProcessorStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessorStage{
		engine:  engine,
		runners: registry,
		logger:  logger.With("stage", StageProcessor),
	}
}

func (s *ProcessorStage) Name() string { return StageProcessor }

func (s *ProcessorStage) Initialize(_ context.Context) error { return nil }

func (s *ProcessorStage) Process(ctx context.Context, query *entities.Query) (*Result, error) {
	text := strings.TrimSpace(query.MessageChain.PlainText())

	for _, prefix := range query.Pipeline.Command.Prefix {
		if after, ok := strings.CutPrefix(text, prefix); ok {
			query.IsCommand = true
			s.logger.Info("command received",
				"query", query.ID, "sender", query.SenderID, "text", text)
			return s.runCommand(ctx, query, after), nil
		}
	}

	s.logger.Info("message received",
		"query", query.ID, "sender", query.SenderID, "launcher", query.LauncherKey())
	return s.runChat(ctx, query)
}

// runCommand streams command returns as response units.
func (s *ProcessorStage) runCommand(ctx context.Context, query *entities.Query, text string) *Result {
	out := make(chan *Result, 4)
	go func() {
		defer close(out)
		for ret := range s.engine.Execute(ctx, query, text) {
			query.RespMessages = append(query.RespMessages, commandReturnMessage(ret))
			select {
			case out <- Continue():
			case <-ctx.Done():
				return
			}
		}
	}()
	return &Result{Action: ActionStream, Stream: out}
}

// commandReturnMessage renders one command return as an assistant
// message. Errors become user-visible text.
func commandReturnMessage(ret commands.Return) *models.Message {
	msg := &models.Message{Role: models.RoleAssistant}
	switch {
	case ret.Error != nil:
		var pe *entities.PipelineError
		if errors.As(ret.Error, &pe) {
			msg.Content = "❌ " + pe.Message
		} else {
			msg.Content = "❌ " + ret.Error.Error()
		}
	case ret.ImageURL != "":
		msg.ContentParts = []models.ContentElement{models.ImageURLElement(ret.ImageURL)}
	default:
		msg.Content = ret.Text
	}
	return msg
}

// runChat hands the query to the configured runner and streams its
// final items as response units.
func (s *ProcessorStage) runChat(ctx context.Context, query *entities.Query) (*Result, error) {
	runner, err := s.runners.Get(query.Pipeline.Pipeline.AI.Runner)
	if err != nil {
		return nil, err
	}

	// Platforms that can edit sent messages get the partials as
	// in-place revisions; everyone else only sees the final message.
	streamer, _ := query.Adapter.(entities.StreamingReplier)

	items, errs := runner.Run(ctx, query)
	out := make(chan *Result, 4)
	go func() {
		defer close(out)
		for item := range items {
			if !item.Final {
				if streamer == nil {
					continue
				}
				chain := models.NewPlainChain(item.Message.Content)
				if err := streamer.ReplyMessageStreaming(ctx, query.MessageEvent, chain, false); err != nil {
					s.logger.Debug("partial delivery failed",
						"query", query.ID, "error", err)
				}
				continue
			}
			query.RespMessages = append(query.RespMessages, item.Message)
			select {
			case out <- Continue():
			case <-ctx.Done():
				return
			}
		}
		if err := <-errs; err != nil {
			select {
			case out <- &Result{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return &Result{Action: ActionStream, Stream: out}, nil
}
