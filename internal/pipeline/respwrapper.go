package pipeline

import (
	"context"
	"log/slog"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// ResponseWrapperStage converts the latest response message into a
// platform chain and applies group reply decoration.
type ResponseWrapperStage struct {
	host   *plugin.Host
	logger *slog.Logger
}

// NewResponseWrapperStage creates the stage.
func NewResponseWrapperStage(host *plugin.Host, logger *slog.Logger) *ResponseWrapperStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseWrapperStage{host: host, logger: logger.With("stage", StageResponseWrapper)}
}

func (s *ResponseWrapperStage) Name() string { return StageResponseWrapper }

func (s *ResponseWrapperStage) Initialize(_ context.Context) error { return nil }

func (s *ResponseWrapperStage) Process(ctx context.Context, query *entities.Query) (*Result, error) {
	if len(query.RespMessages) == 0 {
		return Interrupt(), nil
	}
	msg := query.RespMessages[len(query.RespMessages)-1]

	chain := messageToChain(msg)
	if len(chain) == 0 {
		return Interrupt(), nil
	}

	if !query.IsCommand {
		ec := s.host.Emit(ctx, plugin.NormalMessageResponded{
			Query:         query,
			ResponseText:  msg.ReadableText(),
			FinishedChain: chain,
		})
		if ec.IsPrevented() {
			s.logger.Debug("reply suppressed by plugin", "query", query.ID)
			return Interrupt(), nil
		}
	}

	if query.LauncherType == models.LauncherGroup && query.Pipeline.Platform.AtSender {
		chain = append(models.MessageChain{models.At{Target: query.SenderID}, models.Plain{Text: " "}}, chain...)
	}

	query.RespMessageChain = append(query.RespMessageChain, chain)
	return Continue(), nil
}

// messageToChain renders a provider message as chain elements.
func messageToChain(msg *models.Message) models.MessageChain {
	var chain models.MessageChain
	if msg.Content != "" {
		chain = append(chain, models.Plain{Text: msg.Content})
	}
	for _, part := range msg.ContentParts {
		switch part.Type {
		case models.ContentText:
			chain = append(chain, models.Plain{Text: part.Text})
		case models.ContentImageURL:
			chain = append(chain, models.Image{URL: part.ImageURL})
		case models.ContentImageBase64:
			chain = append(chain, models.Image{Base64: part.ImageBase64})
		}
	}
	return chain
}
