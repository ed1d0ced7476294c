package pipeline

import (
	"context"
	"log/slog"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// PreProcessorStage normalizes the inbound chain and builds the user
// message, then gives plugins first refusal via the received events.
type PreProcessorStage struct {
	host   *plugin.Host
	logger *slog.Logger
}

// NewPreProcessorStage creates the stage.
func NewPreProcessorStage(host *plugin.Host, logger *slog.Logger) *PreProcessorStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreProcessorStage{host: host, logger: logger.With("stage", StagePreProcessor)}
}

func (s *PreProcessorStage) Name() string { return StagePreProcessor }

func (s *PreProcessorStage) Initialize(_ context.Context) error { return nil }

func (s *PreProcessorStage) Process(ctx context.Context, query *entities.Query) (*Result, error) {
	// Mentions of the bot are routing, not content.
	query.MessageChain = query.MessageChain.RemoveAt(query.SelfID)

	query.UserMessage = buildUserMessage(query.MessageChain)

	var event plugin.Event
	if query.LauncherType == models.LauncherGroup {
		event = plugin.GroupMessageReceived{Query: query}
	} else {
		event = plugin.PersonMessageReceived{Query: query}
	}
	ec := s.host.Emit(ctx, event)
	if ec.IsPrevented() {
		// A plugin claimed the message; send its replies, if any.
		if chains := ec.ReplyChains(); len(chains) > 0 {
			merged := make(models.MessageChain, 0)
			for _, chain := range chains {
				merged = append(merged, chain...)
			}
			query.RespMessageChain = append(query.RespMessageChain, merged)
			// The canned reply is part of the query record too.
			query.RespMessages = append(query.RespMessages, &models.Message{
				Role:    models.RoleAssistant,
				Content: merged.String(),
			})
			return &Result{Action: ActionJump, JumpTo: StageSendReply}, nil
		}
		return Interrupt(), nil
	}
	return Continue(), nil
}

// buildUserMessage converts a chain into the provider message shape:
// plain text only when possible, a multimodal part list when images
// are present.
func buildUserMessage(chain models.MessageChain) *models.Message {
	msg := &models.Message{Role: models.RoleUser}

	var parts []models.ContentElement
	hasImage := false
	for _, el := range chain {
		switch e := el.(type) {
		case models.Plain:
			if e.Text != "" {
				parts = append(parts, models.TextElement(e.Text))
			}
		case models.Image:
			hasImage = true
			if e.URL != "" {
				parts = append(parts, models.ImageURLElement(e.URL))
			} else if e.Base64 != "" {
				parts = append(parts, models.ContentElement{
					Type:        models.ContentImageBase64,
					ImageBase64: e.Base64,
				})
			}
		case models.Quote:
			// Quoted text becomes context ahead of the user's words.
			if origin := e.Origin.PlainText(); origin != "" {
				parts = append([]models.ContentElement{
					models.TextElement("> " + origin + "\n"),
				}, parts...)
			}
		}
	}

	if !hasImage {
		msg.Content = chain.PlainText()
		if q, ok := chain.Quote(); ok {
			if origin := q.Origin.PlainText(); origin != "" {
				msg.Content = "> " + origin + "\n" + msg.Content
			}
		}
		return msg
	}
	msg.ContentParts = parts
	return msg
}
