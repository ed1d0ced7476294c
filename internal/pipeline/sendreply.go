package pipeline

import (
	"context"
	"log/slog"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// SendReplyStage delivers the latest wrapped chain through the query's
// adapter.
type SendReplyStage struct {
	logger *slog.Logger
}

// NewSendReplyStage creates the stage.
func NewSendReplyStage(logger *slog.Logger) *SendReplyStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SendReplyStage{logger: logger.With("stage", StageSendReply)}
}

func (s *SendReplyStage) Name() string { return StageSendReply }

func (s *SendReplyStage) Initialize(_ context.Context) error { return nil }

func (s *SendReplyStage) Process(ctx context.Context, query *entities.Query) (*Result, error) {
	if len(query.RespMessageChain) == 0 {
		return Interrupt(), nil
	}
	chain := query.RespMessageChain[len(query.RespMessageChain)-1]

	platform := query.Pipeline.Platform
	if query.LauncherType == models.LauncherGroup && platform.RespectGroupMute {
		muted, err := query.Adapter.IsMuted(ctx, query.LauncherID)
		if err != nil {
			s.logger.Warn("mute check failed", "group", query.LauncherID, "error", err)
		} else if muted {
			s.logger.Info("reply withheld, bot muted", "group", query.LauncherID, "query", query.ID)
			return Interrupt(), nil
		}
	}

	if err := query.Adapter.ReplyMessage(ctx, query.MessageEvent, chain, platform.QuoteOrigin); err != nil {
		return nil, entities.NewError(entities.ErrAdapter, "reply delivery failed", err)
	}
	s.logger.Debug("reply sent", "query", query.ID, "launcher", query.LauncherKey())
	return Continue(), nil
}
