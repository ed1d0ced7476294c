// Package sources holds the platform adapters.
package sources

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/platform"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// AdapterTelegram is the adapter kind name of the Telegram source.
const AdapterTelegram = "telegram"

func init() {
	platform.RegisterAdapter(AdapterTelegram, func(cfg map[string]any, logger *slog.Logger) (entities.MessagePlatformAdapter, error) {
		return NewTelegramAdapter(cfg, logger)
	})
}

// TelegramAdapter speaks the Telegram bot API in long-polling mode.
type TelegramAdapter struct {
	token  string
	logger *slog.Logger

	bot      *bot.Bot
	selfID   atomic.Int64
	username atomic.Value // string

	mu        sync.RWMutex
	listeners map[string]func(ctx context.Context, event models.MessageEvent)
	cancel    context.CancelFunc
	// drafts tracks the in-flight streamed reply per chat, so partial
	// revisions edit one message instead of flooding the chat.
	drafts map[int64]*draftMessage
}

type draftMessage struct {
	id   int
	text string
}

// NewTelegramAdapter builds the adapter from a bot record's config.
func NewTelegramAdapter(cfg map[string]any, logger *slog.Logger) (*TelegramAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	token, _ := cfg["token"].(string)
	if token == "" {
		return nil, entities.NewError(entities.ErrConfig, "telegram adapter requires token", nil)
	}
	return &TelegramAdapter{
		token:     token,
		logger:    logger.With("adapter", AdapterTelegram),
		listeners: make(map[string]func(ctx context.Context, event models.MessageEvent)),
		drafts:    make(map[int64]*draftMessage),
	}, nil
}

func (a *TelegramAdapter) Name() string { return AdapterTelegram }

// SelfID returns the bot account id, or 0 before the first connection.
func (a *TelegramAdapter) SelfID() int64 { return a.selfID.Load() }

// RegisterListener subscribes an inbound event handler.
func (a *TelegramAdapter) RegisterListener(eventType string, handler func(ctx context.Context, event models.MessageEvent)) {
	a.mu.Lock()
	a.listeners[eventType] = handler
	a.mu.Unlock()
}

// RunAsync connects and long-polls until ctx is cancelled.
func (a *TelegramAdapter) RunAsync(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	b, err := bot.New(a.token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return entities.NewError(entities.ErrAdapter, "telegram bot init failed", err)
	}
	a.bot = b

	me, err := b.GetMe(ctx)
	if err != nil {
		return entities.NewError(entities.ErrAdapter, "telegram getMe failed", err)
	}
	a.selfID.Store(me.ID)
	a.username.Store(me.Username)
	a.logger.Info("telegram connected", "username", me.Username, "id", me.ID)

	b.Start(ctx)
	return nil
}

// Kill stops the polling loop.
func (a *TelegramAdapter) Kill(_ context.Context) error {
	a.mu.RLock()
	cancel := a.cancel
	a.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsMuted always reports false: Telegram has no group-mute state a bot
// can query for itself.
func (a *TelegramAdapter) IsMuted(_ context.Context, _ int64) (bool, error) {
	return false, nil
}

func (a *TelegramAdapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	chain := a.convertChain(msg)
	when := time.Unix(int64(msg.Date), 0)

	if msg.Chat.Type == "private" {
		event := &models.FriendMessage{
			Sender: models.Friend{
				ID:       msg.From.ID,
				Nickname: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
			},
			MessageChain: chain,
			Time:         when,
		}
		a.emit(ctx, event)
		return
	}

	event := &models.GroupMessage{
		Sender: models.GroupMember{
			ID:         msg.From.ID,
			Name:       strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
			Group:      models.Group{ID: msg.Chat.ID, Name: msg.Chat.Title},
			Permission: models.PermissionMember,
		},
		MessageChain: chain,
		Time:         when,
	}
	a.emit(ctx, event)
}

func (a *TelegramAdapter) emit(ctx context.Context, event models.MessageEvent) {
	a.mu.RLock()
	handler := a.listeners[event.EventType()]
	a.mu.RUnlock()
	if handler == nil {
		return
	}
	handler(ctx, event)
}

// convertChain renders a Telegram message as chain elements. An
// @mention of the bot becomes an At element so the respond rules see
// it uniformly.
func (a *TelegramAdapter) convertChain(msg *tgmodels.Message) models.MessageChain {
	var chain models.MessageChain
	chain = append(chain, models.Source{ID: int64(msg.ID), Time: int64(msg.Date)})

	if reply := msg.ReplyToMessage; reply != nil {
		origin := models.MessageChain{}
		if reply.Text != "" {
			origin = append(origin, models.Plain{Text: reply.Text})
		}
		senderID := int64(0)
		if reply.From != nil {
			senderID = reply.From.ID
		}
		chain = append(chain, models.Quote{
			MessageID: int64(reply.ID),
			SenderID:  senderID,
			Origin:    origin,
		})
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if username, _ := a.username.Load().(string); username != "" {
		mention := "@" + username
		if strings.Contains(text, mention) {
			chain = append(chain, models.At{Target: a.SelfID()})
			text = strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
		}
	}
	if text != "" {
		chain = append(chain, models.Plain{Text: text})
	}
	return chain
}

// ReplyMessage sends a chain back to the chat the event came from.
func (a *TelegramAdapter) ReplyMessage(ctx context.Context, event models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error {
	if a.bot == nil {
		return entities.NewError(entities.ErrAdapter, "telegram adapter not running", nil)
	}
	chatID := event.LauncherID()

	var replyParams *tgmodels.ReplyParameters
	if quoteOrigin {
		if src, ok := sourceOf(event.Chain()); ok {
			replyParams = &tgmodels.ReplyParameters{MessageID: int(src.ID)}
		}
	}

	text := ""
	for _, el := range chain {
		switch e := el.(type) {
		case models.Plain:
			text += e.Text
		case models.At:
			// Telegram mentions need usernames; numeric fallback.
			text += fmt.Sprintf("@%d", e.Target)
		case models.Image:
			if e.URL != "" {
				params := &bot.SendPhotoParams{
					ChatID: chatID,
					Photo:  &tgmodels.InputFileString{Data: e.URL},
				}
				if _, err := a.bot.SendPhoto(ctx, params); err != nil {
					return entities.NewError(entities.ErrAdapter, "telegram sendPhoto failed", err)
				}
			}
		}
	}
	// A streamed reply already holds a message in this chat; finalize
	// it in place rather than sending a second one.
	a.mu.Lock()
	draft := a.drafts[chatID]
	delete(a.drafts, chatID)
	a.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return nil
	}

	if draft != nil {
		if draft.text == text {
			return nil
		}
		_, err := a.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: draft.id,
			Text:      text,
		})
		if err != nil {
			return entities.NewError(entities.ErrAdapter, "telegram editMessageText failed", err)
		}
		return nil
	}

	_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          chatID,
		Text:            text,
		ReplyParameters: replyParams,
	})
	if err != nil {
		return entities.NewError(entities.ErrAdapter, "telegram sendMessage failed", err)
	}
	return nil
}

// ReplyMessageStreaming revises one reply message as partial text
// arrives: the first partial sends the message, later ones edit it.
func (a *TelegramAdapter) ReplyMessageStreaming(ctx context.Context, event models.MessageEvent, chain models.MessageChain, final bool) error {
	if a.bot == nil {
		return entities.NewError(entities.ErrAdapter, "telegram adapter not running", nil)
	}
	text := chain.String()
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chatID := event.LauncherID()

	a.mu.Lock()
	draft := a.drafts[chatID]
	a.mu.Unlock()

	if draft == nil {
		m, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
		if err != nil {
			return entities.NewError(entities.ErrAdapter, "telegram sendMessage failed", err)
		}
		if !final {
			a.mu.Lock()
			a.drafts[chatID] = &draftMessage{id: m.ID, text: text}
			a.mu.Unlock()
		}
		return nil
	}

	if draft.text != text {
		_, err := a.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: draft.id,
			Text:      text,
		})
		if err != nil {
			return entities.NewError(entities.ErrAdapter, "telegram editMessageText failed", err)
		}
		draft.text = text
	}
	if final {
		a.mu.Lock()
		delete(a.drafts, chatID)
		a.mu.Unlock()
	}
	return nil
}

func sourceOf(chain models.MessageChain) (models.Source, bool) {
	for _, el := range chain {
		if src, ok := el.(models.Source); ok {
			return src, true
		}
	}
	return models.Source{}, false
}
