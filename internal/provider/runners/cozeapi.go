package runners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// RunnerCoze is the runner id of the Coze v3 chat bridge.
const RunnerCoze = "coze-api"

const cozePollInterval = time.Second

// CozeAPI bridges queries to a Coze bot: create the chat, poll until
// it completes, then fetch the answer messages.
type CozeAPI struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewCozeAPI wires the Coze bridge runner.
func NewCozeAPI(logger *slog.Logger) *CozeAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CozeAPI{
		httpClient: &http.Client{},
		logger:     logger.With("runner", RunnerCoze),
	}
}

func (r *CozeAPI) Name() string { return RunnerCoze }

type cozeMessage struct {
	Role        string `json:"role"`
	Type        string `json:"type,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type cozeChatRequest struct {
	BotID              string        `json:"bot_id"`
	UserID             string        `json:"user_id"`
	Stream             bool          `json:"stream"`
	AutoSaveHistory    bool          `json:"auto_save_history"`
	AdditionalMessages []cozeMessage `json:"additional_messages"`
}

type cozeChat struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	LastError      *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error,omitempty"`
}

type cozeEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Run creates a Coze chat for the query and yields each answer message
// in order once the chat completes.
func (r *CozeAPI) Run(ctx context.Context, query *entities.Query) (<-chan Item, <-chan error) {
	items := make(chan Item, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)
		msgs, err := r.chat(ctx, query)
		if err != nil {
			errs <- err
			return
		}
		for i, msg := range msgs {
			deliver(ctx, items, Item{Message: msg, Final: i == len(msgs)-1})
		}
	}()
	return items, errs
}

func (r *CozeAPI) chat(ctx context.Context, query *entities.Query) ([]*models.Message, error) {
	cfg := query.Pipeline.Pipeline.AI.CozeAPI
	if cfg.APIKey == "" || cfg.BotID == "" {
		return nil, entities.NewError(entities.ErrConfig, "coze-api is not configured", nil)
	}
	conv := query.Session.Using()
	if conv == nil {
		return nil, entities.NewError(entities.ErrSession, "no active conversation", nil)
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.coze.cn"
	}

	chat, err := r.createChat(ctx, base, cfg.APIKey, cfg.BotID, conv.RemoteID, query)
	if err != nil {
		return nil, err
	}
	if chat.ConversationID != "" {
		conv.RemoteID = chat.ConversationID
	}

	if err := r.waitCompleted(ctx, base, cfg.APIKey, chat); err != nil {
		return nil, err
	}
	return r.listAnswers(ctx, base, cfg.APIKey, chat)
}

func (r *CozeAPI) createChat(ctx context.Context, base, apiKey, botID, remoteID string, query *entities.Query) (*cozeChat, error) {
	endpoint := base + "/v3/chat"
	if remoteID != "" {
		endpoint += "?conversation_id=" + url.QueryEscape(remoteID)
	}
	body, err := json.Marshal(cozeChatRequest{
		BotID:           botID,
		UserID:          query.LauncherKey(),
		Stream:          false,
		AutoSaveHistory: true,
		AdditionalMessages: []cozeMessage{{
			Role:        "user",
			Content:     query.UserMessage.ReadableText(),
			ContentType: "text",
		}},
	})
	if err != nil {
		return nil, err
	}

	var chat cozeChat
	if err := r.call(ctx, http.MethodPost, endpoint, apiKey, body, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *CozeAPI) waitCompleted(ctx context.Context, base, apiKey string, chat *cozeChat) error {
	endpoint := fmt.Sprintf("%s/v3/chat/retrieve?chat_id=%s&conversation_id=%s",
		base, url.QueryEscape(chat.ID), url.QueryEscape(chat.ConversationID))

	ticker := time.NewTicker(cozePollInterval)
	defer ticker.Stop()
	for {
		switch chat.Status {
		case "completed":
			return nil
		case "failed", "requires_action", "canceled":
			detail := chat.Status
			if chat.LastError != nil && chat.LastError.Msg != "" {
				detail = chat.LastError.Msg
			}
			return entities.NewError(entities.ErrRequester, "coze chat failed: "+detail, nil)
		}
		select {
		case <-ctx.Done():
			return entities.NewError(entities.ErrRequester, "coze chat timed out", ctx.Err())
		case <-ticker.C:
		}
		var polled cozeChat
		if err := r.call(ctx, http.MethodGet, endpoint, apiKey, nil, &polled); err != nil {
			return err
		}
		*chat = polled
	}
}

func (r *CozeAPI) listAnswers(ctx context.Context, base, apiKey string, chat *cozeChat) ([]*models.Message, error) {
	endpoint := fmt.Sprintf("%s/v3/chat/message/list?chat_id=%s&conversation_id=%s",
		base, url.QueryEscape(chat.ID), url.QueryEscape(chat.ConversationID))

	var listed []cozeMessage
	if err := r.call(ctx, http.MethodGet, endpoint, apiKey, nil, &listed); err != nil {
		return nil, err
	}

	var out []*models.Message
	for _, m := range listed {
		if m.Role != "assistant" || m.Type != "answer" {
			continue
		}
		out = append(out, &models.Message{Role: models.RoleAssistant, Content: m.Content})
	}
	if len(out) == 0 {
		return nil, entities.NewError(entities.ErrRequester, "coze chat produced no answer", nil)
	}
	return out, nil
}

func (r *CozeAPI) call(ctx context.Context, method, endpoint, apiKey string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return entities.NewError(entities.ErrRequester, "coze request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return entities.NewError(entities.ErrRequester, "coze response read failed", err)
	}
	var env cozeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return entities.NewError(entities.ErrRequester, "coze response is not JSON", err)
	}
	if resp.StatusCode != http.StatusOK || env.Code != 0 {
		return entities.NewError(entities.ErrRequester,
			fmt.Sprintf("coze returned %d (code %d): %s", resp.StatusCode, env.Code, env.Msg), nil)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return entities.NewError(entities.ErrRequester, "coze data decode failed", err)
		}
	}
	return nil
}
