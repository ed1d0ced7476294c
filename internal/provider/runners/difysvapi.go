package runners

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// RunnerDify is the runner id of the Dify service API bridge.
const RunnerDify = "dify-service-api"

// DifyServiceAPI bridges queries to a Dify app over its service API.
// The remote conversation id is tracked on the conversation so
// follow-up messages stay in the same Dify thread.
type DifyServiceAPI struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDifyServiceAPI wires the Dify bridge runner.
func NewDifyServiceAPI(logger *slog.Logger) *DifyServiceAPI {
	if logger == nil {
		logger = slog.Default()
	}
	return &DifyServiceAPI{
		httpClient: &http.Client{},
		logger:     logger.With("runner", RunnerDify),
	}
}

func (r *DifyServiceAPI) Name() string { return RunnerDify }

type difyChatRequest struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   string         `json:"response_mode"`
	ConversationID string         `json:"conversation_id,omitempty"`
	User           string         `json:"user"`
}

type difyChatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message,omitempty"`
}

// Run sends the query text to Dify in blocking mode and yields the
// answer as a single final message.
func (r *DifyServiceAPI) Run(ctx context.Context, query *entities.Query) (<-chan Item, <-chan error) {
	items := make(chan Item, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(errs)
		msg, err := r.chat(ctx, query)
		if err != nil {
			errs <- err
			return
		}
		deliver(ctx, items, Item{Message: msg, Final: true})
	}()
	return items, errs
}

func (r *DifyServiceAPI) chat(ctx context.Context, query *entities.Query) (*models.Message, error) {
	cfg := query.Pipeline.Pipeline.AI.DifyServiceAPI
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, entities.NewError(entities.ErrConfig, "dify-service-api is not configured", nil)
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

	body, err := json.Marshal(difyChatRequest{
		Inputs:         map[string]any{},
		Query:          query.UserMessage.ReadableText(),
		ResponseMode:   "blocking",
		ConversationID: conv.RemoteID,
		User:           query.LauncherKey(),
	})
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(cfg.BaseURL, "/") + "/chat-messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, entities.NewError(entities.ErrRequester, "dify request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, entities.NewError(entities.ErrRequester, "dify response read failed", err)
	}

	var parsed difyChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, entities.NewError(entities.ErrRequester, "dify response is not JSON", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := parsed.Message
		if detail == "" {
			detail = string(data)
		}
		return nil, entities.NewError(entities.ErrRequester,
			fmt.Sprintf("dify returned %d: %s", resp.StatusCode, detail), nil)
	}

	if parsed.ConversationID != "" {
		conv.RemoteID = parsed.ConversationID
	}
	return &models.Message{Role: models.RoleAssistant, Content: parsed.Answer}, nil
}
