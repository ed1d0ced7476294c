package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/metrics"
	"github.com/RockChinQ/LangBot/internal/tools"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// RequesterOpenAI is the requester id of the OpenAI chat-completions
// API shape.
const RequesterOpenAI = "openai-chat-completions"

// OpenAIRequester speaks the OpenAI chat-completions API, including
// third-party endpoints exposing the same shape via base-url.
type OpenAIRequester struct {
	cfg        config.RequesterConfig
	httpClient *http.Client
	mt         *metrics.Metrics
	logger     *slog.Logger
}

// NewOpenAIRequester creates the requester; Initialize must run before
// the first call.
func NewOpenAIRequester(cfg config.RequesterConfig, mt *metrics.Metrics, logger *slog.Logger) *OpenAIRequester {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIRequester{
		cfg:    cfg,
		mt:     mt,
		logger: logger.With("requester", RequesterOpenAI),
	}
}

func (r *OpenAIRequester) Name() string { return RequesterOpenAI }

// Initialize builds the shared HTTP client with timeout and proxy.
func (r *OpenAIRequester) Initialize(_ context.Context) error {
	transport := &http.Transport{}
	if r.cfg.Proxy != "" {
		proxyURL, err := url.Parse(r.cfg.Proxy)
		if err != nil {
			return err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	timeout := time.Duration(r.cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	r.httpClient = &http.Client{Transport: transport, Timeout: timeout}
	return nil
}

func (r *OpenAIRequester) client(key string) *openai.Client {
	cfg := openai.DefaultConfig(key)
	if r.cfg.BaseURL != "" {
		cfg.BaseURL = r.cfg.BaseURL
	}
	cfg.HTTPClient = r.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Call performs one chat completion, streaming deltas through handler
// when it is non-nil.
func (r *OpenAIRequester) Call(ctx context.Context, model *Model, messages []models.Message, funcs []*tools.Tool, handler StreamHandler) (*models.Message, error) {
	client := r.client(model.TokenMgr.Next())

	req := openai.ChatCompletionRequest{
		Model:    model.WireName(),
		Messages: toOpenAIMessages(messages),
	}
	if len(funcs) > 0 && model.ToolCallSupported {
		req.Tools = toOpenAITools(funcs)
	}
	applyOpenAIArgs(&req, r.cfg.Args)

	start := time.Now()
	var msg *models.Message
	var err error
	if handler == nil {
		msg, err = r.callBlocking(ctx, client, req)
	} else {
		msg, err = r.callStreaming(ctx, client, req, handler)
	}
	r.observe(model, start, err)
	return msg, err
}

func (r *OpenAIRequester) callBlocking(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (*models.Message, error) {
	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &RequesterError{Code: 0, Message: "empty choices in response"}
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

func (r *OpenAIRequester) callStreaming(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, handler StreamHandler) (*models.Message, error) {
	req.Stream = true
	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	defer stream.Close()

	final := &models.Message{Role: models.RoleAssistant}
	// Tool calls stream incrementally, keyed by index.
	pending := map[int]*models.ToolCall{}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, wrapOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			final.Content += delta.Content
			handler(delta.Content, false, nil)
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call := pending[idx]
			if call == nil {
				call = &models.ToolCall{Type: "function"}
				pending[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
	}

	indexes := make([]int, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		if pending[idx].ID != "" {
			final.ToolCalls = append(final.ToolCalls, *pending[idx])
		}
	}

	handler("", true, final)
	return final, nil
}

// GenerateImage produces one image URL from a prompt.
func (r *OpenAIRequester) GenerateImage(ctx context.Context, model *Model, prompt string) (string, error) {
	client := r.client(model.TokenMgr.Next())
	resp, err := client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          openai.CreateImageModelDallE3,
		N:              1,
		Size:           openai.CreateImageSize1024x1024,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	if len(resp.Data) == 0 {
		return "", &RequesterError{Code: 0, Message: "empty image response"}
	}
	return resp.Data[0].URL, nil
}

func (r *OpenAIRequester) observe(model *Model, start time.Time, err error) {
	if r.mt == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.mt.LLMRequestCounter.WithLabelValues(RequesterOpenAI, model.Name, status).Inc()
	r.mt.LLMRequestDuration.WithLabelValues(RequesterOpenAI, model.Name).Observe(time.Since(start).Seconds())
}

func applyOpenAIArgs(req *openai.ChatCompletionRequest, args map[string]any) {
	for key, value := range args {
		switch key {
		case "temperature":
			if v, ok := value.(float64); ok {
				req.Temperature = float32(v)
			}
		case "top_p":
			if v, ok := value.(float64); ok {
				req.TopP = float32(v)
			}
		case "max-tokens", "max_tokens":
			if v, ok := value.(float64); ok {
				req.MaxTokens = int(v)
			}
		}
	}
}

func toOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		m := openai.ChatCompletionMessage{Role: string(msg.Role)}
		if len(msg.ContentParts) > 0 {
			m.MultiContent = toOpenAIParts(msg.ContentParts)
		} else {
			m.Content = msg.Content
		}
		for _, call := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		if msg.Role == models.RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		out = append(out, m)
	}
	return out
}

func toOpenAIParts(parts []models.ContentElement) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case models.ContentText:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case models.ContentImageURL:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		case models.ContentImageBase64:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    "data:image/jpeg;base64," + part.ImageBase64,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	return out
}

func toOpenAITools(funcs []*tools.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(funcs))
	for _, fn := range funcs {
		var schema map[string]any
		if err := json.Unmarshal(fn.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

func fromOpenAIMessage(msg openai.ChatCompletionMessage) *models.Message {
	out := &models.Message{
		Role:    models.Role(msg.Role),
		Content: msg.Content,
	}
	for _, call := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:   call.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return out
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &RequesterError{Code: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &RequesterError{Code: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return err
}
