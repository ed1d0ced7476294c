package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/metrics"
	"github.com/RockChinQ/LangBot/internal/tools"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// RequesterAnthropic is the requester id of the Anthropic messages API
// shape.
const RequesterAnthropic = "anthropic-messages"

const anthropicDefaultMaxTokens = 4096

// AnthropicRequester speaks the Anthropic messages API.
type AnthropicRequester struct {
	cfg        config.RequesterConfig
	httpClient *http.Client
	mt         *metrics.Metrics
	logger     *slog.Logger
}

// NewAnthropicRequester creates the requester; Initialize must run
// before the first call.
func NewAnthropicRequester(cfg config.RequesterConfig, mt *metrics.Metrics, logger *slog.Logger) *AnthropicRequester {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicRequester{
		cfg:    cfg,
		mt:     mt,
		logger: logger.With("requester", RequesterAnthropic),
	}
}

func (r *AnthropicRequester) Name() string { return RequesterAnthropic }

// Initialize builds the shared HTTP client with timeout and proxy.
func (r *AnthropicRequester) Initialize(_ context.Context) error {
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

func (r *AnthropicRequester) client(key string) anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(r.httpClient),
	}
	if r.cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(r.cfg.BaseURL))
	}
	return anthropic.NewClient(opts...)
}

// Call performs one message creation. Deltas are not streamed from the
// wire; with a non-nil handler the final message is delivered once.
func (r *AnthropicRequester) Call(ctx context.Context, model *Model, messages []models.Message, funcs []*tools.Tool, handler StreamHandler) (*models.Message, error) {
	client := r.client(model.TokenMgr.Next())

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.WireName()),
		MaxTokens: r.maxTokens(),
	}
	system, converted := toAnthropicMessages(messages)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	params.Messages = converted
	if len(funcs) > 0 && model.ToolCallSupported {
		toolParams, err := toAnthropicTools(funcs)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	start := time.Now()
	resp, err := client.Messages.New(ctx, params)
	r.observe(model, start, err)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	final := fromAnthropicMessage(resp)
	if handler != nil {
		if final.Content != "" {
			handler(final.Content, false, nil)
		}
		handler("", true, final)
	}
	return final, nil
}

func (r *AnthropicRequester) maxTokens() int64 {
	if v, ok := r.cfg.Args["max-tokens"]; ok {
		if f, ok := v.(float64); ok && f > 0 {
			return int64(f)
		}
	}
	return anthropicDefaultMaxTokens
}

func (r *AnthropicRequester) observe(model *Model, start time.Time, err error) {
	if r.mt == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	r.mt.LLMRequestCounter.WithLabelValues(RequesterAnthropic, model.Name, status).Inc()
	r.mt.LLMRequestDuration.WithLabelValues(RequesterAnthropic, model.Name).Observe(time.Since(start).Seconds())
}

// toAnthropicMessages splits out the system prompt and converts the
// rest. Tool results fold into user messages, matching the API shape.
func toAnthropicMessages(messages []models.Message) (string, []anthropic.MessageParam) {
	system := ""
	out := make([]anthropic.MessageParam, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case models.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += msg.ReadableText()
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.ReadableText(), false),
			))
		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Function.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		default:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, part := range msg.ContentParts {
				switch part.Type {
				case models.ContentText:
					content = append(content, anthropic.NewTextBlock(part.Text))
				case models.ContentImageURL:
					content = append(content, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.ImageURL}))
				case models.ContentImageBase64:
					content = append(content, anthropic.NewImageBlockBase64("image/jpeg", part.ImageBase64))
				}
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewUserMessage(content...))
			}
		}
	}
	return system, out
}

func toAnthropicTools(funcs []*tools.Tool) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(funcs))
	for _, fn := range funcs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(fn.Parameters, &schema); err != nil {
			return nil, &RequesterError{Code: 0, Message: "invalid tool schema for " + fn.Name}
		}
		param := anthropic.ToolUnionParamOfTool(schema, fn.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(fn.Description)
		}
		out = append(out, param)
	}
	return out, nil
}

func fromAnthropicMessage(msg *anthropic.Message) *models.Message {
	out := &models.Message{Role: models.RoleAssistant}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += b.Text
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: models.FunctionCall{
					Name:      b.Name,
					Arguments: string(b.Input),
				},
			})
		}
	}
	return out
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &RequesterError{Code: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return err
}
