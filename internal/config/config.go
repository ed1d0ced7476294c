// Package config loads, validates, and hot-reloads the five
// configuration bundles: command, pipeline, platform, provider, system.
package config

import (
	"github.com/RockChinQ/LangBot/pkg/models"
)

// Bundle names, used as file stems and schema ids.
const (
	BundleCommand  = "command"
	BundlePipeline = "pipeline"
	BundlePlatform = "platform"
	BundleProvider = "provider"
	BundleSystem   = "system"
)

// CommandConfig configures the command dispatcher.
type CommandConfig struct {
	// Prefix lists the accepted command prefixes, matched against the
	// start of the message text.
	Prefix []string `json:"command-prefix"`
	// Privilege overrides the required privilege level per command
	// path ("reset", "plugin.on", ...). Values follow
	// commands.Privilege ordering.
	Privilege map[string]int `json:"privilege,omitempty"`
}

// RespondRule decides whether the bot answers a group message.
type RespondRule struct {
	// At responds when the bot is mentioned.
	At bool `json:"at"`
	// Prefix responds when the text starts with one of these; the
	// matched prefix is stripped.
	Prefix []string `json:"prefix,omitempty"`
	// Regexp responds when the text matches one of these patterns.
	Regexp []string `json:"regexp,omitempty"`
	// Random responds with this probability regardless of content.
	Random float64 `json:"random,omitempty"`
}

// AccessControl is the ban/allow list for launchers.
type AccessControl struct {
	// Mode is "blacklist" or "whitelist".
	Mode string `json:"mode"`
	// Entries are "person_<id>", "group_<id>", "person_*", "group_*".
	Blacklist []string `json:"blacklist,omitempty"`
	Whitelist []string `json:"whitelist,omitempty"`
}

// TriggerConfig gates which inbound messages enter the AI flow.
type TriggerConfig struct {
	// GroupRespondRules maps group id (or "default") to a rule.
	GroupRespondRules map[string]RespondRule `json:"group-respond-rules,omitempty"`
	AccessControl     AccessControl          `json:"access-control"`
}

// LocalAgentConfig configures the built-in tool-calling runner.
type LocalAgentConfig struct {
	// Model is the model name registered in the provider bundle.
	Model string `json:"model"`
	// Prompt is the system prompt template, one message per entry.
	Prompt []models.Message `json:"prompt,omitempty"`
	// MaxToolIterations bounds the tool-call recursion.
	MaxToolIterations int `json:"max-tool-iterations"`
	// MaxPromptTokens bounds the truncated request size.
	MaxPromptTokens int `json:"max-prompt-tokens"`
	// Stream forwards partial deltas through the pipeline.
	Stream bool `json:"stream"`
}

// DifyServiceAPIConfig configures the Dify workflow bridge runner.
type DifyServiceAPIConfig struct {
	BaseURL string `json:"base-url"`
	APIKey  string `json:"api-key"`
	Timeout int    `json:"timeout,omitempty"`
}

// CozeAPIConfig configures the Coze chat bridge runner.
type CozeAPIConfig struct {
	BaseURL string `json:"base-url"`
	APIKey  string `json:"api-key"`
	BotID   string `json:"bot-id"`
	Timeout int    `json:"timeout,omitempty"`
}

// AIConfig selects and configures the runner.
type AIConfig struct {
	// Runner is "local-agent", "dify-service-api", or "coze-api".
	Runner         string               `json:"runner"`
	LocalAgent     LocalAgentConfig     `json:"local-agent"`
	DifyServiceAPI DifyServiceAPIConfig `json:"dify-service-api,omitempty"`
	CozeAPI        CozeAPIConfig        `json:"coze-api,omitempty"`
}

// RateLimitConfig is the fixed-window per-launcher rate limit.
type RateLimitConfig struct {
	// Strategy is "drop" or "wait".
	Strategy string `json:"strategy"`
	// WindowLength is the window size in seconds.
	WindowLength int `json:"window-length"`
	// Limitation is the number of queries allowed per window.
	Limitation int `json:"limitation"`
}

// PipelineConfig is the pipeline bundle.
type PipelineConfig struct {
	Trigger   TriggerConfig   `json:"trigger"`
	AI        AIConfig        `json:"ai"`
	RateLimit RateLimitConfig `json:"rate-limit"`
}

// PlatformConfig is the platform bundle.
type PlatformConfig struct {
	// AtSender prefixes group replies with a mention of the sender.
	AtSender bool `json:"at-sender"`
	// QuoteOrigin sends replies quoting the inbound message.
	QuoteOrigin bool `json:"quote-origin"`
	// RespectGroupMute drops replies while the bot is muted in a group.
	RespectGroupMute bool `json:"respect-group-mute"`
	// BotAdmins lists sender ids holding bot-admin privilege.
	BotAdmins []int64 `json:"bot-admins,omitempty"`
	// Bots seeds the bot store on first boot.
	Bots []models.Bot `json:"bots,omitempty"`
}

// RequesterConfig is the HTTP client settings for one requester.
type RequesterConfig struct {
	BaseURL string         `json:"base-url,omitempty"`
	Timeout int            `json:"timeout,omitempty"`
	Proxy   string         `json:"proxy,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

// ModelConfig declares one usable model.
type ModelConfig struct {
	Name string `json:"name"`
	// Requester names the API shape: "openai-chat-completions" or
	// "anthropic-messages".
	Requester string `json:"requester"`
	// ProviderModelName overrides the name sent on the wire.
	ProviderModelName string `json:"provider-model-name,omitempty"`
	ToolCallSupported bool   `json:"tool-call-supported"`
	// TokenEncoding is the tiktoken encoding used for counting.
	TokenEncoding string `json:"token-encoding,omitempty"`
}

// ProviderConfig is the provider bundle.
type ProviderConfig struct {
	// Keys maps requester name to its API key ring.
	Keys       map[string][]string        `json:"keys"`
	Requesters map[string]RequesterConfig `json:"requesters,omitempty"`
	Models     []ModelConfig              `json:"models"`
}

// HTTPAPIConfig configures the control plane listener.
type HTTPAPIConfig struct {
	Enable bool   `json:"enable"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	// JWTSecret signs control-plane bearer tokens. Empty disables
	// mutating routes.
	JWTSecret string `json:"jwt-secret,omitempty"`
	// JWTExpire is the token lifetime in seconds.
	JWTExpire int `json:"jwt-expire,omitempty"`
	// AdminPassword authenticates the auth route.
	AdminPassword string `json:"admin-password,omitempty"`
}

// SessionConcurrencyConfig caps in-flight queries per session.
type SessionConcurrencyConfig struct {
	Default int64 `json:"default"`
	// Overrides maps "person_<id>" / "group_<id>" to a cap.
	Overrides map[string]int64 `json:"overrides,omitempty"`
}

// SystemConfig is the system bundle.
type SystemConfig struct {
	HTTPAPI             HTTPAPIConfig            `json:"http-api"`
	PipelineConcurrency int                      `json:"pipeline-concurrency"`
	SessionConcurrency  SessionConcurrencyConfig `json:"session-concurrency"`
	// SessionExpireTime is the idle TTL in seconds.
	SessionExpireTime int `json:"session-expire-time"`
	// PipelineTimeout is the per-query wall clock in seconds.
	PipelineTimeout int `json:"pipeline-timeout"`
	// LLMTimeout is the per-request ceiling in seconds.
	LLMTimeout int `json:"llm-timeout"`
	// TimeoutReply, when set, is sent if the pipeline times out before
	// any reply went out.
	TimeoutReply string `json:"timeout-reply,omitempty"`
	// ErrorReplyTemplate formats user-visible internal errors; "{}"
	// is replaced with the message.
	ErrorReplyTemplate string `json:"error-reply-template,omitempty"`
	LoggingLevel       string `json:"logging-level"`
	// DatabasePath is the sqlite file holding sessions and bots.
	DatabasePath string `json:"database-path"`
}

// DefaultCommand returns the command bundle defaults.
func DefaultCommand() *CommandConfig {
	return &CommandConfig{
		Prefix: []string{"!", "！"},
	}
}

// DefaultPipeline returns the pipeline bundle defaults.
func DefaultPipeline() *PipelineConfig {
	return &PipelineConfig{
		Trigger: TriggerConfig{
			GroupRespondRules: map[string]RespondRule{
				"default": {At: true},
			},
			AccessControl: AccessControl{Mode: "blacklist"},
		},
		AI: AIConfig{
			Runner: "local-agent",
			LocalAgent: LocalAgentConfig{
				Model:             "gpt-4o",
				MaxToolIterations: 10,
				MaxPromptTokens:   8192,
			},
		},
		RateLimit: RateLimitConfig{
			Strategy:     "drop",
			WindowLength: 60,
			Limitation:   60,
		},
	}
}

// DefaultPlatform returns the platform bundle defaults.
func DefaultPlatform() *PlatformConfig {
	return &PlatformConfig{
		AtSender:         true,
		QuoteOrigin:      false,
		RespectGroupMute: true,
	}
}

// DefaultProvider returns the provider bundle defaults.
func DefaultProvider() *ProviderConfig {
	return &ProviderConfig{
		Keys: map[string][]string{},
		Models: []ModelConfig{
			{Name: "gpt-4o", Requester: "openai-chat-completions", ToolCallSupported: true},
			{Name: "gpt-4o-mini", Requester: "openai-chat-completions", ToolCallSupported: true},
			{Name: "claude-sonnet-4-20250514", Requester: "anthropic-messages", ToolCallSupported: true, TokenEncoding: "cl100k_base"},
		},
	}
}

// DefaultSystem returns the system bundle defaults.
func DefaultSystem() *SystemConfig {
	return &SystemConfig{
		HTTPAPI: HTTPAPIConfig{
			Enable:    true,
			Host:      "0.0.0.0",
			Port:      5300,
			JWTExpire: 604800,
		},
		PipelineConcurrency: 4,
		SessionConcurrency:  SessionConcurrencyConfig{Default: 1},
		SessionExpireTime:   1200,
		PipelineTimeout:     120,
		LLMTimeout:          120,
		ErrorReplyTemplate:  "❌ 请求处理失败: {}",
		LoggingLevel:        "info",
		DatabasePath:        "data/langbot.db",
	}
}
