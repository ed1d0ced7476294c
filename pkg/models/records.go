package models

import "time"

// Bot is the persistence record of a configured platform bot.
type Bot struct {
	UUID          string         `json:"uuid"`
	Name          string         `json:"name"`
	AdapterName   string         `json:"adapter"`
	AdapterConfig map[string]any `json:"adapter_config"`
	Enable        bool           `json:"enable"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// SessionStatus is the lifecycle state of a persisted session.
type SessionStatus string

const (
	SessionOnGoing          SessionStatus = "on_going"
	SessionExplicitlyClosed SessionStatus = "explicitly_closed"
	SessionExpired          SessionStatus = "expired"
)

// SessionRecord is the persisted shape of a session.
type SessionRecord struct {
	LauncherType   LauncherType  `json:"launcher_type"`
	LauncherID     int64         `json:"launcher_id"`
	CreateTS       time.Time     `json:"create_ts"`
	LastInteractTS time.Time     `json:"last_interact_ts"`
	Prompt         string        `json:"prompt"`         // JSON-encoded Prompt
	DefaultPrompt  string        `json:"default_prompt"` // JSON-encoded Prompt
	History        string        `json:"history"`        // JSON-encoded []Message
	TokenCounts    string        `json:"token_counts"`   // JSON-encoded []int
	Status         SessionStatus `json:"status"`
}
