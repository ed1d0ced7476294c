// Package entities holds the shared runtime state flowing through the
// pipeline: queries, sessions, conversations, and the adapter
// capability the core consumes.
package entities

import (
	"context"
	"sync/atomic"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/pkg/models"
)

var queryIDCounter atomic.Int64

// NextQueryID mints a process-local monotonically increasing query id.
func NextQueryID() int64 {
	return queryIDCounter.Add(1)
}

// MessagePlatformAdapter is the capability the core uses to talk to a
// platform. Concrete adapters live outside the pipeline.
type MessagePlatformAdapter interface {
	// Name returns the adapter kind ("telegram", "aiocqhttp", ...).
	Name() string
	// RunAsync starts listening for inbound events, blocking until ctx
	// is cancelled or the adapter fails.
	RunAsync(ctx context.Context) error
	// Kill stops the adapter cleanly.
	Kill(ctx context.Context) error
	// RegisterListener subscribes a handler for an inbound event type
	// ("FriendMessage" or "GroupMessage"). Registration happens before
	// RunAsync.
	RegisterListener(eventType string, handler func(ctx context.Context, event models.MessageEvent))
	// SelfID returns the bot's own account id, known once connected.
	SelfID() int64
	// ReplyMessage sends a chain in reply to an inbound event.
	ReplyMessage(ctx context.Context, event models.MessageEvent, chain models.MessageChain, quoteOrigin bool) error
	// IsMuted reports whether the bot is muted in a group. Adapters
	// without the capability return false, nil.
	IsMuted(ctx context.Context, groupID int64) (bool, error)
}

// StreamingReplier is an optional adapter capability: platforms that
// can edit a sent message implement it so a streamed partial response
// revises one reply in place. final marks the last revision for the
// event.
type StreamingReplier interface {
	ReplyMessageStreaming(ctx context.Context, event models.MessageEvent, chain models.MessageChain, final bool) error
}

// Query is one inbound message in flight through the pipeline.
type Query struct {
	ID int64

	LauncherType models.LauncherType
	LauncherID   int64
	SenderID     int64
	// SelfID is the bot's own platform account id, used for mention
	// detection and stripping.
	SelfID int64

	// MessageEvent is the original typed platform event, retained for
	// quoting and reply context.
	MessageEvent models.MessageEvent
	// MessageChain is the working copy of the inbound chain; stages
	// normalize it in place.
	MessageChain models.MessageChain

	Adapter MessagePlatformAdapter

	// Session is filled by the session-acquire stage.
	Session *Session
	// SessionPermitHeld is set once the session-acquire stage holds a
	// concurrency permit; the controller releases exactly what was
	// acquired, even when a plugin skipped the stage.
	SessionPermitHeld bool

	// Pipeline is the config snapshot frozen at dispatch time.
	Pipeline *config.Snapshot

	// Accumulators filled during traversal. Once a stage appends to
	// RespMessages, downstream stages only transform or append.
	PromptMessages   []models.Message
	UserMessage      *models.Message
	RespMessages     []*models.Message
	RespMessageChain []models.MessageChain

	// UseFuncs names the tools offered to the model for this query.
	UseFuncs []string

	// IsCommand marks queries routed to the command engine.
	IsCommand bool
}

// NewQuery builds a query with a fresh id.
func NewQuery(
	launcherType models.LauncherType,
	launcherID int64,
	senderID int64,
	event models.MessageEvent,
	chain models.MessageChain,
	adapter MessagePlatformAdapter,
	snapshot *config.Snapshot,
) *Query {
	return &Query{
		ID:           NextQueryID(),
		LauncherType: launcherType,
		LauncherID:   launcherID,
		SenderID:     senderID,
		MessageEvent: event,
		MessageChain: chain.Copy(),
		Adapter:      adapter,
		Pipeline:     snapshot,
	}
}

// LauncherKey renders the conversation bucket key ("person_123").
func (q *Query) LauncherKey() string {
	return LauncherKey(q.LauncherType, q.LauncherID)
}
