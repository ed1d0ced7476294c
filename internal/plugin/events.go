// Package plugin implements the event bus that lets extensions observe
// and mutate every pipeline stage.
package plugin

import (
	"sync"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// Event names form a closed set.
const (
	EventPersonMessageReceived  = "person_message_received"
	EventGroupMessageReceived   = "group_message_received"
	EventNormalMessageResponded = "normal_message_responded"
	EventSessionFirstMessage    = "session.first_message"
	EventSessionExpired         = "session.expired"
	EventSessionReset           = "session.reset"
	EventPromptPreProcess       = "prompt.pre_process"
	EventStageBefore            = "stage.before"
	EventStageAfter             = "stage.after"
	EventUnhandledException     = "unhandled_exception"
)

// Return keys plugins may write; the core reads them at well-defined
// points.
const (
	ReturnReply  = "reply"  // models.MessageChain
	ReturnPrompt = "prompt" // []models.Message
)

// Event is a typed bus payload.
type Event interface {
	EventName() string
}

// PersonMessageReceived fires when a direct message enters the
// pipeline, before any processing.
type PersonMessageReceived struct {
	Query *entities.Query
}

func (PersonMessageReceived) EventName() string { return EventPersonMessageReceived }

// GroupMessageReceived fires when a group message passes the respond
// rules.
type GroupMessageReceived struct {
	Query *entities.Query
}

func (GroupMessageReceived) EventName() string { return EventGroupMessageReceived }

// NormalMessageResponded fires after the chat handler produced a reply,
// before it is sent.
type NormalMessageResponded struct {
	Query         *entities.Query
	ResponseText  string
	FinishedChain models.MessageChain
}

func (NormalMessageResponded) EventName() string { return EventNormalMessageResponded }

// SessionFirstMessage fires when a session handles its first query.
type SessionFirstMessage struct {
	Session *entities.Session
	Chain   models.MessageChain
}

func (SessionFirstMessage) EventName() string { return EventSessionFirstMessage }

// SessionExpired fires exactly once when the sweeper closes a session.
type SessionExpired struct {
	Session *entities.Session
}

func (SessionExpired) EventName() string { return EventSessionExpired }

// SessionReset fires on explicit reset.
type SessionReset struct {
	Session *entities.Session
}

func (SessionReset) EventName() string { return EventSessionReset }

// PromptPreProcess fires before the runner builds the request; plugins
// may rewrite the prompt via the ReturnPrompt key.
type PromptPreProcess struct {
	Query         *entities.Query
	DefaultPrompt []models.Message
}

func (PromptPreProcess) EventName() string { return EventPromptPreProcess }

// StageBefore fires before each stage; prevent_default skips the stage.
type StageBefore struct {
	Query     *entities.Query
	StageName string
}

func (StageBefore) EventName() string { return EventStageBefore }

// StageAfter fires after each stage.
type StageAfter struct {
	Query     *entities.Query
	StageName string
	Action    string
}

func (StageAfter) EventName() string { return EventStageAfter }

// UnhandledException fires when an error escapes to the controller.
type UnhandledException struct {
	Query *entities.Query
	Err   error
}

func (UnhandledException) EventName() string { return EventUnhandledException }

// EventContext wraps an event during dispatch, accumulating listener
// returns and the prevent_default flag.
type EventContext struct {
	Event Event

	mu             sync.Mutex
	preventDefault bool
	returns        map[string][]any
}

// NewEventContext wraps an event for dispatch.
func NewEventContext(event Event) *EventContext {
	return &EventContext{
		Event:   event,
		returns: make(map[string][]any),
	}
}

// PreventDefault marks the default behavior as suppressed.
func (ec *EventContext) PreventDefault() {
	ec.mu.Lock()
	ec.preventDefault = true
	ec.mu.Unlock()
}

// IsPrevented reports whether a listener suppressed the default.
func (ec *EventContext) IsPrevented() bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.preventDefault
}

// AddReturn appends a value under a return key.
func (ec *EventContext) AddReturn(key string, value any) {
	ec.mu.Lock()
	ec.returns[key] = append(ec.returns[key], value)
	ec.mu.Unlock()
}

// Returns reads all values accumulated under a key.
func (ec *EventContext) Returns(key string) []any {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]any, len(ec.returns[key]))
	copy(out, ec.returns[key])
	return out
}

// ReplyChains reads the ReturnReply key as message chains. Plain
// strings are promoted to single-segment chains.
func (ec *EventContext) ReplyChains() []models.MessageChain {
	var chains []models.MessageChain
	for _, v := range ec.Returns(ReturnReply) {
		switch r := v.(type) {
		case models.MessageChain:
			chains = append(chains, r)
		case string:
			chains = append(chains, models.NewPlainChain(r))
		}
	}
	return chains
}

// PromptReturns reads the ReturnPrompt key as message lists.
func (ec *EventContext) PromptReturns() [][]models.Message {
	var out [][]models.Message
	for _, v := range ec.Returns(ReturnPrompt) {
		if msgs, ok := v.([]models.Message); ok {
			out = append(out, msgs)
		}
	}
	return out
}
