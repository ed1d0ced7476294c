// Package pipeline runs queries through the fixed stage sequence, from
// respond-rule checks to reply delivery.
package pipeline

import (
	"context"

	"github.com/RockChinQ/LangBot/internal/entities"
)

// Stage names, in declared traversal order.
const (
	StageGroupRespondRule = "GroupRespondRuleCheck"
	StageBanSession       = "BanSessionCheck"
	StagePreProcessor     = "PreProcessor"
	StageRateLimit        = "RateLimitCheck"
	StageSessionAcquire   = "SessionAcquire"
	StageProcessor        = "MessageProcessor"
	StageResponseWrapper  = "ResponseWrapper"
	StageSendReply        = "SendReply"
)

// Action is a stage's verdict on how traversal proceeds.
type Action int

const (
	// ActionContinue moves to the next stage.
	ActionContinue Action = iota
	// ActionInterrupt stops the traversal silently.
	ActionInterrupt
	// ActionJump moves to the named stage.
	ActionJump
	// ActionStream hands the controller a sequence of results, each fed
	// through the remaining stages in order.
	ActionStream
)

func (a Action) String() string {
	switch a {
	case ActionInterrupt:
		return "interrupt"
	case ActionJump:
		return "jump"
	case ActionStream:
		return "stream"
	default:
		return "continue"
	}
}

// Result is what a stage returns to the controller.
type Result struct {
	Action Action
	// JumpTo names the target stage for ActionJump.
	JumpTo string
	// Stream carries the result sequence for ActionStream. Each element
	// is treated as a fresh verdict for the remaining stages; an element
	// with Err set aborts the query.
	Stream <-chan *Result
	// Err is set on streamed elements that represent a failure.
	Err error
}

// Continue is the common all-clear result.
func Continue() *Result { return &Result{Action: ActionContinue} }

// Interrupt stops the query without error.
func Interrupt() *Result { return &Result{Action: ActionInterrupt} }

// Stage is one step of the pipeline. Implementations must be safe for
// concurrent queries.
type Stage interface {
	Name() string
	// Initialize prepares the stage at boot.
	Initialize(ctx context.Context) error
	// Process handles one query. The returned result steers traversal.
	Process(ctx context.Context, query *entities.Query) (*Result, error)
}
