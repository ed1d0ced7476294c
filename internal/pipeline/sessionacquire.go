package pipeline

import (
	"context"
	"log/slog"

	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/internal/sessions"
)

// SessionAcquireStage binds the query to its session and takes one
// concurrency permit. The controller releases the permit when the
// query finishes, on every path.
type SessionAcquireStage struct {
	sessmgr *sessions.Manager
	host    *plugin.Host
	logger  *slog.Logger
}

// NewSessionAcquireStage creates the stage.
func NewSessionAcquireStage(sessmgr *sessions.Manager, host *plugin.Host, logger *slog.Logger) *SessionAcquireStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAcquireStage{
		sessmgr: sessmgr,
		host:    host,
		logger:  logger.With("stage", StageSessionAcquire),
	}
}

func (s *SessionAcquireStage) Name() string { return StageSessionAcquire }

func (s *SessionAcquireStage) Initialize(_ context.Context) error { return nil }

func (s *SessionAcquireStage) Process(ctx context.Context, query *entities.Query) (*Result, error) {
	session, created := s.sessmgr.GetSession(query.LauncherType, query.LauncherID)
	query.Session = session
	session.Touch()

	if created {
		s.host.Emit(ctx, plugin.SessionFirstMessage{
			Session: session,
			Chain:   query.MessageChain,
		})
	}

	conv := s.sessmgr.EnsureConversation(session, query.Pipeline)
	query.PromptMessages = conv.Prompt.Messages
	if query.UseFuncs == nil {
		query.UseFuncs = conv.UseFuncs
	}

	// Last step on purpose: nothing above can fail while holding the
	// permit.
	if err := session.Semaphore.Acquire(ctx, 1); err != nil {
		return nil, entities.NewError(entities.ErrSession, "session acquire aborted", err)
	}
	query.SessionPermitHeld = true
	return Continue(), nil
}
