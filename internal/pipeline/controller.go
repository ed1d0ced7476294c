package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/internal/metrics"
	"github.com/RockChinQ/LangBot/internal/plugin"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// Controller walks one query through the stage sequence. Stage order
// is fixed at construction.
type Controller struct {
	stages  []Stage
	indexes map[string]int
	host    *plugin.Host
	mt      *metrics.Metrics
	logger  *slog.Logger
}

// NewController builds a controller over the given stages, in order.
func NewController(stages []Stage, host *plugin.Host, mt *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	indexes := make(map[string]int, len(stages))
	for i, s := range stages {
		indexes[s.Name()] = i
	}
	return &Controller{
		stages:  stages,
		indexes: indexes,
		host:    host,
		mt:      mt,
		logger:  logger.With("component", "pipeline"),
	}
}

// Initialize prepares every stage.
func (c *Controller) Initialize(ctx context.Context) error {
	for _, s := range c.stages {
		if err := s.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize stage %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Process runs one query to completion. The session permit acquired by
// the session-acquire stage is released on every exit path.
func (c *Controller) Process(ctx context.Context, query *entities.Query) {
	timeout := time.Duration(query.Pipeline.System.PipelineTimeout) * time.Second
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// The session-acquire stage marks the query when it holds a permit.
	// A plugin may prevent that stage entirely, so the release keys off
	// the marker, not the stage having been visited.
	defer func() {
		if query.SessionPermitHeld && query.Session != nil {
			query.Session.Semaphore.Release(1)
			query.SessionPermitHeld = false
		}
	}()

	result := "ok"
	i := 0
	for i < len(c.stages) {
		stage := c.stages[i]

		verdict, err := c.runStage(ctx, stage, query)
		if err != nil {
			c.handleError(ctx, query, stage.Name(), err)
			result = "error"
			break
		}
		switch verdict.Action {
		case ActionContinue:
			i++
		case ActionInterrupt:
			result = "dropped"
			i = len(c.stages)
		case ActionJump:
			target, ok := c.indexes[verdict.JumpTo]
			if !ok || target <= i {
				c.handleError(ctx, query, stage.Name(),
					entities.NewError(entities.ErrInternal,
						fmt.Sprintf("invalid jump target %q", verdict.JumpTo), nil))
				result = "error"
				i = len(c.stages)
				continue
			}
			i = target
		case ActionStream:
			if err := c.consumeStream(ctx, query, i+1, verdict.Stream); err != nil {
				c.handleError(ctx, query, stage.Name(), err)
				result = "error"
			}
			i = len(c.stages)
		}
	}

	if c.mt != nil {
		c.mt.QueryCounter.WithLabelValues(string(query.LauncherType), result).Inc()
	}
}

// consumeStream feeds each streamed result through the remaining
// stages, starting at from.
func (c *Controller) consumeStream(ctx context.Context, query *entities.Query, from int, stream <-chan *Result) error {
	for {
		select {
		case <-ctx.Done():
			return entities.NewError(entities.ErrInternal, "pipeline cancelled", ctx.Err())
		case item, ok := <-stream:
			if !ok {
				return nil
			}
			if item.Err != nil {
				return item.Err
			}
			if item.Action == ActionInterrupt {
				continue
			}
			for i := from; i < len(c.stages); i++ {
				verdict, err := c.runStage(ctx, c.stages[i], query)
				if err != nil {
					return err
				}
				if verdict.Action == ActionInterrupt {
					break
				}
			}
		}
	}
}

// runStage wraps a stage call with the before/after events and the
// duration metric. A prevented stage is skipped with a continue.
func (c *Controller) runStage(ctx context.Context, stage Stage, query *entities.Query) (*Result, error) {
	ec := c.host.Emit(ctx, plugin.StageBefore{Query: query, StageName: stage.Name()})
	if ec.IsPrevented() {
		c.logger.Debug("stage skipped by plugin", "stage", stage.Name(), "query", query.ID)
		return Continue(), nil
	}

	start := time.Now()
	verdict, err := stage.Process(ctx, query)
	if c.mt != nil {
		c.mt.StageDuration.WithLabelValues(stage.Name()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if verdict == nil {
		verdict = Continue()
	}

	c.host.Emit(ctx, plugin.StageAfter{
		Query:     query,
		StageName: stage.Name(),
		Action:    verdict.Action.String(),
	})
	return verdict, nil
}

// handleError emits the unhandled-exception event and sends the
// user-visible error reply.
func (c *Controller) handleError(ctx context.Context, query *entities.Query, stageName string, err error) {
	c.logger.Error("query failed",
		"query", query.ID, "stage", stageName,
		"kind", string(entities.KindOf(err)), "error", err)
	c.host.Emit(ctx, plugin.UnhandledException{Query: query, Err: err})

	reply := c.errorReply(query.Pipeline.System, err)
	if reply == "" || query.Adapter == nil {
		return
	}
	// The send context may already be dead; give the reply its own.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if sendErr := query.Adapter.ReplyMessage(sendCtx, query.MessageEvent,
		models.NewPlainChain(reply), false); sendErr != nil {
		c.logger.Error("error reply delivery failed", "query", query.ID, "error", sendErr)
	}
}

// errorReply renders the user-facing text for a failure. Timeouts use
// the dedicated reply when configured.
func (c *Controller) errorReply(sys *config.SystemConfig, err error) string {
	if errors.Is(err, context.DeadlineExceeded) && sys.TimeoutReply != "" {
		return sys.TimeoutReply
	}
	template := sys.ErrorReplyTemplate
	if template == "" {
		return ""
	}
	var message string
	var pe *entities.PipelineError
	if errors.As(err, &pe) {
		message = pe.Message
	} else {
		message = "内部错误"
	}
	return strings.Replace(template, "{}", message, 1)
}
