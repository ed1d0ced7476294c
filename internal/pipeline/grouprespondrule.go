package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"

	"github.com/RockChinQ/LangBot/internal/config"
	"github.com/RockChinQ/LangBot/internal/entities"
	"github.com/RockChinQ/LangBot/pkg/models"
)

// GroupRespondRuleStage decides whether a group message deserves a
// response. Direct messages always pass.
type GroupRespondRuleStage struct {
	logger *slog.Logger
}

// NewGroupRespondRuleStage creates the stage.
func NewGroupRespondRuleStage(logger *slog.Logger) *GroupRespondRuleStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupRespondRuleStage{logger: logger.With("stage", StageGroupRespondRule)}
}

func (s *GroupRespondRuleStage) Name() string { return StageGroupRespondRule }

func (s *GroupRespondRuleStage) Initialize(_ context.Context) error { return nil }

func (s *GroupRespondRuleStage) Process(_ context.Context, query *entities.Query) (*Result, error) {
	if query.LauncherType != models.LauncherGroup {
		return Continue(), nil
	}

	rule := s.ruleFor(query)

	if rule.At && query.MessageChain.HasAt(query.SelfID) {
		return Continue(), nil
	}

	for _, prefix := range rule.Prefix {
		if trimmed, ok := query.MessageChain.TrimPlainPrefix(prefix); ok {
			// The matched prefix is conversation noise, not content.
			query.MessageChain = trimmed
			return Continue(), nil
		}
	}

	text := query.MessageChain.PlainText()
	for _, pattern := range rule.Regexp {
		re, err := regexp.Compile(pattern)
		if err != nil {
			s.logger.Warn("invalid respond-rule regexp", "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(text) {
			return Continue(), nil
		}
	}

	if rule.Random > 0 && rand.Float64() < rule.Random {
		return Continue(), nil
	}

	return Interrupt(), nil
}

// ruleFor picks the per-group rule, falling back to "default".
func (s *GroupRespondRuleStage) ruleFor(query *entities.Query) config.RespondRule {
	rules := query.Pipeline.Pipeline.Trigger.GroupRespondRules
	if rule, ok := rules[strconv.FormatInt(query.LauncherID, 10)]; ok {
		return rule
	}
	if rule, ok := rules["default"]; ok {
		return rule
	}
	return config.RespondRule{At: true}
}
