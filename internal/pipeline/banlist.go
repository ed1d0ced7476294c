package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/RockChinQ/LangBot/internal/entities"
)

// BanSessionStage enforces the launcher access-control list.
type BanSessionStage struct {
	logger *slog.Logger
}

// NewBanSessionStage creates the stage.
func NewBanSessionStage(logger *slog.Logger) *BanSessionStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &BanSessionStage{logger: logger.With("stage", StageBanSession)}
}

func (s *BanSessionStage) Name() string { return StageBanSession }

func (s *BanSessionStage) Initialize(_ context.Context) error { return nil }

func (s *BanSessionStage) Process(_ context.Context, query *entities.Query) (*Result, error) {
	acl := query.Pipeline.Pipeline.Trigger.AccessControl
	key := query.LauncherKey()

	switch acl.Mode {
	case "whitelist":
		if !matchAny(acl.Whitelist, key) {
			s.logger.Debug("launcher not in whitelist", "key", key)
			return Interrupt(), nil
		}
	default:
		if matchAny(acl.Blacklist, key) {
			s.logger.Debug("launcher in blacklist", "key", key)
			return Interrupt(), nil
		}
	}
	return Continue(), nil
}

// matchAny matches a launcher key against entries, honoring the
// "person_*" and "group_*" wildcards.
func matchAny(entries []string, key string) bool {
	for _, entry := range entries {
		if entry == key {
			return true
		}
		if prefix, ok := strings.CutSuffix(entry, "*"); ok && strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
