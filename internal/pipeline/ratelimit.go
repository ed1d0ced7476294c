package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/RockChinQ/LangBot/internal/entities"
)

// RateLimitStage throttles queries per launcher. The "drop" strategy
// discards over-limit queries; "wait" holds them until a slot frees or
// the pipeline times out.
type RateLimitStage struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// NewRateLimitStage creates the stage.
func NewRateLimitStage(logger *slog.Logger) *RateLimitStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitStage{
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With("stage", StageRateLimit),
	}
}

func (s *RateLimitStage) Name() string { return StageRateLimit }

func (s *RateLimitStage) Initialize(_ context.Context) error { return nil }

func (s *RateLimitStage) Process(ctx context.Context, query *entities.Query) (*Result, error) {
	cfg := query.Pipeline.Pipeline.RateLimit
	if cfg.Limitation <= 0 || cfg.WindowLength <= 0 {
		return Continue(), nil
	}

	limiter := s.limiterFor(query.LauncherKey(), cfg.WindowLength, cfg.Limitation)

	switch cfg.Strategy {
	case "wait":
		if err := limiter.Wait(ctx); err != nil {
			return nil, entities.NewError(entities.ErrInternal, "rate-limit wait aborted", err)
		}
		return Continue(), nil
	default:
		if !limiter.Allow() {
			s.logger.Info("query dropped by rate limit",
				"query", query.ID, "launcher", query.LauncherKey())
			return Interrupt(), nil
		}
		return Continue(), nil
	}
}

// limiterFor returns the launcher's limiter, rebuilt when the window
// parameters change.
func (s *RateLimitStage) limiterFor(key string, windowSeconds, limitation int) *rate.Limiter {
	want := rate.Every(time.Duration(windowSeconds) * time.Second / time.Duration(limitation))

	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[key]
	if !ok || limiter.Limit() != want || limiter.Burst() != limitation {
		limiter = rate.NewLimiter(want, limitation)
		s.limiters[key] = limiter
	}
	return limiter
}
