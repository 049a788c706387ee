package scoring

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/risk"
	"github.com/talefront/aegis/pkg/errors"
)

// Repository persists fraud scores.
type Repository interface {
	FindFraudScore(ctx context.Context, userID string) (*FraudScore, error)
	SaveFraudScore(ctx context.Context, score *FraudScore) error
}

// Observation is one partial update. Only the set pointers are merged;
// everything else keeps its moving average untouched.
type Observation struct {
	Typing       *float64
	Session      *float64
	Conversation *float64
	Timing       *float64
	Network      *float64
	Device       *float64
	Velocity     *float64
	ObservedAt   time.Time
}

// Config bounds the merge behavior.
type Config struct {
	// Alpha is the EMA smoothing factor applied to observed components.
	Alpha float64 `mapstructure:"alpha"`
	// HistoryWindow is how long history entries are retained.
	HistoryWindow time.Duration `mapstructure:"history_window"`
	// RapidFireIncrement is added to the velocity component when the
	// velocity detector flags a rapid-fire burst.
	RapidFireIncrement float64 `mapstructure:"rapid_fire_increment"`
	// TrendDelta is the minimum mean-score movement before the trend
	// leaves stable.
	TrendDelta float64 `mapstructure:"trend_delta"`
}

// DefaultConfig returns the production merge parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:              0.3,
		HistoryWindow:      30 * 24 * time.Hour,
		RapidFireIncrement: 0.15,
		TrendDelta:         0.05,
	}
}

// Service owns fraud score reads and merges.
type Service struct {
	repo       Repository
	cfg        Config
	thresholds risk.Thresholds
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates the scoring service; zero config fields take defaults.
func NewService(repo Repository, cfg Config, thresholds risk.Thresholds, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.Alpha == 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.HistoryWindow == 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.RapidFireIncrement == 0 {
		cfg.RapidFireIncrement = def.RapidFireIncrement
	}
	if cfg.TrendDelta == 0 {
		cfg.TrendDelta = def.TrendDelta
	}
	return &Service{
		repo:       repo,
		cfg:        cfg,
		thresholds: thresholds,
		logger:     logger,
		now:        time.Now,
	}
}

// Get returns the user's fraud score, or a clean zero-score record when
// none has been persisted yet.
func (s *Service) Get(ctx context.Context, userID string) (*FraudScore, error) {
	score, err := s.repo.FindFraudScore(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return s.fresh(userID), nil
		}
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return score, nil
}

// Record merges one observation into the user's score and persists the
// result.
func (s *Service) Record(ctx context.Context, userID string, obs Observation) (*FraudScore, error) {
	score, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.merge(score, obs)
	if err := s.repo.SaveFraudScore(ctx, score); err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	s.logger.Debug("fraud score updated",
		zap.String("user_id", userID),
		zap.Float64("overall", score.OverallScore),
		zap.String("risk_level", score.RiskLevel.String()),
	)
	return score, nil
}

// RecordRapidFire bumps the velocity component by the fixed increment.
// Rapid-fire bursts are a direct automation marker, so the bump is
// additive on top of the moving average rather than smoothed into it.
func (s *Service) RecordRapidFire(ctx context.Context, userID string) (*FraudScore, error) {
	score, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	score.Components.Velocity = clamp01(score.Components.Velocity + s.cfg.RapidFireIncrement)
	s.finalize(score)
	score.History = append(score.History, HistoryEntry{
		Score:      score.OverallScore,
		RecordedAt: s.now().UTC(),
	})
	score.History = trimHistory(score.History, s.now().Add(-s.cfg.HistoryWindow))
	score.Trend = s.trend(score.History)
	if err := s.repo.SaveFraudScore(ctx, score); err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return score, nil
}

// Refresh recomputes the derived fields without new observations; batch
// jobs use it after retention pruning.
func (s *Service) Refresh(ctx context.Context, userID string) (*FraudScore, error) {
	score, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	score.History = trimHistory(score.History, s.now().Add(-s.cfg.HistoryWindow))
	s.finalize(score)
	if err := s.repo.SaveFraudScore(ctx, score); err != nil {
		return nil, errors.ErrServiceDegraded.Wrap(err)
	}
	return score, nil
}

func (s *Service) fresh(userID string) *FraudScore {
	return &FraudScore{
		UserID:    userID,
		RiskLevel: risk.LevelLow,
		Action:    risk.ActionAllow,
		Trend:     TrendStable,
		UpdatedAt: s.now().UTC(),
	}
}

// merge applies one observation field by field: observed components move by
// EMA, unobserved components are kept, the history is appended and trimmed,
// and every derived field is recomputed.
func (s *Service) merge(score *FraudScore, obs Observation) {
	at := obs.ObservedAt
	if at.IsZero() {
		at = s.now()
	}

	score.Components.Typing = s.ema(score.Components.Typing, obs.Typing)
	score.Components.Session = s.ema(score.Components.Session, obs.Session)
	score.Components.Conversation = s.ema(score.Components.Conversation, obs.Conversation)
	score.Components.Timing = s.ema(score.Components.Timing, obs.Timing)
	score.Components.Network = s.ema(score.Components.Network, obs.Network)
	score.Components.Device = s.ema(score.Components.Device, obs.Device)
	score.Components.Velocity = s.ema(score.Components.Velocity, obs.Velocity)

	s.finalize(score)

	score.History = append(score.History, HistoryEntry{
		Score:      score.OverallScore,
		RecordedAt: at.UTC(),
	})
	score.History = trimHistory(score.History, s.now().Add(-s.cfg.HistoryWindow))
	score.Trend = s.trend(score.History)
	score.UpdatedAt = s.now().UTC()
}

func (s *Service) finalize(score *FraudScore) {
	score.OverallScore = score.Components.Overall()
	score.RiskLevel = risk.LevelFromScore(score.OverallScore)
	score.Action = s.thresholds.ActionFor(score.OverallScore)
	score.UpdatedAt = s.now().UTC()
}

func (s *Service) ema(current float64, observed *float64) float64 {
	if observed == nil {
		return current
	}
	return clamp01(current + s.cfg.Alpha*(clamp01(*observed)-current))
}

// trend splits the history in half and compares the mean of the recent
// half against the older half.
func (s *Service) trend(history []HistoryEntry) string {
	if len(history) < 4 {
		return TrendStable
	}
	mid := len(history) / 2
	older := meanScore(history[:mid])
	recent := meanScore(history[mid:])
	switch {
	case recent-older > s.cfg.TrendDelta:
		return TrendRising
	case older-recent > s.cfg.TrendDelta:
		return TrendFalling
	}
	return TrendStable
}

func meanScore(entries []HistoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.Score
	}
	return sum / float64(len(entries))
}

func trimHistory(history []HistoryEntry, cutoff time.Time) []HistoryEntry {
	sort.Slice(history, func(i, j int) bool {
		return history[i].RecordedAt.Before(history[j].RecordedAt)
	})
	idx := sort.Search(len(history), func(i int) bool {
		return history[i].RecordedAt.After(cutoff)
	})
	return history[idx:]
}
