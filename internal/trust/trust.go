// Package trust maintains per-user trust scores and tiers. Tiers are
// recomputed by batch jobs and read-mostly on the request path, so reads
// go through a short-TTL cache.
package trust

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/talefront/aegis/pkg/errors"
)

// Tier is the coarse trustworthiness bucket used to select rate limits and
// policy defaults.
type Tier int

const (
	TierUntrusted Tier = iota
	TierLow
	TierMedium
	TierHigh
	TierVerified
)

func (t Tier) String() string {
	switch t {
	case TierUntrusted:
		return "untrusted"
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierVerified:
		return "verified"
	}
	return "unknown"
}

// TierFromScore buckets a trust score (internal [0,1] scale).
func TierFromScore(score float64) Tier {
	switch {
	case score >= 0.9:
		return TierVerified
	case score >= 0.7:
		return TierHigh
	case score >= 0.45:
		return TierMedium
	case score >= 0.2:
		return TierLow
	}
	return TierUntrusted
}

// Score is the per-user trust aggregate.
type Score struct {
	UserID    string    `json:"user_id"`
	Score     float64   `json:"score"`
	Tier      Tier      `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository is the persistent slice the service needs.
type Repository interface {
	FindTrustScore(ctx context.Context, userID string) (*Score, error)
	UpsertTrustScore(ctx context.Context, score *Score) error
}

// Cache is the shared-cache slice used for read-through.
type Cache interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
}

const cacheTTL = time.Minute

// Service serves trust tier lookups on the request path and accepts
// batch-driven updates.
type Service struct {
	repo   Repository
	cache  Cache
	logger *zap.Logger
}

// NewService creates a trust score service.
func NewService(repo Repository, cache Cache, logger *zap.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger}
}

func cacheKey(userID string) string {
	return fmt.Sprintf("trust:score:%s", userID)
}

// GetTier returns the user's tier. Users with no recorded trust score are
// untrusted. A cache or store failure also degrades to untrusted: rate
// limits tighten rather than loosen when trust is unknown.
func (s *Service) GetTier(ctx context.Context, userID string) Tier {
	score, err := s.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("trust lookup failed, defaulting to untrusted",
			zap.String("user_id", userID), zap.Error(err))
		return TierUntrusted
	}
	if score == nil {
		return TierUntrusted
	}
	return score.Tier
}

// Get returns the user's trust score or nil when none is recorded.
func (s *Service) Get(ctx context.Context, userID string) (*Score, error) {
	var cached Score
	found, err := s.cache.GetJSON(ctx, cacheKey(userID), &cached)
	if err == nil && found {
		return &cached, nil
	}

	score, err := s.repo.FindTrustScore(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if score == nil {
		return nil, nil
	}
	if err := s.cache.SetJSON(ctx, cacheKey(userID), score, cacheTTL); err != nil {
		s.logger.Debug("trust cache write failed", zap.Error(err))
	}
	return score, nil
}

// Update persists a recomputed trust score and refreshes the cache entry.
func (s *Service) Update(ctx context.Context, userID string, value float64) error {
	score := &Score{
		UserID:    userID,
		Score:     clamp01(value),
		Tier:      TierFromScore(clamp01(value)),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.repo.UpsertTrustScore(ctx, score); err != nil {
		return err
	}
	return s.cache.SetJSON(ctx, cacheKey(userID), score, cacheTTL)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
