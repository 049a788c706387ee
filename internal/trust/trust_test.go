package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/talefront/aegis/pkg/errors"
)

type memRepo struct {
	scores map[string]*Score
	err    error
	finds  int
}

func (m *memRepo) FindTrustScore(ctx context.Context, userID string) (*Score, error) {
	m.finds++
	if m.err != nil {
		return nil, m.err
	}
	score, ok := m.scores[userID]
	if !ok {
		return nil, errors.NewNotFound("trust score", userID)
	}
	return score, nil
}

func (m *memRepo) UpsertTrustScore(ctx context.Context, score *Score) error {
	if m.err != nil {
		return m.err
	}
	m.scores[score.UserID] = score
	return nil
}

type memCache struct {
	entries map[string][]byte
	err     error
}

func (m *memCache) GetJSON(ctx context.Context, key string, dst interface{}) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	raw, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (m *memCache) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.entries[key] = raw
	return nil
}

func newTestService() (*Service, *memRepo, *memCache) {
	repo := &memRepo{scores: map[string]*Score{}}
	cache := &memCache{entries: map[string][]byte{}}
	return NewService(repo, cache, zap.NewNop()), repo, cache
}

func TestTierFromScore(t *testing.T) {
	cases := []struct {
		score float64
		want  Tier
	}{
		{0.0, TierUntrusted},
		{0.19, TierUntrusted},
		{0.2, TierLow},
		{0.45, TierMedium},
		{0.7, TierHigh},
		{0.9, TierVerified},
		{1.0, TierVerified},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierFromScore(tc.score), "score %v", tc.score)
	}
}

func TestGetTierUnknownUserIsUntrusted(t *testing.T) {
	svc, _, _ := newTestService()

	// A missing row is "no score yet", not an error.
	score, err := svc.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, score)

	assert.Equal(t, TierUntrusted, svc.GetTier(context.Background(), "ghost"))
}

func TestGetTierDegradesToUntrustedOnStoreFailure(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.err = fmt.Errorf("connection refused")
	assert.Equal(t, TierUntrusted, svc.GetTier(context.Background(), "user-1"))
}

func TestUpdateRoundTripAndClamping(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.Update(ctx, "user-1", 1.7))
	got := repo.scores["user-1"]
	require.NotNil(t, got)
	assert.Equal(t, 1.0, got.Score)
	assert.Equal(t, TierVerified, got.Tier)

	require.NoError(t, svc.Update(ctx, "user-1", 0.5))
	assert.Equal(t, TierMedium, svc.GetTier(ctx, "user-1"))
}

func TestGetReadsThroughCache(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	require.NoError(t, repo.UpsertTrustScore(ctx, &Score{UserID: "user-1", Score: 0.8, Tier: TierHigh}))

	// First read misses the cache and hits the store; repeats are served
	// from cache.
	for i := 0; i < 3; i++ {
		score, err := svc.Get(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, score)
		assert.Equal(t, TierHigh, score.Tier)
	}
	assert.Equal(t, 1, repo.finds)
}

func TestGetFallsBackToStoreWhenCacheFails(t *testing.T) {
	svc, repo, cache := newTestService()
	ctx := context.Background()
	repo.scores["user-1"] = &Score{UserID: "user-1", Score: 0.3, Tier: TierLow}
	cache.err = fmt.Errorf("redis down")

	score, err := svc.Get(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, TierLow, score.Tier)
}
