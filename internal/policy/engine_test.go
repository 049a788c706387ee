package policy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talefront/aegis/internal/risk"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
	"github.com/talefront/aegis/pkg/logger"
)

type memPolicyRepo struct {
	policies   map[string]*Policy
	violations map[string]int
}

func newMemPolicyRepo() *memPolicyRepo {
	return &memPolicyRepo{policies: map[string]*Policy{}, violations: map[string]int{}}
}

func (m *memPolicyRepo) FindPolicy(_ context.Context, userID string) (*Policy, error) {
	p, ok := m.policies[userID]
	if !ok {
		return nil, errors.NewNotFound("policy", userID)
	}
	cp := *p
	return &cp, nil
}

func (m *memPolicyRepo) SavePolicy(_ context.Context, p *Policy) error {
	cp := *p
	m.policies[p.UserID] = &cp
	return nil
}

func (m *memPolicyRepo) DeletePolicy(_ context.Context, userID string) error {
	delete(m.policies, userID)
	return nil
}

func (m *memPolicyRepo) ViolationCount(_ context.Context, userID string) (int, error) {
	return m.violations[userID], nil
}

func (m *memPolicyRepo) RecordViolation(_ context.Context, userID string) error {
	m.violations[userID]++
	return nil
}

func newTestEngine() (*Engine, *memPolicyRepo) {
	repo := newMemPolicyRepo()
	return NewEngine(repo, Config{}, logger.NewNop()), repo
}

func TestEscalationLadder(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	want := []Type{TypeDelayed, TypeDegraded, TypeShadowBanned, TypeBlocked, TypeBlocked}
	for _, expected := range want {
		p, err := e.Escalate(ctx, "u1", "test")
		require.NoError(t, err)
		assert.Equal(t, expected, p.Type)
	}
}

func TestEscalationNeverSkipsOrReverses(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	prev := TypeNormal
	for i := 0; i < 6; i++ {
		p, err := e.Escalate(ctx, "u1", "test")
		require.NoError(t, err)
		assert.True(t, p.Type == prev || p.Type == prev+1,
			"step %d: %v -> %v", i, prev, p.Type)
		assert.GreaterOrEqual(t, int(p.Type), int(prev))
		prev = p.Type
	}
}

func TestDecideCriticalAlwaysBlocks(t *testing.T) {
	e, _ := newTestEngine()
	p, err := e.Decide(context.Background(), "u1", risk.LevelCritical, trust.TierVerified, "critical risk")
	require.NoError(t, err)
	assert.Equal(t, TypeBlocked, p.Type)
	assert.True(t, p.Permanent)
}

func TestDecideHighRisk(t *testing.T) {
	t.Run("few violations degrades", func(t *testing.T) {
		e, _ := newTestEngine()
		p, err := e.Decide(context.Background(), "u1", risk.LevelHigh, trust.TierMedium, "high risk")
		require.NoError(t, err)
		assert.Equal(t, TypeDegraded, p.Type)
		assert.Equal(t, 500, p.Parameters.MaxMessageLength)
	})

	t.Run("repeat offender shadow banned", func(t *testing.T) {
		e, repo := newTestEngine()
		repo.violations["u1"] = 5
		p, err := e.Decide(context.Background(), "u1", risk.LevelHigh, trust.TierMedium, "high risk")
		require.NoError(t, err)
		assert.Equal(t, TypeShadowBanned, p.Type)
		assert.True(t, p.Parameters.ExcludeFromEarnings)
		assert.True(t, p.Parameters.ExcludeFromAnalytics)
	})
}

func TestDecideMediumRisk(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	p, err := e.Decide(ctx, "u1", risk.LevelMedium, trust.TierUntrusted, "medium risk")
	require.NoError(t, err)
	assert.Equal(t, TypeDelayed, p.Type)

	p, err = e.Decide(ctx, "u2", risk.LevelMedium, trust.TierMedium, "medium risk")
	require.NoError(t, err)
	assert.Equal(t, TypeNormal, p.Type)
}

func TestDecideNeverDeescalates(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.Decide(ctx, "u1", risk.LevelCritical, trust.TierLow, "critical")
	require.NoError(t, err)

	// A later low-risk request must not soften the block.
	p, err := e.Decide(ctx, "u1", risk.LevelLow, trust.TierLow, "low")
	require.NoError(t, err)
	assert.Equal(t, TypeBlocked, p.Type)
}

func TestCurrentWithoutRecordIsNormal(t *testing.T) {
	e, _ := newTestEngine()

	// The store reports not-found for users it has never seen; that is
	// "no policy", not an error.
	p, err := e.Current(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, TypeNormal, p.Type)
}

func TestPolicyExpiry(t *testing.T) {
	e, repo := newTestEngine()
	ctx := context.Background()

	_, err := e.Escalate(ctx, "u1", "test")
	require.NoError(t, err)

	// Jump past the TTL; the policy reads back as NORMAL and the record
	// is cleared.
	e.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	p, err := e.Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TypeNormal, p.Type)
	assert.Empty(t, repo.policies)
}

func TestBlockedPolicyIsPermanent(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := e.Escalate(ctx, "u1", "test")
		require.NoError(t, err)
	}

	e.now = func() time.Time { return time.Now().Add(100 * 24 * time.Hour) }
	p, err := e.Current(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, TypeBlocked, p.Type, "permanent policies never expire")
}

func TestExecute(t *testing.T) {
	e, _ := newTestEngine()

	t.Run("delayed picks delay within range", func(t *testing.T) {
		p := &Policy{Type: TypeDelayed, Parameters: Parameters{MinDelayMs: 2000, MaxDelayMs: 8000}}
		for i := 0; i < 20; i++ {
			enf := e.Execute(p)
			assert.GreaterOrEqual(t, enf.Delay, 2*time.Second)
			assert.Less(t, enf.Delay, 8*time.Second)
		}
	})

	t.Run("degraded caps message length", func(t *testing.T) {
		p := &Policy{Type: TypeDegraded, Parameters: Parameters{MaxMessageLength: 500}}
		assert.Equal(t, 500, e.Execute(p).MaxLength)
	})

	t.Run("shadow banned accepted but marked", func(t *testing.T) {
		enf := e.Execute(&Policy{Type: TypeShadowBanned})
		assert.True(t, enf.Shadow)
		assert.False(t, enf.Blocked)
	})

	t.Run("blocked", func(t *testing.T) {
		enf := e.Execute(&Policy{Type: TypeBlocked, Parameters: Parameters{BlockMessage: "nope"}})
		assert.True(t, enf.Blocked)
		assert.Equal(t, "nope", enf.BlockMessage)
	})

	t.Run("normal is a no-op", func(t *testing.T) {
		assert.Equal(t, Enforcement{}, e.Execute(&Policy{Type: TypeNormal}))
	})
}

// Execute is called from concurrent request goroutines; run under -race.
func TestExecuteConcurrentDelayJitter(t *testing.T) {
	e, _ := newTestEngine()
	p := &Policy{Type: TypeDelayed, Parameters: Parameters{MinDelayMs: 100, MaxDelayMs: 400}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				enf := e.Execute(p)
				if enf.Delay < 100*time.Millisecond || enf.Delay >= 400*time.Millisecond {
					t.Errorf("delay %v outside [100ms, 400ms)", enf.Delay)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestViolationsAccumulate(t *testing.T) {
	e, repo := newTestEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Escalate(ctx, "u1", "test")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, repo.violations["u1"])
}
