package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talefront/aegis/internal/trust"
)

// fakeWindow is an in-memory sliding window with real timestamp semantics,
// mirroring what the cache-side script does atomically.
type fakeWindow struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     time.Time
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{entries: map[string][]time.Time{}, now: time.Now()}
}

func (f *fakeWindow) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeWindow) evict(key string, window time.Duration) []time.Time {
	cutoff := f.now.Add(-window)
	kept := f.entries[key][:0]
	for _, ts := range f.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	f.entries[key] = kept
	return kept
}

func (f *fakeWindow) SlidingWindowTake(_ context.Context, key string, window time.Duration, limit int) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.evict(key, window)
	if len(kept) >= limit {
		return false, int64(len(kept)), nil
	}
	f.entries[key] = append(kept, f.now)
	return true, int64(len(kept) + 1), nil
}

func (f *fakeWindow) SlidingWindowPeek(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.evict(key, window)
	if len(kept) == 0 {
		return 0, f.now, nil
	}
	return int64(len(kept)), kept[0].Add(window), nil
}

func TestAllowExactlyLimitInWindow(t *testing.T) {
	w := newFakeWindow()
	l := NewLimiter(w, nil)
	ctx := context.Background()

	// With limit=5 and window=1s, exactly 5 calls succeed.
	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "k", time.Second, 5)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i+1)
	}

	res, err := l.Allow(ctx, "k", time.Second, 5)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "sixth call must be rejected")
	assert.Zero(t, res.Remaining)

	// After the window fully elapses, a new call succeeds.
	w.advance(time.Second + time.Millisecond)
	res, err = l.Allow(ctx, "k", time.Second, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAllowRemainingCountsDown(t *testing.T) {
	l := NewLimiter(newFakeWindow(), nil)
	ctx := context.Background()

	for want := 2; want >= 0; want-- {
		res, err := l.Allow(ctx, "k", time.Minute, 3)
		require.NoError(t, err)
		assert.Equal(t, want, res.Remaining)
	}
}

func TestAllowMessageTierCeilings(t *testing.T) {
	w := newFakeWindow()
	l := NewLimiter(w, nil)
	ctx := context.Background()

	// Untrusted tier: 1 message/second.
	res, err := l.AllowMessage(ctx, "u1", trust.TierUntrusted)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.AllowMessage(ctx, "u1", trust.TierUntrusted)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Verified tier on a different user: far higher ceiling.
	for i := 0; i < 20; i++ {
		res, err = l.AllowMessage(ctx, "u2", trust.TierVerified)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "message %d", i+1)
	}
}

func TestAllowMessageMinuteCeilingHoldsAcrossSeconds(t *testing.T) {
	w := newFakeWindow()
	l := NewLimiter(w, nil)
	ctx := context.Background()

	// Untrusted: 10 per minute even if paced at 1/sec.
	allowed := 0
	for i := 0; i < 30; i++ {
		res, err := l.AllowMessage(ctx, "u1", trust.TierUntrusted)
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		}
		w.advance(time.Second)
	}
	assert.Equal(t, 10, allowed)
}

func TestLimitsUnknownTierFallsBackToUntrusted(t *testing.T) {
	l := NewLimiter(newFakeWindow(), nil)
	assert.Equal(t, l.Limits(trust.TierUntrusted), l.Limits(trust.Tier(99)))
}

func TestDefaultTierLimitsMonotone(t *testing.T) {
	limits := DefaultTierLimits()
	tiers := []trust.Tier{trust.TierUntrusted, trust.TierLow, trust.TierMedium, trust.TierHigh, trust.TierVerified}
	for i := 1; i < len(tiers); i++ {
		lo, hi := limits[tiers[i-1]], limits[tiers[i]]
		assert.Greater(t, hi.MessagesPerMinute, lo.MessagesPerMinute)
		assert.GreaterOrEqual(t, hi.MaxPayloadBytes, lo.MaxPayloadBytes)
		assert.LessOrEqual(t, hi.ReconnectCooldown, lo.ReconnectCooldown)
	}
}
