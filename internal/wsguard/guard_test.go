package wsguard

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talefront/aegis/internal/ratelimit"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
	"github.com/talefront/aegis/pkg/logger"
)

// fakeStore implements CooldownStore and ratelimit.Window in memory with a
// controllable clock.
type fakeStore struct {
	mu       sync.Mutex
	now      time.Time
	expiries map[string]time.Time
	counters map[string]int64
	windows  map[string][]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:      time.Now(),
		expiries: map[string]time.Time{},
		counters: map[string]int64{},
		windows:  map[string][]time.Time{},
	}
}

func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.expiries[key]
	return ok && exp.After(f.now), nil
}

func (f *fakeStore) SetNX(_ context.Context, key, _ string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exp, ok := f.expiries[key]; ok && exp.After(f.now) {
		return false, nil
	}
	f.expiries[key] = f.now.Add(ttl)
	return true, nil
}

func (f *fakeStore) IncrementWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exp, ok := f.expiries[key]; !ok || !exp.After(f.now) {
		f.counters[key] = 0
		f.expiries[key] = f.now.Add(ttl)
	}
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeStore) SlidingWindowTake(_ context.Context, key string, window time.Duration, limit int) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := f.now.Add(-window)
	kept := f.windows[key][:0]
	for _, ts := range f.windows[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	f.windows[key] = kept
	if len(kept) >= limit {
		return false, int64(len(kept)), nil
	}
	f.windows[key] = append(kept, f.now)
	return true, int64(len(kept) + 1), nil
}

func (f *fakeStore) SlidingWindowPeek(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.windows[key])), f.now.Add(window), nil
}

func newTestGuard(store *fakeStore) *Guard {
	g := NewGuard(ratelimit.NewLimiter(store, nil), store, Config{}, logger.NewNop())
	g.now = func() time.Time {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.now
	}
	return g
}

func TestConnectAndDisconnect(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	v, err := g.OnConnect(ctx, "c1", "u1", "d1", trust.TierMedium)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	_, ok := g.Session("c1")
	assert.True(t, ok)

	require.NoError(t, g.OnDisconnect(ctx, "c1", false))
	_, ok = g.Session("c1")
	assert.False(t, ok)
}

func TestPoolingLimit(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	// Medium tier allows 3 concurrent connections per user+device.
	for i := 0; i < 3; i++ {
		v, err := g.OnConnect(ctx, fmt.Sprintf("c%d", i), "u1", "d1", trust.TierMedium)
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	}
	v, err := g.OnConnect(ctx, "c3", "u1", "d1", trust.TierMedium)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "connection_pool_limit", v.Reason)

	// Disconnecting frees a slot.
	require.NoError(t, g.OnDisconnect(ctx, "c0", false))
	v, err = g.OnConnect(ctx, "c3", "u1", "d1", trust.TierMedium)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestForcedDisconnectAppliesCooldown(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	v, err := g.OnConnect(ctx, "c1", "u1", "d1", trust.TierMedium)
	require.NoError(t, err)
	require.True(t, v.Allowed)
	require.NoError(t, g.OnDisconnect(ctx, "c1", true))

	v, err = g.OnConnect(ctx, "c2", "u1", "d1", trust.TierMedium)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "reconnect_cooldown", v.Reason)

	// Another device on the same user is unaffected.
	v, err = g.OnConnect(ctx, "c3", "u1", "d2", trust.TierMedium)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	// Cooldown lapses with time (medium tier: 5s).
	store.advance(6 * time.Second)
	v, err = g.OnConnect(ctx, "c4", "u1", "d1", trust.TierMedium)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestRapidReconnectRejected(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		connID := fmt.Sprintf("c%d", i)
		v, err := g.OnConnect(ctx, connID, "u1", "d1", trust.TierHigh)
		require.NoError(t, err)
		require.True(t, v.Allowed, "connect %d", i)
		require.NoError(t, g.OnDisconnect(ctx, connID, false))
	}

	v, err := g.OnConnect(ctx, "c6", "u1", "d1", trust.TierHigh)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "rapid_reconnect", v.Reason)
}

func TestMessagePayloadTooLarge(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	_, err := g.OnConnect(ctx, "c1", "u1", "d1", trust.TierUntrusted)
	require.NoError(t, err)

	v, err := g.OnMessage(ctx, "c1", 4096) // untrusted cap is 2KiB
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "payload_too_large", v.Reason)

	sess, _ := g.Session("c1")
	assert.Contains(t, sess.Flags, "oversized_payload")
	assert.Greater(t, sess.SuspicionScore, 0.0)
}

func TestMessageBurstDetection(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	_, err := g.OnConnect(ctx, "c1", "u1", "d1", trust.TierVerified)
	require.NoError(t, err)

	// Eleven messages within the 2s burst window trips the detector
	// (burst limit 10), even though verified rate limits would allow them.
	var last Verdict
	for i := 0; i < 11; i++ {
		last, err = g.OnMessage(ctx, "c1", 100)
		require.NoError(t, err)
		store.advance(50 * time.Millisecond)
	}
	assert.False(t, last.Allowed)
	assert.Equal(t, "message_burst", last.Reason)

	sess, _ := g.Session("c1")
	assert.Contains(t, sess.Flags, "message_burst")
}

func TestMessageRateLimitByTier(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	_, err := g.OnConnect(ctx, "c1", "u1", "d1", trust.TierUntrusted)
	require.NoError(t, err)

	v, err := g.OnMessage(ctx, "c1", 100)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	// Untrusted: 1 message/second.
	v, err = g.OnMessage(ctx, "c1", 100)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "rate_limited", v.Reason)
}

func TestMaxConnectionDuration(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	_, err := g.OnConnect(ctx, "c1", "u1", "d1", trust.TierUntrusted)
	require.NoError(t, err)

	store.advance(31 * time.Minute) // untrusted cap is 30m
	v, err := g.OnMessage(ctx, "c1", 100)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.True(t, v.Disconnect)
	assert.Equal(t, "max_connection_duration", v.Reason)
}

func TestHeartbeatValidation(t *testing.T) {
	store := newFakeStore()
	g := newTestGuard(store)
	ctx := context.Background()

	_, err := g.OnConnect(ctx, "c1", "u1", "d1", trust.TierMedium)
	require.NoError(t, err)

	// First heartbeat establishes the baseline.
	v, err := g.OnHeartbeat("c1")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	// A heartbeat 1s later is far faster than interval-tolerance (25s).
	store.advance(time.Second)
	v, err = g.OnHeartbeat("c1")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "heartbeat_too_fast", v.Reason)

	// On-schedule heartbeat is fine.
	store.advance(30 * time.Second)
	v, err = g.OnHeartbeat("c1")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	// A late heartbeat is staleness, not fraud.
	store.advance(5 * time.Minute)
	v, err = g.OnHeartbeat("c1")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	sess, _ := g.Session("c1")
	assert.Contains(t, sess.Flags, "fast_heartbeat")
}

func TestUnknownConnection(t *testing.T) {
	g := newTestGuard(newFakeStore())
	_, err := g.OnMessage(context.Background(), "nope", 10)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = g.OnHeartbeat("nope")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.ErrorIs(t, g.OnDisconnect(context.Background(), "nope", false), errors.ErrNotFound)
}
