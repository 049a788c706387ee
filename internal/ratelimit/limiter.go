// Package ratelimit provides trust-tier-aware sliding-window rate limiting
// backed by atomic operations against the shared cache.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
)

// Window is the slice of the shared cache the limiter needs. Take must be
// a single atomic operation: evict expired entries, count survivors, admit
// and record or reject.
type Window interface {
	SlidingWindowTake(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, count int64, err error)
	SlidingWindowPeek(ctx context.Context, key string, window time.Duration) (count int64, reset time.Time, err error)
}

// TierLimits are the per-tier ceilings.
type TierLimits struct {
	MessagesPerSecond int           `json:"messages_per_second"`
	MessagesPerMinute int           `json:"messages_per_minute"`
	MaxPayloadBytes   int           `json:"max_payload_bytes"`
	MaxConnDuration   time.Duration `json:"max_conn_duration"`
	ReconnectCooldown time.Duration `json:"reconnect_cooldown"`
	MaxConnections    int           `json:"max_connections"`
}

// DefaultTierLimits is the production limit table.
func DefaultTierLimits() map[trust.Tier]TierLimits {
	return map[trust.Tier]TierLimits{
		trust.TierUntrusted: {MessagesPerSecond: 1, MessagesPerMinute: 10, MaxPayloadBytes: 2 << 10, MaxConnDuration: 30 * time.Minute, ReconnectCooldown: 30 * time.Second, MaxConnections: 1},
		trust.TierLow:       {MessagesPerSecond: 2, MessagesPerMinute: 30, MaxPayloadBytes: 8 << 10, MaxConnDuration: 2 * time.Hour, ReconnectCooldown: 15 * time.Second, MaxConnections: 2},
		trust.TierMedium:    {MessagesPerSecond: 5, MessagesPerMinute: 90, MaxPayloadBytes: 32 << 10, MaxConnDuration: 6 * time.Hour, ReconnectCooldown: 5 * time.Second, MaxConnections: 3},
		trust.TierHigh:      {MessagesPerSecond: 10, MessagesPerMinute: 300, MaxPayloadBytes: 64 << 10, MaxConnDuration: 12 * time.Hour, ReconnectCooldown: 2 * time.Second, MaxConnections: 5},
		trust.TierVerified:  {MessagesPerSecond: 20, MessagesPerMinute: 600, MaxPayloadBytes: 128 << 10, MaxConnDuration: 24 * time.Hour, ReconnectCooldown: time.Second, MaxConnections: 8},
	}
}

// Result reports a limiter decision plus what the caller needs for
// X-RateLimit response headers.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Limiter enforces sliding-window limits keyed by user and scope.
type Limiter struct {
	window Window
	limits map[trust.Tier]TierLimits
}

// NewLimiter creates a limiter. A nil limits table uses the defaults.
func NewLimiter(window Window, limits map[trust.Tier]TierLimits) *Limiter {
	if limits == nil {
		limits = DefaultTierLimits()
	}
	return &Limiter{window: window, limits: limits}
}

// Limits returns the ceilings for a tier.
func (l *Limiter) Limits(tier trust.Tier) TierLimits {
	if limits, ok := l.limits[tier]; ok {
		return limits
	}
	return l.limits[trust.TierUntrusted]
}

// Allow records one event against an arbitrary key/window/limit triple.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration, limit int) (Result, error) {
	allowed, count, err := l.window.SlidingWindowTake(ctx, key, window, limit)
	if err != nil {
		return Result{}, errors.ErrServiceDegraded.Wrap(err)
	}
	res := Result{Allowed: allowed, Limit: limit, Remaining: limit - int(count)}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	_, reset, err := l.window.SlidingWindowPeek(ctx, key, window)
	if err == nil {
		res.Reset = reset
	}
	return res, nil
}

// AllowMessage enforces both the per-second and per-minute message
// ceilings for the user's tier. The stricter verdict wins; both windows
// are always charged so a rejected burst still counts toward the minute.
func (l *Limiter) AllowMessage(ctx context.Context, userID string, tier trust.Tier) (Result, error) {
	limits := l.Limits(tier)

	secRes, err := l.Allow(ctx, messageKey(userID, "sec"), time.Second, limits.MessagesPerSecond)
	if err != nil {
		return Result{}, err
	}
	minRes, err := l.Allow(ctx, messageKey(userID, "min"), time.Minute, limits.MessagesPerMinute)
	if err != nil {
		return Result{}, err
	}

	// Report the minute window in headers; it is the one clients can
	// meaningfully pace against.
	res := minRes
	res.Allowed = secRes.Allowed && minRes.Allowed
	return res, nil
}

func messageKey(userID, scope string) string {
	return fmt.Sprintf("ratelimit:msg:%s:%s", scope, userID)
}
