// Package wsguard protects WebSocket connections: reconnect cooldowns,
// connection pooling limits, message rate ceilings, burst detection and
// heartbeat timing validation.
package wsguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/ratelimit"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
)

// CooldownStore is the cache slice for reconnect cooldowns and windowed
// reconnect counts, externalized so any instance can serve any connection.
type CooldownStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Config tunes the guard.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTolerance time.Duration
	BurstWindow        time.Duration
	BurstLimit         int
	RapidReconnectMax  int
	ReconnectWindow    time.Duration
}

// ConnSession is the per-connection state. It is only ever mutated under
// the guard's lock by the connection's own events.
type ConnSession struct {
	ConnID         string     `json:"conn_id"`
	UserID         string     `json:"user_id"`
	DeviceHash     string     `json:"device_hash"`
	Tier           trust.Tier `json:"tier"`
	ConnectedAt    time.Time  `json:"connected_at"`
	MessageCount   int64      `json:"message_count"`
	SuspicionScore float64    `json:"suspicion_score"`
	Flags          []string   `json:"flags,omitempty"`

	lastHeartbeat time.Time
	burstStamps   []time.Time
}

// Verdict is the guard's decision for one event.
type Verdict struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	Disconnect bool   `json:"disconnect,omitempty"`
}

// Guard owns all connection sessions for this instance.
type Guard struct {
	mu        sync.RWMutex
	sessions  map[string]*ConnSession
	userConns map[string]int // user+device -> live connection count

	limiter   *ratelimit.Limiter
	cooldowns CooldownStore
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewGuard creates a WebSocket guard.
func NewGuard(limiter *ratelimit.Limiter, cooldowns CooldownStore, cfg Config, logger *zap.Logger) *Guard {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.HeartbeatTolerance == 0 {
		cfg.HeartbeatTolerance = 5 * time.Second
	}
	if cfg.BurstWindow == 0 {
		cfg.BurstWindow = 2 * time.Second
	}
	if cfg.BurstLimit == 0 {
		cfg.BurstLimit = 10
	}
	if cfg.RapidReconnectMax == 0 {
		cfg.RapidReconnectMax = 5
	}
	if cfg.ReconnectWindow == 0 {
		cfg.ReconnectWindow = time.Minute
	}
	return &Guard{
		sessions:  make(map[string]*ConnSession),
		userConns: make(map[string]int),
		limiter:   limiter,
		cooldowns: cooldowns,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Upgrader returns the websocket upgrader the serving layer should use for
// guarded endpoints.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// CloseFrame formats a policy-violation close message for forced
// disconnects.
func CloseFrame(reason string) []byte {
	return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
}

// OnConnect admits or rejects a new connection.
func (g *Guard) OnConnect(ctx context.Context, connID, userID, deviceHash string, tier trust.Tier) (Verdict, error) {
	pair := pairKey(userID, deviceHash)

	onCooldown, err := g.cooldowns.Exists(ctx, cooldownKey(pair))
	if err != nil {
		return Verdict{}, errors.ErrServiceDegraded.Wrap(err)
	}
	if onCooldown {
		return Verdict{Reason: "reconnect_cooldown"}, nil
	}

	reconnects, err := g.cooldowns.IncrementWithTTL(ctx, reconnectCountKey(pair), g.cfg.ReconnectWindow)
	if err != nil {
		return Verdict{}, errors.ErrServiceDegraded.Wrap(err)
	}
	if int(reconnects) > g.cfg.RapidReconnectMax {
		g.logger.Warn("rapid reconnect abuse",
			zap.String("user_id", userID), zap.Int64("reconnects", reconnects))
		return Verdict{Reason: "rapid_reconnect"}, nil
	}

	limits := g.limiter.Limits(tier)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.userConns[pair] >= limits.MaxConnections {
		return Verdict{Reason: "connection_pool_limit"}, nil
	}
	g.userConns[pair]++
	g.sessions[connID] = &ConnSession{
		ConnID:      connID,
		UserID:      userID,
		DeviceHash:  deviceHash,
		Tier:        tier,
		ConnectedAt: g.now(),
	}
	return Verdict{Allowed: true}, nil
}

// OnMessage applies the tier message ceilings, payload size limit,
// connection duration limit and burst detection to one inbound message.
func (g *Guard) OnMessage(ctx context.Context, connID string, size int) (Verdict, error) {
	g.mu.Lock()
	sess, ok := g.sessions[connID]
	if !ok {
		g.mu.Unlock()
		return Verdict{}, errors.NewNotFound("connection", connID)
	}
	sess.MessageCount++
	now := g.now()
	limits := g.limiter.Limits(sess.Tier)

	if now.Sub(sess.ConnectedAt) > limits.MaxConnDuration {
		g.mu.Unlock()
		return Verdict{Reason: "max_connection_duration", Disconnect: true}, nil
	}
	if size > limits.MaxPayloadBytes {
		sess.SuspicionScore += 0.1
		sess.flag("oversized_payload")
		g.mu.Unlock()
		return Verdict{Reason: "payload_too_large"}, nil
	}

	// Burst detection: more than BurstLimit messages inside BurstWindow is
	// beyond steady-state pacing regardless of the per-second ceiling.
	cutoff := now.Add(-g.cfg.BurstWindow)
	kept := sess.burstStamps[:0]
	for _, ts := range sess.burstStamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	sess.burstStamps = append(kept, now)
	burst := len(sess.burstStamps) > g.cfg.BurstLimit
	if burst {
		sess.SuspicionScore += 0.2
		sess.flag("message_burst")
	}
	userID, tier := sess.UserID, sess.Tier
	g.mu.Unlock()

	if burst {
		return Verdict{Reason: "message_burst"}, nil
	}

	res, err := g.limiter.AllowMessage(ctx, userID, tier)
	if err != nil {
		return Verdict{}, err
	}
	if !res.Allowed {
		return Verdict{Reason: "rate_limited"}, nil
	}
	return Verdict{Allowed: true}, nil
}

// OnHeartbeat validates heartbeat pacing. Heartbeats arriving faster than
// the expected interval minus tolerance indicate scripted keepalives; slow
// or missed heartbeats are staleness, not fraud.
func (g *Guard) OnHeartbeat(connID string) (Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, ok := g.sessions[connID]
	if !ok {
		return Verdict{}, errors.NewNotFound("connection", connID)
	}
	now := g.now()
	if !sess.lastHeartbeat.IsZero() {
		elapsed := now.Sub(sess.lastHeartbeat)
		if elapsed < g.cfg.HeartbeatInterval-g.cfg.HeartbeatTolerance {
			sess.SuspicionScore += 0.15
			sess.flag("fast_heartbeat")
			sess.lastHeartbeat = now
			return Verdict{Reason: "heartbeat_too_fast"}, nil
		}
	}
	sess.lastHeartbeat = now
	return Verdict{Allowed: true}, nil
}

// OnDisconnect tears down a session. Forced disconnects put the user+device
// pair on the tier's reconnect cooldown.
func (g *Guard) OnDisconnect(ctx context.Context, connID string, forced bool) error {
	g.mu.Lock()
	sess, ok := g.sessions[connID]
	if !ok {
		g.mu.Unlock()
		return errors.NewNotFound("connection", connID)
	}
	delete(g.sessions, connID)
	pair := pairKey(sess.UserID, sess.DeviceHash)
	if g.userConns[pair] > 0 {
		g.userConns[pair]--
	}
	if g.userConns[pair] == 0 {
		delete(g.userConns, pair)
	}
	tier := sess.Tier
	g.mu.Unlock()

	if !forced {
		return nil
	}
	cooldown := g.limiter.Limits(tier).ReconnectCooldown
	if _, err := g.cooldowns.SetNX(ctx, cooldownKey(pair), "1", cooldown); err != nil {
		return errors.ErrServiceDegraded.Wrap(err)
	}
	return nil
}

// Session returns a copy of the connection session, if live.
func (g *Guard) Session(connID string) (ConnSession, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sess, ok := g.sessions[connID]
	if !ok {
		return ConnSession{}, false
	}
	return *sess, true
}

func (s *ConnSession) flag(name string) {
	for _, f := range s.Flags {
		if f == name {
			return
		}
	}
	s.Flags = append(s.Flags, name)
}

func pairKey(userID, deviceHash string) string {
	return fmt.Sprintf("%s:%s", userID, deviceHash)
}

func cooldownKey(pair string) string {
	return fmt.Sprintf("ws:cooldown:%s", pair)
}

func reconnectCountKey(pair string) string {
	return fmt.Sprintf("ws:reconnects:%s", pair)
}
