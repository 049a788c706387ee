// Package session binds sessions to devices, IPs and fingerprint hashes
// and scores continuity risk across requests.
package session

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/talefront/aegis/pkg/errors"
)

// Store is the slice of the shared cache the binder needs.
type Store interface {
	GetJSON(ctx context.Context, key string, dst interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Binding ties a session to a user, a device and a bounded history of the
// IPs and fingerprint hashes it has been seen from. History is FIFO: oldest
// entries fall off as new ones arrive, so legitimate drift is absorbed
// over time while abrupt full mismatches are not.
type Binding struct {
	SessionID         string    `json:"session_id"`
	UserID            string    `json:"user_id"`
	DeviceID          string    `json:"device_id"`
	IPHistory         []string  `json:"ip_history"`
	FingerprintHashes []string  `json:"fingerprint_hashes"`
	CreatedAt         time.Time `json:"created_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

// Result is the outcome of one binding validation.
type Result struct {
	RiskScore  float64  `json:"risk_score"`
	IsValid    bool     `json:"is_valid"`
	Mismatches []string `json:"mismatches,omitempty"`
}

// Config tunes penalties and bounds. Zero values are replaced by defaults.
type Config struct {
	TTL                time.Duration
	MaxIPHistory       int
	MaxHashHistory     int
	DeviceMismatchRisk float64
	UnknownIPRisk      float64
	UnknownHashRisk    float64
	InvalidThreshold   float64
}

// Binder validates device/IP/fingerprint continuity for sessions.
type Binder struct {
	store  Store
	cfg    Config
	logger *zap.Logger
}

// NewBinder creates a session binder.
func NewBinder(store Store, cfg Config, logger *zap.Logger) *Binder {
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxIPHistory == 0 {
		cfg.MaxIPHistory = 10
	}
	if cfg.MaxHashHistory == 0 {
		cfg.MaxHashHistory = 5
	}
	if cfg.DeviceMismatchRisk == 0 {
		cfg.DeviceMismatchRisk = 0.4
	}
	if cfg.UnknownIPRisk == 0 {
		cfg.UnknownIPRisk = 0.25
	}
	if cfg.UnknownHashRisk == 0 {
		cfg.UnknownHashRisk = 0.15
	}
	if cfg.InvalidThreshold == 0 {
		cfg.InvalidThreshold = 0.6
	}
	return &Binder{store: store, cfg: cfg, logger: logger}
}

func bindingKey(sessionID string) string {
	return fmt.Sprintf("session:binding:%s", sessionID)
}

// Bind creates a fresh binding for a session.
func (b *Binder) Bind(ctx context.Context, sessionID, userID, deviceID, ip, fpHash string) error {
	now := time.Now().UTC()
	binding := Binding{
		SessionID:         sessionID,
		UserID:            userID,
		DeviceID:          deviceID,
		IPHistory:         []string{ip},
		FingerprintHashes: []string{fpHash},
		CreatedAt:         now,
		LastSeenAt:        now,
	}
	return b.store.SetJSON(ctx, bindingKey(sessionID), binding, b.cfg.TTL)
}

// Validate scores continuity risk for a request against the stored binding.
// Device mismatch carries the heaviest penalty; an IP outside both the
// history and the most recent IP's /24-equivalent subnet a smaller one; an
// unseen fingerprint hash the smallest. History is updated on every call so
// gradual drift (mobile network hops) stays cheap. Bindings whose risk
// reaches the invalid threshold are removed.
func (b *Binder) Validate(ctx context.Context, sessionID, userID, deviceID, ip, fpHash string) (Result, error) {
	var binding Binding
	found, err := b.store.GetJSON(ctx, bindingKey(sessionID), &binding)
	if err != nil {
		return Result{}, errors.ErrServiceDegraded.Wrap(err)
	}
	if !found {
		return Result{}, errors.NewNotFound("session", sessionID)
	}

	var res Result
	if binding.DeviceID != deviceID {
		res.RiskScore += b.cfg.DeviceMismatchRisk
		res.Mismatches = append(res.Mismatches, "device_id")
	}
	if !contains(binding.IPHistory, ip) {
		recent := ""
		if n := len(binding.IPHistory); n > 0 {
			recent = binding.IPHistory[n-1]
		}
		if !sameSubnet(ip, recent) {
			res.RiskScore += b.cfg.UnknownIPRisk
			res.Mismatches = append(res.Mismatches, "ip_address")
		}
	}
	if !contains(binding.FingerprintHashes, fpHash) {
		res.RiskScore += b.cfg.UnknownHashRisk
		res.Mismatches = append(res.Mismatches, "fingerprint")
	}
	res.IsValid = res.RiskScore < b.cfg.InvalidThreshold

	binding.IPHistory = appendBounded(binding.IPHistory, ip, b.cfg.MaxIPHistory)
	binding.FingerprintHashes = appendBounded(binding.FingerprintHashes, fpHash, b.cfg.MaxHashHistory)
	binding.LastSeenAt = time.Now().UTC()

	if !res.IsValid {
		b.logger.Warn("session binding invalidated",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Float64("risk", res.RiskScore),
			zap.Strings("mismatches", res.Mismatches))
		if err := b.store.Delete(ctx, bindingKey(sessionID)); err != nil {
			return res, errors.ErrServiceDegraded.Wrap(err)
		}
		return res, nil
	}

	if err := b.store.SetJSON(ctx, bindingKey(sessionID), binding, b.cfg.TTL); err != nil {
		return res, errors.ErrServiceDegraded.Wrap(err)
	}
	return res, nil
}

// Invalidate removes a binding explicitly.
func (b *Binder) Invalidate(ctx context.Context, sessionID string) error {
	return b.store.Delete(ctx, bindingKey(sessionID))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// appendBounded appends v (if not already most recent) and evicts from the
// front once the bound is exceeded.
func appendBounded(list []string, v string, max int) []string {
	if contains(list, v) {
		return list
	}
	list = append(list, v)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// sameSubnet reports whether two addresses share a /24-equivalent prefix
// (/24 for IPv4, /48 for IPv6).
func sameSubnet(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return false
	}
	if pa.Is4() != pb.Is4() {
		return false
	}
	bits := 48
	if pa.Is4() {
		bits = 24
	}
	prefixA, err := pa.Prefix(bits)
	if err != nil {
		return false
	}
	return prefixA.Contains(pb)
}
