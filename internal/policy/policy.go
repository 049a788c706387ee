// Package policy maps risk to enforcement and runs the escalation ladder:
// NORMAL -> DELAYED -> DEGRADED -> SHADOW_BANNED -> BLOCKED.
package policy

import (
	"time"
)

// Type is the enforcement state. Order matters: escalation only ever moves
// to a higher value.
type Type int

const (
	TypeNormal Type = iota
	TypeDelayed
	TypeDegraded
	TypeShadowBanned
	TypeBlocked
)

func (t Type) String() string {
	switch t {
	case TypeNormal:
		return "NORMAL"
	case TypeDelayed:
		return "DELAYED"
	case TypeDegraded:
		return "DEGRADED"
	case TypeShadowBanned:
		return "SHADOW_BANNED"
	case TypeBlocked:
		return "BLOCKED"
	}
	return "UNKNOWN"
}

// TypeFromString parses a persisted type name; unknown names map to
// NORMAL so a corrupt row fails open rather than blocking a user.
func TypeFromString(s string) Type {
	switch s {
	case "DELAYED":
		return TypeDelayed
	case "DEGRADED":
		return TypeDegraded
	case "SHADOW_BANNED":
		return TypeShadowBanned
	case "BLOCKED":
		return TypeBlocked
	}
	return TypeNormal
}

// Parameters carry the type-specific knobs for a policy.
type Parameters struct {
	MinDelayMs int `json:"min_delay_ms,omitempty"`
	MaxDelayMs int `json:"max_delay_ms,omitempty"`

	DisabledFeatures []string `json:"disabled_features,omitempty"`
	MaxMessageLength int      `json:"max_message_length,omitempty"`

	ExcludeFromEarnings  bool `json:"exclude_from_earnings,omitempty"`
	ExcludeFromAnalytics bool `json:"exclude_from_analytics,omitempty"`

	BlockMessage string `json:"block_message,omitempty"`
}

// Policy is the single authoritative enforcement record for a user. It is
// overwritten on escalation and deleted on removal.
type Policy struct {
	UserID     string     `json:"user_id"`
	Type       Type       `json:"type"`
	Reason     string     `json:"reason"`
	AppliedAt  time.Time  `json:"applied_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Permanent  bool       `json:"permanent"`
	Parameters Parameters `json:"parameters"`
}

// Expired reports whether a non-permanent policy has lapsed.
func (p *Policy) Expired(now time.Time) bool {
	return !p.Permanent && p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// next returns the type one rung up the ladder. BLOCKED is absorbing.
func (t Type) next() Type {
	if t >= TypeBlocked {
		return TypeBlocked
	}
	return t + 1
}
