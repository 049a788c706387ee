// Package risk aggregates detector signals into per-request risk
// assessments and decides enforcement actions.
package risk

import (
	"time"

	"github.com/google/uuid"

	"github.com/talefront/aegis/internal/detector"
)

// Action is the enforcement decision for one request. The ladder is
// strictly ordered: allow < throttle < challenge < shadow < block.
type Action int

const (
	ActionAllow Action = iota
	ActionThrottle
	ActionChallenge
	ActionShadow
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionThrottle:
		return "throttle"
	case ActionChallenge:
		return "challenge"
	case ActionShadow:
		return "shadow"
	case ActionBlock:
		return "block"
	}
	return "unknown"
}

// ParseAction is the inverse of String, for actions read back from
// storage. Unrecognized input reports false.
func ParseAction(s string) (Action, bool) {
	switch s {
	case "allow":
		return ActionAllow, true
	case "throttle":
		return ActionThrottle, true
	case "challenge":
		return ActionChallenge, true
	case "shadow":
		return ActionShadow, true
	case "block":
		return ActionBlock, true
	}
	return ActionAllow, false
}

// Level buckets an overall score for reporting and policy selection.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return "unknown"
}

// LevelFromScore buckets an internal-scale score.
func LevelFromScore(score float64) Level {
	switch {
	case score >= 0.85:
		return LevelCritical
	case score >= 0.6:
		return LevelHigh
	case score >= 0.35:
		return LevelMedium
	}
	return LevelLow
}

// Assessment is the per-request decision. It is appended to the audit
// stream for every request regardless of outcome, and not otherwise
// retained.
type Assessment struct {
	ID           uuid.UUID         `json:"id"`
	UserID       string            `json:"user_id"`
	SessionID    string            `json:"session_id"`
	Action       Action            `json:"action"`
	Level        Level             `json:"level"`
	OverallScore float64           `json:"overall_score"`
	Signals      []detector.Signal `json:"signals"`
	Flags        []string          `json:"flags,omitempty"`
	Elapsed      time.Duration     `json:"elapsed"`
	CreatedAt    time.Time         `json:"created_at"`
}
