// Package scoring maintains the canonical per-user fraud score: seven
// component scores merged with exponential moving averages, a bounded
// 30-day history for trend analysis, and an explainable breakdown of the
// top contributing factors.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/talefront/aegis/internal/risk"
)

// Component names. Every FraudScore carries all seven.
const (
	ComponentTyping       = "typing"
	ComponentSession      = "session"
	ComponentConversation = "conversation_quality"
	ComponentTiming       = "timing"
	ComponentNetwork      = "network"
	ComponentDevice       = "device"
	ComponentVelocity     = "velocity"
)

// componentWeights sum to 1.0 so the overall score needs no renormalizing.
var componentWeights = map[string]float64{
	ComponentTyping:       0.15,
	ComponentSession:      0.15,
	ComponentConversation: 0.10,
	ComponentTiming:       0.10,
	ComponentNetwork:      0.15,
	ComponentDevice:       0.15,
	ComponentVelocity:     0.20,
}

// Components holds the seven per-channel scores, each in [0,1].
type Components struct {
	Typing       float64 `json:"typing"`
	Session      float64 `json:"session"`
	Conversation float64 `json:"conversation_quality"`
	Timing       float64 `json:"timing"`
	Network      float64 `json:"network"`
	Device       float64 `json:"device"`
	Velocity     float64 `json:"velocity"`
}

func (c Components) value(name string) float64 {
	switch name {
	case ComponentTyping:
		return c.Typing
	case ComponentSession:
		return c.Session
	case ComponentConversation:
		return c.Conversation
	case ComponentTiming:
		return c.Timing
	case ComponentNetwork:
		return c.Network
	case ComponentDevice:
		return c.Device
	case ComponentVelocity:
		return c.Velocity
	}
	return 0
}

// Overall is the weighted combination of all components, in [0,1].
func (c Components) Overall() float64 {
	var sum float64
	for name, w := range componentWeights {
		sum += clamp01(c.value(name)) * w
	}
	return clamp01(sum)
}

// HistoryEntry is one point of the bounded score history.
type HistoryEntry struct {
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Trend directions derived from the score history.
const (
	TrendRising  = "rising"
	TrendStable  = "stable"
	TrendFalling = "falling"
)

// Factor is one explainable contributor to the overall score.
type Factor struct {
	Component    string  `json:"component"`
	Score        float64 `json:"score"`
	Contribution float64 `json:"contribution"`
}

// FraudScore is the canonical per-user record.
type FraudScore struct {
	UserID       string         `json:"user_id"`
	Components   Components     `json:"components"`
	OverallScore float64        `json:"overall_score"`
	RiskLevel    risk.Level     `json:"risk_level"`
	Action       risk.Action    `json:"recommended_action"`
	Trend        string         `json:"trend"`
	History      []HistoryEntry `json:"history"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ReportedScore returns the 0-100 external scale.
func (s *FraudScore) ReportedScore() float64 {
	return math.Round(s.OverallScore * 100)
}

// TopFactors returns the n largest weighted contributors, omitting
// components that contribute nothing.
func (s *FraudScore) TopFactors(n int) []Factor {
	factors := make([]Factor, 0, len(componentWeights))
	for name, w := range componentWeights {
		v := s.Components.value(name)
		if v <= 0 {
			continue
		}
		factors = append(factors, Factor{
			Component:    name,
			Score:        v,
			Contribution: v * w,
		})
	}
	sort.Slice(factors, func(i, j int) bool {
		if factors[i].Contribution != factors[j].Contribution {
			return factors[i].Contribution > factors[j].Contribution
		}
		return factors[i].Component < factors[j].Component
	})
	if len(factors) > n {
		factors = factors[:n]
	}
	return factors
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
