package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talefront/aegis/internal/graph"
	"github.com/talefront/aegis/internal/policy"
	"github.com/talefront/aegis/internal/risk"
	"github.com/talefront/aegis/internal/scoring"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
)

// TrustScoreModel is the persisted trust score row.
type TrustScoreModel struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	Score     float64   `gorm:"not null"`
	Tier      string    `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (TrustScoreModel) TableName() string { return "trust_scores" }

func trustToModel(s *trust.Score) *TrustScoreModel {
	return &TrustScoreModel{
		UserID:    s.UserID,
		Score:     s.Score,
		Tier:      s.Tier.String(),
		UpdatedAt: s.UpdatedAt,
	}
}

func trustFromModel(m *TrustScoreModel) *trust.Score {
	return &trust.Score{
		UserID:    m.UserID,
		Score:     m.Score,
		Tier:      trust.TierFromScore(m.Score),
		UpdatedAt: m.UpdatedAt,
	}
}

// PolicyModel is the single authoritative enforcement row per user.
type PolicyModel struct {
	UserID     string     `gorm:"primaryKey;size:64"`
	Type       string     `gorm:"not null;index"`
	Reason     string     `gorm:"not null"`
	AppliedAt  time.Time  `gorm:"not null"`
	ExpiresAt  *time.Time `gorm:"index"`
	Permanent  bool       `gorm:"not null"`
	Parameters string     `gorm:"type:jsonb"`
}

func (PolicyModel) TableName() string { return "response_policies" }

func policyToModel(p *policy.Policy) (*PolicyModel, error) {
	params, err := json.Marshal(p.Parameters)
	if err != nil {
		return nil, err
	}
	return &PolicyModel{
		UserID:     p.UserID,
		Type:       p.Type.String(),
		Reason:     p.Reason,
		AppliedAt:  p.AppliedAt,
		ExpiresAt:  p.ExpiresAt,
		Permanent:  p.Permanent,
		Parameters: string(params),
	}, nil
}

func policyFromModel(m *PolicyModel) (*policy.Policy, error) {
	var params policy.Parameters
	if m.Parameters != "" {
		if err := json.Unmarshal([]byte(m.Parameters), &params); err != nil {
			return nil, err
		}
	}
	return &policy.Policy{
		UserID:     m.UserID,
		Type:       policy.TypeFromString(m.Type),
		Reason:     m.Reason,
		AppliedAt:  m.AppliedAt,
		ExpiresAt:  m.ExpiresAt,
		Permanent:  m.Permanent,
		Parameters: params,
	}, nil
}

// PolicyViolation is one recorded enforcement hit; the count feeds the
// shadow-ban decision.
type PolicyViolation struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	UserID     string    `gorm:"size:64;index;not null"`
	OccurredAt time.Time `gorm:"not null;index"`
}

func (PolicyViolation) TableName() string { return "policy_violations" }

// FraudScoreModel is the canonical per-user fraud score row. Components
// and history are serialized; merges happen in the scoring service, never
// as partial column updates.
type FraudScoreModel struct {
	UserID       string    `gorm:"primaryKey;size:64"`
	Components   string    `gorm:"type:jsonb"`
	OverallScore float64   `gorm:"not null;index"`
	RiskLevel    string    `gorm:"not null;index"`
	Action       string    `gorm:"not null"`
	Trend        string    `gorm:"not null"`
	History      string    `gorm:"type:jsonb"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (FraudScoreModel) TableName() string { return "fraud_scores" }

func fraudToModel(s *scoring.FraudScore) (*FraudScoreModel, error) {
	components, err := json.Marshal(s.Components)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(s.History)
	if err != nil {
		return nil, err
	}
	return &FraudScoreModel{
		UserID:       s.UserID,
		Components:   string(components),
		OverallScore: s.OverallScore,
		RiskLevel:    s.RiskLevel.String(),
		Action:       s.Action.String(),
		Trend:        s.Trend,
		History:      string(history),
		UpdatedAt:    s.UpdatedAt,
	}, nil
}

func fraudFromModel(m *FraudScoreModel) (*scoring.FraudScore, error) {
	s := &scoring.FraudScore{
		UserID:    m.UserID,
		Trend:     m.Trend,
		UpdatedAt: m.UpdatedAt,
	}
	if m.Components != "" {
		if err := json.Unmarshal([]byte(m.Components), &s.Components); err != nil {
			return nil, err
		}
	}
	if m.History != "" {
		if err := json.Unmarshal([]byte(m.History), &s.History); err != nil {
			return nil, err
		}
	}
	s.OverallScore = m.OverallScore
	s.RiskLevel = risk.LevelFromScore(m.OverallScore)
	// The action was decided against the thresholds configured when the
	// score was written; replay it as stored rather than re-deriving it
	// against whatever this process is configured with.
	action, ok := risk.ParseAction(m.Action)
	if !ok {
		return nil, errors.NewValidation("action", fmt.Sprintf("unrecognized stored action %q", m.Action))
	}
	s.Action = action
	return s, nil
}

// ClusterModel persists one detected user cluster for review.
type ClusterModel struct {
	ID            uuid.UUID `gorm:"primaryKey;type:uuid"`
	UserIDs       string    `gorm:"type:jsonb;not null"`
	SharedSignals string    `gorm:"type:jsonb"`
	RiskFactors   string    `gorm:"type:jsonb"`
	RiskScore     float64   `gorm:"not null;index"`
	Status        string    `gorm:"not null;index"`
	DetectedAt    time.Time `gorm:"not null;index"`
}

func (ClusterModel) TableName() string { return "user_clusters" }

func clusterToModel(c *graph.UserCluster) (*ClusterModel, error) {
	users, err := json.Marshal(c.UserIDs)
	if err != nil {
		return nil, err
	}
	signals, err := json.Marshal(c.SharedSignals)
	if err != nil {
		return nil, err
	}
	factors, err := json.Marshal(c.RiskFactors)
	if err != nil {
		return nil, err
	}
	return &ClusterModel{
		ID:            c.ID,
		UserIDs:       string(users),
		SharedSignals: string(signals),
		RiskFactors:   string(factors),
		RiskScore:     c.RiskScore,
		Status:        c.Status,
		DetectedAt:    c.DetectedAt,
	}, nil
}

func clusterFromModel(m *ClusterModel) (*graph.UserCluster, error) {
	c := &graph.UserCluster{
		ID:         m.ID,
		RiskScore:  m.RiskScore,
		Status:     m.Status,
		DetectedAt: m.DetectedAt,
	}
	if err := json.Unmarshal([]byte(m.UserIDs), &c.UserIDs); err != nil {
		return nil, err
	}
	if m.SharedSignals != "" {
		if err := json.Unmarshal([]byte(m.SharedSignals), &c.SharedSignals); err != nil {
			return nil, err
		}
	}
	if m.RiskFactors != "" {
		if err := json.Unmarshal([]byte(m.RiskFactors), &c.RiskFactors); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RingModel persists one suspected collusion ring.
type RingModel struct {
	ID         uuid.UUID `gorm:"primaryKey;type:uuid"`
	CreatorID  string    `gorm:"size:64;not null;index"`
	UserIDs    string    `gorm:"type:jsonb;not null"`
	Evidence   string    `gorm:"type:jsonb"`
	Confidence float64   `gorm:"not null;index"`
	Status     string    `gorm:"not null;index"`
	DetectedAt time.Time `gorm:"not null;index"`
}

func (RingModel) TableName() string { return "collusion_rings" }

func ringToModel(r *graph.CollusionRing) (*RingModel, error) {
	users, err := json.Marshal(r.UserIDs)
	if err != nil {
		return nil, err
	}
	evidence, err := json.Marshal(r.Evidence)
	if err != nil {
		return nil, err
	}
	return &RingModel{
		ID:         r.ID,
		CreatorID:  r.CreatorID,
		UserIDs:    string(users),
		Evidence:   string(evidence),
		Confidence: r.Confidence,
		Status:     r.Status,
		DetectedAt: r.DetectedAt,
	}, nil
}

func ringFromModel(m *RingModel) (*graph.CollusionRing, error) {
	r := &graph.CollusionRing{
		ID:         m.ID,
		CreatorID:  m.CreatorID,
		Confidence: m.Confidence,
		Status:     m.Status,
		DetectedAt: m.DetectedAt,
	}
	if err := json.Unmarshal([]byte(m.UserIDs), &r.UserIDs); err != nil {
		return nil, err
	}
	if m.Evidence != "" {
		if err := json.Unmarshal([]byte(m.Evidence), &r.Evidence); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// UserSnapshot is the minimal slice of account data the graph jobs need,
// refreshed from inbound request context. Registration time keeps the
// earliest value ever seen; last-seen always advances.
type UserSnapshot struct {
	UserID       string    `gorm:"primaryKey;size:64"`
	RegisteredAt time.Time `gorm:"not null;index"`
	LastSeenAt   time.Time `gorm:"not null"`
}

func (UserSnapshot) TableName() string { return "user_snapshots" }

// InteractionEvent is the raw per-interaction row the graph jobs rebuild
// from. Retention-bounded; the cleanup job prunes it.
type InteractionEvent struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	UserID       string    `gorm:"size:64;not null;index"`
	CreatorID    string    `gorm:"size:64;not null;index"`
	IPAddress    string    `gorm:"size:64"`
	DeviceHash   string    `gorm:"size:128"`
	Spend        string    `gorm:"not null;default:'0'"`
	MessageCount int       `gorm:"not null"`
	OccurredAt   time.Time `gorm:"not null;index"`
}

func (InteractionEvent) TableName() string { return "interaction_events" }
