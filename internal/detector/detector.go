// Package detector defines the risk signal detectors that feed the
// assessor. Each detector is independent and stateless apart from counters
// in the shared cache; a detector that errors contributes no signals rather
// than aborting the assessment.
package detector

import (
	"context"
	"time"
)

// Signal is one detector's scored, weighted piece of evidence. Scores are
// always internal scale [0,1].
type Signal struct {
	Name     string                 `json:"name"`
	Score    float64                `json:"score"`
	Weight   float64                `json:"weight"`
	Evidence map[string]interface{} `json:"evidence,omitempty"`
}

// MessagePayload carries client-reported composition metadata alongside
// the message content.
type MessagePayload struct {
	Content          string `json:"content"`
	TypingDurationMs int    `json:"typing_duration_ms,omitempty"`
	EditCount        int    `json:"edit_count,omitempty"`
	PasteEvents      int    `json:"paste_events,omitempty"`
}

// AccountInfo is the slice of the user record the behavior detector needs.
// Nil when the serving layer could not supply it.
type AccountInfo struct {
	RegisteredAt  time.Time `json:"registered_at"`
	EmailVerified bool      `json:"email_verified"`
	FreeTier      bool      `json:"free_tier"`
}

// Request is the evaluated request context. Validation of required fields
// happens before any detector runs.
type Request struct {
	UserID      string            `json:"user_id" validate:"required"`
	SessionID   string            `json:"session_id" validate:"required"`
	IPAddress   string            `json:"ip_address" validate:"required"`
	DeviceHash  string            `json:"device_hash,omitempty"`
	CharacterID string            `json:"character_id,omitempty"`
	CreatorID   string            `json:"creator_id,omitempty"`
	Action      string            `json:"action" validate:"required"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     *MessagePayload   `json:"payload,omitempty"`
	Account     *AccountInfo      `json:"account,omitempty"`
}

// Detector evaluates one dimension of request risk.
type Detector interface {
	Name() string
	Detect(ctx context.Context, req *Request) ([]Signal, error)
}

// Detector weights used by the assessor. Relationship evidence (shared
// device/IP with the creator being interacted with) is the strongest single
// signal the request path has.
const (
	WeightRelationship = 1.0
	WeightVelocity     = 0.8
	WeightDeviceNet    = 0.7
	WeightPayload      = 0.6
	WeightBehavior     = 0.5
)
