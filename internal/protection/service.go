// Package protection composes the request-path pipeline: fingerprint
// extraction, session binding validation, rate limiting, risk assessment
// and response-policy execution, folded into one decision the serving
// layer can act on.
package protection

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/detector"
	"github.com/talefront/aegis/internal/fingerprint"
	"github.com/talefront/aegis/internal/metrics"
	"github.com/talefront/aegis/internal/policy"
	"github.com/talefront/aegis/internal/ratelimit"
	"github.com/talefront/aegis/internal/risk"
	"github.com/talefront/aegis/internal/scoring"
	"github.com/talefront/aegis/internal/session"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
)

// SessionValidator is the session-binding slice the pipeline needs.
type SessionValidator interface {
	Validate(ctx context.Context, sessionID, userID, deviceID, ip, fpHash string) (session.Result, error)
	Bind(ctx context.Context, sessionID, userID, deviceID, ip, fpHash string) error
}

// RateLimiter is the limiter slice the pipeline needs.
type RateLimiter interface {
	AllowMessage(ctx context.Context, userID string, tier trust.Tier) (ratelimit.Result, error)
}

// Assessor runs the detector fan-out.
type Assessor interface {
	Assess(ctx context.Context, req *detector.Request) (*risk.Assessment, error)
}

// PolicyEngine decides and executes enforcement.
type PolicyEngine interface {
	Current(ctx context.Context, userID string) (*policy.Policy, error)
	Decide(ctx context.Context, userID string, level risk.Level, tier trust.Tier, reason string) (*policy.Policy, error)
	Execute(p *policy.Policy) policy.Enforcement
}

// TierSource resolves a user's trust tier.
type TierSource interface {
	GetTier(ctx context.Context, userID string) trust.Tier
}

// Recorder is the score write-side the pipeline feeds after a decision.
type Recorder interface {
	Record(ctx context.Context, userID string, obs scoring.Observation) (*scoring.FraudScore, error)
}

// History records per-request activity consumed by the offline graph jobs.
type History interface {
	UpsertUserSnapshot(ctx context.Context, userID string, registeredAt, seenAt time.Time) error
	RecordMessage(ctx context.Context, userID, creatorID, ip, deviceHash string, at time.Time) error
}

// Result is the decision handed back to the serving layer.
type Result struct {
	Allowed   bool              `json:"allowed"`
	Reason    string            `json:"reason,omitempty"`
	Action    risk.Action       `json:"action"`
	RiskLevel risk.Level        `json:"risk_level"`
	TrustTier trust.Tier        `json:"trust_tier"`
	Policy    policy.Type       `json:"policy"`
	Delay     time.Duration     `json:"delay,omitempty"`
	MaxLength int               `json:"max_length,omitempty"`
	Shadow    bool              `json:"shadow,omitempty"`
	Challenge bool              `json:"challenge,omitempty"`
	RateLimit *ratelimit.Result `json:"rate_limit,omitempty"`
	Flags     []string          `json:"flags,omitempty"`
}

// Service runs the pipeline.
type Service struct {
	sessions  SessionValidator
	limiter   RateLimiter
	assessor  Assessor
	policies  PolicyEngine
	tiers     TierSource
	recorder  Recorder
	history   History
	extractor *fingerprint.Extractor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService wires the pipeline. recorder, history and m may be nil.
func NewService(
	sessions SessionValidator,
	limiter RateLimiter,
	assessor Assessor,
	policies PolicyEngine,
	tiers TierSource,
	recorder Recorder,
	history History,
	extractor *fingerprint.Extractor,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		sessions:  sessions,
		limiter:   limiter,
		assessor:  assessor,
		policies:  policies,
		tiers:     tiers,
		recorder:  recorder,
		history:   history,
		extractor: extractor,
		metrics:   m,
		logger:    logger,
	}
}

// Protect evaluates one inbound request. headers may be nil when the
// transport has already consumed them.
func (s *Service) Protect(ctx context.Context, req *detector.Request, headers http.Header) (*Result, error) {
	tier := s.tiers.GetTier(ctx, req.UserID)

	// A standing BLOCKED policy short-circuits everything else.
	current, err := s.policies.Current(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if current.Type == policy.TypeBlocked {
		enf := s.policies.Execute(current)
		return &Result{
			Allowed:   false,
			Reason:    enf.BlockMessage,
			Action:    risk.ActionBlock,
			RiskLevel: risk.LevelCritical,
			TrustTier: tier,
			Policy:    policy.TypeBlocked,
		}, nil
	}

	var flags []string

	// Fingerprint the transport before anything mutates state.
	fpHash := req.DeviceHash
	if headers != nil {
		fp := fingerprint.FromHeaders(headers)
		if fpHash == "" {
			fpHash = fp.Hash()
		}
		if s.extractor != nil {
			if auto := s.extractor.DetectAutomation(fp); auto.Flagged {
				flags = append(flags, "automation_suspected")
			}
		}
	}

	// Session continuity. An unknown session gets bound rather than
	// rejected; the serving layer authenticates, we track continuity.
	sessionRisk := 0.0
	bind, err := s.sessions.Validate(ctx, req.SessionID, req.UserID, req.DeviceHash, req.IPAddress, fpHash)
	switch {
	case err == nil:
		sessionRisk = bind.RiskScore
		flags = append(flags, bind.Mismatches...)
		if !bind.IsValid {
			s.record(ctx, req.UserID, scoring.Observation{Session: &sessionRisk})
			return &Result{
				Allowed:   false,
				Reason:    "session binding mismatch",
				Action:    risk.ActionChallenge,
				RiskLevel: risk.LevelFromScore(sessionRisk),
				TrustTier: tier,
				Policy:    current.Type,
				Challenge: true,
				Flags:     flags,
			}, nil
		}
	case errors.Is(err, errors.ErrNotFound):
		if err := s.sessions.Bind(ctx, req.SessionID, req.UserID, req.DeviceHash, req.IPAddress, fpHash); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	// Tier-scoped rate limit. Rejections carry the header material.
	rl, err := s.limiter.AllowMessage(ctx, req.UserID, tier)
	if err != nil {
		return nil, err
	}
	if !rl.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimitRejections.WithLabelValues(tier.String(), "message").Inc()
		}
		return &Result{
			Allowed:   false,
			Reason:    "rate limit exceeded",
			Action:    risk.ActionThrottle,
			RiskLevel: risk.LevelLow,
			TrustTier: tier,
			Policy:    current.Type,
			RateLimit: &rl,
			Flags:     flags,
		}, nil
	}

	// Full detector fan-out.
	assessment, err := s.assessor.Assess(ctx, req)
	if err != nil {
		return nil, err
	}
	flags = append(flags, assessment.Flags...)
	if s.metrics != nil {
		s.metrics.AssessmentsTotal.WithLabelValues(assessment.Action.String(), assessment.Level.String()).Inc()
		s.metrics.AssessmentDuration.WithLabelValues(assessment.Action.String()).Observe(assessment.Elapsed.Seconds())
	}

	// Re-decide the standing policy from the new evidence, then enforce
	// whichever is stricter.
	decided, err := s.policies.Decide(ctx, req.UserID, assessment.Level, tier, "risk assessment "+assessment.ID.String())
	if err != nil {
		return nil, err
	}
	enf := s.policies.Execute(decided)

	s.feedScores(ctx, req, sessionRisk, assessment)
	s.recordActivity(ctx, req, assessment.CreatedAt)

	res := &Result{
		Allowed:   !enf.Blocked,
		Action:    assessment.Action,
		RiskLevel: assessment.Level,
		TrustTier: tier,
		Policy:    decided.Type,
		Delay:     enf.Delay,
		MaxLength: enf.MaxLength,
		Shadow:    enf.Shadow,
		Challenge: assessment.Action == risk.ActionChallenge,
		RateLimit: &rl,
		Flags:     flags,
	}
	if enf.Blocked {
		res.Reason = enf.BlockMessage
	} else if assessment.Action == risk.ActionBlock {
		res.Allowed = false
		res.Reason = "risk threshold exceeded"
	}
	return res, nil
}

// feedScores turns the request's evidence into score observations.
// Best-effort: failures are logged, never surfaced to the request.
func (s *Service) feedScores(ctx context.Context, req *detector.Request, sessionRisk float64, a *risk.Assessment) {
	obs := scoring.Observation{Session: &sessionRisk, ObservedAt: a.CreatedAt}
	for _, sig := range a.Signals {
		v := sig.Score
		switch sig.Name {
		case "messages_per_minute", "messages_per_hour", "conversations_per_hour", "rapid_fire":
			if obs.Velocity == nil || v > *obs.Velocity {
				obs.Velocity = &v
			}
		case "shared_device", "creator_shared_device":
			if obs.Device == nil || v > *obs.Device {
				obs.Device = &v
			}
		case "shared_ip", "creator_shared_ip", "self_interaction":
			if obs.Network == nil || v > *obs.Network {
				obs.Network = &v
			}
		case "impossible_typing_speed", "paste_only_composition", "no_edits_long_content":
			if obs.Typing == nil || v > *obs.Typing {
				obs.Typing = &v
			}
		case "duplicate_content":
			if obs.Conversation == nil || v > *obs.Conversation {
				obs.Conversation = &v
			}
		}
	}
	s.record(ctx, req.UserID, obs)
}

// recordActivity feeds the interaction history the offline graph jobs
// rebuild from. Best-effort.
func (s *Service) recordActivity(ctx context.Context, req *detector.Request, at time.Time) {
	if s.history == nil {
		return
	}
	registeredAt := at
	if req.Account != nil {
		registeredAt = req.Account.RegisteredAt
	}
	if err := s.history.UpsertUserSnapshot(ctx, req.UserID, registeredAt, at); err != nil {
		s.logger.Warn("user snapshot dropped", zap.String("user_id", req.UserID), zap.Error(err))
	}
	if req.CreatorID == "" {
		return
	}
	if err := s.history.RecordMessage(ctx, req.UserID, req.CreatorID, req.IPAddress, req.DeviceHash, at); err != nil {
		s.logger.Warn("interaction event dropped", zap.String("user_id", req.UserID), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, userID string, obs scoring.Observation) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Record(ctx, userID, obs); err != nil {
		s.logger.Warn("score observation dropped", zap.String("user_id", userID), zap.Error(err))
	}
}
