package policy

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/risk"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/pkg/errors"
)

// Repository is the persistent slice the engine needs: the per-user policy
// record plus the violation counter feeding the shadow-ban rule.
type Repository interface {
	FindPolicy(ctx context.Context, userID string) (*Policy, error)
	SavePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, userID string) error
	ViolationCount(ctx context.Context, userID string) (int, error)
	RecordViolation(ctx context.Context, userID string) error
}

// Config tunes policy parameters.
type Config struct {
	DefaultTTL          time.Duration
	ShadowBanViolations int
	MinDelayMs          int
	MaxDelayMs          int
	DegradedMaxLength   int
}

// Enforcement is what the serving layer actually does for one request
// under the current policy.
type Enforcement struct {
	Delay        time.Duration `json:"delay,omitempty"`
	MaxLength    int           `json:"max_length,omitempty"`
	Shadow       bool          `json:"shadow,omitempty"`
	Blocked      bool          `json:"blocked,omitempty"`
	BlockMessage string        `json:"block_message,omitempty"`
}

// Engine decides and executes response policies.
type Engine struct {
	repo   Repository
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a policy engine.
func NewEngine(repo Repository, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.ShadowBanViolations == 0 {
		cfg.ShadowBanViolations = 5
	}
	if cfg.MinDelayMs == 0 {
		cfg.MinDelayMs = 2000
	}
	if cfg.MaxDelayMs == 0 {
		cfg.MaxDelayMs = 8000
	}
	if cfg.DegradedMaxLength == 0 {
		cfg.DegradedMaxLength = 500
	}
	return &Engine{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Current returns the user's active policy. Missing and expired records
// both read as NORMAL; expired ones are cleared.
func (e *Engine) Current(ctx context.Context, userID string) (*Policy, error) {
	p, err := e.repo.FindPolicy(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return e.normal(userID), nil
		}
		return nil, err
	}
	if p == nil {
		return e.normal(userID), nil
	}
	if p.Expired(e.now()) {
		if err := e.repo.DeletePolicy(ctx, userID); err != nil {
			return nil, err
		}
		return e.normal(userID), nil
	}
	return p, nil
}

// Decide maps a risk level and trust tier to a policy and persists it when
// it enforces anything. CRITICAL always blocks. HIGH shadow-bans repeat
// offenders and degrades the rest. MEDIUM delays only untrusted users.
// A decision never de-escalates an existing stronger policy.
func (e *Engine) Decide(ctx context.Context, userID string, level risk.Level, tier trust.Tier, reason string) (*Policy, error) {
	var target Type
	switch {
	case level >= risk.LevelCritical:
		target = TypeBlocked
	case level >= risk.LevelHigh:
		violations, err := e.repo.ViolationCount(ctx, userID)
		if err != nil {
			return nil, err
		}
		if violations >= e.cfg.ShadowBanViolations {
			target = TypeShadowBanned
		} else {
			target = TypeDegraded
		}
	case level >= risk.LevelMedium && tier == trust.TierUntrusted:
		target = TypeDelayed
	default:
		target = TypeNormal
	}

	current, err := e.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if target <= current.Type {
		return current, nil
	}
	return e.apply(ctx, userID, target, reason)
}

// Escalate moves the user's policy one rung up the ladder.
func (e *Engine) Escalate(ctx context.Context, userID, reason string) (*Policy, error) {
	current, err := e.Current(ctx, userID)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, userID, current.Type.next(), reason)
}

// Remove deletes the enforcement record, returning the user to NORMAL.
func (e *Engine) Remove(ctx context.Context, userID string) error {
	return e.repo.DeletePolicy(ctx, userID)
}

// Execute translates the current policy into the per-request enforcement.
// Shadow-banned requests are accepted but marked so downstream effects
// (earnings, analytics, delivery) skip them.
func (e *Engine) Execute(p *Policy) Enforcement {
	switch p.Type {
	case TypeDelayed:
		spread := p.Parameters.MaxDelayMs - p.Parameters.MinDelayMs
		delayMs := p.Parameters.MinDelayMs
		if spread > 0 {
			// Execute runs on concurrent request goroutines; the
			// package-level source is the locked one.
			delayMs += rand.Intn(spread)
		}
		return Enforcement{Delay: time.Duration(delayMs) * time.Millisecond}
	case TypeDegraded:
		return Enforcement{MaxLength: p.Parameters.MaxMessageLength}
	case TypeShadowBanned:
		return Enforcement{Shadow: true}
	case TypeBlocked:
		return Enforcement{Blocked: true, BlockMessage: p.Parameters.BlockMessage}
	}
	return Enforcement{}
}

func (e *Engine) apply(ctx context.Context, userID string, target Type, reason string) (*Policy, error) {
	now := e.now().UTC()
	p := &Policy{
		UserID:     userID,
		Type:       target,
		Reason:     reason,
		AppliedAt:  now,
		Parameters: e.parametersFor(target),
	}
	if target == TypeNormal {
		if err := e.repo.DeletePolicy(ctx, userID); err != nil {
			return nil, err
		}
		return p, nil
	}

	if target == TypeBlocked {
		p.Permanent = true
	} else {
		expires := now.Add(e.cfg.DefaultTTL)
		p.ExpiresAt = &expires
	}

	if err := e.repo.SavePolicy(ctx, p); err != nil {
		return nil, err
	}
	if err := e.repo.RecordViolation(ctx, userID); err != nil {
		return nil, err
	}
	e.logger.Info("response policy applied",
		zap.String("user_id", userID),
		zap.String("policy", target.String()),
		zap.String("reason", reason))
	return p, nil
}

func (e *Engine) parametersFor(t Type) Parameters {
	switch t {
	case TypeDelayed:
		return Parameters{MinDelayMs: e.cfg.MinDelayMs, MaxDelayMs: e.cfg.MaxDelayMs}
	case TypeDegraded:
		return Parameters{
			DisabledFeatures: []string{"voice_messages", "image_generation", "character_creation"},
			MaxMessageLength: e.cfg.DegradedMaxLength,
		}
	case TypeShadowBanned:
		return Parameters{ExcludeFromEarnings: true, ExcludeFromAnalytics: true}
	case TypeBlocked:
		return Parameters{BlockMessage: "Your account has been restricted. Contact support to appeal."}
	}
	return Parameters{}
}

func (e *Engine) normal(userID string) *Policy {
	return &Policy{UserID: userID, Type: TypeNormal, AppliedAt: e.now().UTC()}
}
