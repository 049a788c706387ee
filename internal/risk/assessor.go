package risk

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/detector"
	"github.com/talefront/aegis/pkg/errors"
)

// Auditor receives every assessment. Implementations must not block the
// decision path.
type Auditor interface {
	Record(assessment *Assessment)
}

// AlertSink receives high-severity assessments, fire-and-forget.
type AlertSink interface {
	Notify(assessment *Assessment)
}

// Thresholds are the four ascending action cut-offs on the overall score.
type Thresholds struct {
	Throttle  float64
	Challenge float64
	Shadow    float64
	Block     float64
}

// DefaultThresholds returns the production ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{Throttle: 0.3, Challenge: 0.5, Shadow: 0.7, Block: 0.85}
}

// Assessor fans out to all detectors in parallel, aggregates their signals
// into a weighted overall score and decides an action. A detector that
// errors or times out contributes no signals; the assessor always returns
// a decision.
type Assessor struct {
	detectors       []detector.Detector
	thresholds      Thresholds
	detectorTimeout time.Duration
	auditor         Auditor
	alerts          AlertSink
	validate        *validator.Validate
	logger          *zap.Logger
}

// NewAssessor creates an assessor over the given detectors.
func NewAssessor(detectors []detector.Detector, thresholds Thresholds, detectorTimeout time.Duration, auditor Auditor, alerts AlertSink, logger *zap.Logger) *Assessor {
	if detectorTimeout == 0 {
		detectorTimeout = 150 * time.Millisecond
	}
	return &Assessor{
		detectors:       detectors,
		thresholds:      thresholds,
		detectorTimeout: detectorTimeout,
		auditor:         auditor,
		alerts:          alerts,
		validate:        validator.New(),
		logger:          logger,
	}
}

// Assess evaluates a request. Required context fields are validated before
// any detector runs.
func (a *Assessor) Assess(ctx context.Context, req *detector.Request) (*Assessment, error) {
	if err := a.validate.Struct(req); err != nil {
		return nil, errors.ErrValidation.Wrap(err)
	}

	start := time.Now()
	signals := a.collect(ctx, req)

	var weightedSum, weightSum float64
	flags := make([]string, 0, len(signals))
	for _, s := range signals {
		weightedSum += s.Score * s.Weight
		weightSum += s.Weight
		flags = append(flags, s.Name)
	}
	var overall float64
	if weightSum > 0 {
		overall = weightedSum / weightSum
	}

	assessment := &Assessment{
		ID:           uuid.New(),
		UserID:       req.UserID,
		SessionID:    req.SessionID,
		Action:       a.thresholds.ActionFor(overall),
		Level:        LevelFromScore(overall),
		OverallScore: overall,
		Signals:      signals,
		Flags:        flags,
		Elapsed:      time.Since(start),
		CreatedAt:    time.Now().UTC(),
	}

	if a.auditor != nil {
		a.auditor.Record(assessment)
	}
	if a.alerts != nil && assessment.Level >= LevelHigh {
		a.alerts.Notify(assessment)
	}
	return assessment, nil
}

// collect runs every detector concurrently with a bounded per-detector
// timeout and joins the results. No detector can block the others.
func (a *Assessor) collect(ctx context.Context, req *detector.Request) []detector.Signal {
	type result struct {
		name    string
		signals []detector.Signal
		err     error
	}

	results := make(chan result, len(a.detectors))
	var wg sync.WaitGroup
	for _, d := range a.detectors {
		wg.Add(1)
		go func(d detector.Detector) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, a.detectorTimeout)
			defer cancel()
			signals, err := d.Detect(dctx, req)
			results <- result{name: d.Name(), signals: signals, err: err}
		}(d)
	}
	wg.Wait()
	close(results)

	var signals []detector.Signal
	for r := range results {
		if r.err != nil {
			// Degrade gracefully: an unavailable signal never fails the
			// request.
			a.logger.Warn("detector failed",
				zap.String("detector", r.name),
				zap.String("user_id", req.UserID),
				zap.Error(r.err))
			continue
		}
		signals = append(signals, r.signals...)
	}
	return signals
}

// ActionFor maps an overall score onto the ladder.
func (t Thresholds) ActionFor(score float64) Action {
	switch {
	case score >= t.Block:
		return ActionBlock
	case score >= t.Shadow:
		return ActionShadow
	case score >= t.Challenge:
		return ActionChallenge
	case score >= t.Throttle:
		return ActionThrottle
	}
	return ActionAllow
}
