package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talefront/aegis/internal/detector"
	aegiserrors "github.com/talefront/aegis/pkg/errors"
	"github.com/talefront/aegis/pkg/logger"
)

type stubDetector struct {
	name    string
	signals []detector.Signal
	err     error
	delay   time.Duration
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Detect(ctx context.Context, _ *detector.Request) ([]detector.Signal, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.signals, s.err
}

type recordingAuditor struct {
	mu          sync.Mutex
	assessments []*Assessment
}

func (r *recordingAuditor) Record(a *Assessment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assessments = append(r.assessments, a)
}

type recordingAlerts struct {
	mu    sync.Mutex
	count int
}

func (r *recordingAlerts) Notify(*Assessment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
}

func validRequest() *detector.Request {
	return &detector.Request{
		UserID:    "u1",
		SessionID: "s1",
		IPAddress: "203.0.113.10",
		Action:    "send_message",
	}
}

func newAssessor(auditor Auditor, alerts AlertSink, detectors ...detector.Detector) *Assessor {
	return NewAssessor(detectors, DefaultThresholds(), 100*time.Millisecond, auditor, alerts, logger.NewNop())
}

func TestAssessWeightedAggregation(t *testing.T) {
	d1 := &stubDetector{name: "a", signals: []detector.Signal{{Name: "x", Score: 1.0, Weight: 1.0}}}
	d2 := &stubDetector{name: "b", signals: []detector.Signal{{Name: "y", Score: 0.0, Weight: 1.0}}}

	a := newAssessor(nil, nil, d1, d2)
	got, err := a.Assess(context.Background(), validRequest())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.OverallScore, 1e-9)
	assert.Len(t, got.Signals, 2)
}

func TestAssessScoreAlwaysInUnitInterval(t *testing.T) {
	d := &stubDetector{name: "a", signals: []detector.Signal{
		{Name: "x", Score: 1.0, Weight: 0.9},
		{Name: "y", Score: 0.8, Weight: 0.3},
		{Name: "z", Score: 0.2, Weight: 0.5},
	}}
	a := newAssessor(nil, nil, d)
	got, err := a.Assess(context.Background(), validRequest())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.OverallScore, 0.0)
	assert.LessOrEqual(t, got.OverallScore, 1.0)
}

func TestAssessDetectorErrorDegradesGracefully(t *testing.T) {
	healthy := &stubDetector{name: "ok", signals: []detector.Signal{{Name: "x", Score: 0.4, Weight: 1.0}}}
	broken := &stubDetector{name: "broken", err: errors.New("redis down")}

	a := newAssessor(nil, nil, healthy, broken)
	got, err := a.Assess(context.Background(), validRequest())
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.OverallScore, 1e-9)
	assert.Len(t, got.Signals, 1)
}

func TestAssessSlowDetectorTimesOut(t *testing.T) {
	fast := &stubDetector{name: "fast", signals: []detector.Signal{{Name: "x", Score: 0.6, Weight: 1.0}}}
	hung := &stubDetector{name: "hung", delay: 5 * time.Second,
		signals: []detector.Signal{{Name: "never", Score: 1.0, Weight: 1.0}}}

	a := newAssessor(nil, nil, fast, hung)
	start := time.Now()
	got, err := a.Assess(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "hung detector must not stall the assessment")
	assert.Len(t, got.Signals, 1)
	assert.InDelta(t, 0.6, got.OverallScore, 1e-9)
}

func TestAssessNoSignalsAllows(t *testing.T) {
	a := newAssessor(nil, nil, &stubDetector{name: "quiet"})
	got, err := a.Assess(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Zero(t, got.OverallScore)
	assert.Equal(t, ActionAllow, got.Action)
}

func TestAssessValidationRejectsBeforeDetectors(t *testing.T) {
	a := newAssessor(nil, nil, &stubDetector{name: "probe"})

	_, err := a.Assess(context.Background(), &detector.Request{UserID: "u1"})
	assert.ErrorIs(t, err, aegiserrors.ErrValidation)
}

func TestActionLadderMonotonic(t *testing.T) {
	a := newAssessor(nil, nil)
	prev := ActionAllow
	for score := 0.0; score <= 1.0; score += 0.01 {
		action := a.thresholds.ActionFor(score)
		assert.GreaterOrEqual(t, int(action), int(prev), "score %v", score)
		prev = action
	}
	assert.Equal(t, ActionBlock, a.thresholds.ActionFor(1.0))
}

func TestActionThresholdBoundaries(t *testing.T) {
	a := newAssessor(nil, nil)
	tests := []struct {
		score float64
		want  Action
	}{
		{0.0, ActionAllow},
		{0.29, ActionAllow},
		{0.3, ActionThrottle},
		{0.5, ActionChallenge},
		{0.7, ActionShadow},
		{0.85, ActionBlock},
		{1.0, ActionBlock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.thresholds.ActionFor(tt.score), "score %v", tt.score)
	}
}

func TestEveryAssessmentAudited(t *testing.T) {
	auditor := &recordingAuditor{}
	a := newAssessor(auditor, nil, &stubDetector{name: "quiet"})

	for i := 0; i < 3; i++ {
		_, err := a.Assess(context.Background(), validRequest())
		require.NoError(t, err)
	}
	assert.Len(t, auditor.assessments, 3)
}

func TestHighSeverityAlerts(t *testing.T) {
	alerts := &recordingAlerts{}
	hot := &stubDetector{name: "hot", signals: []detector.Signal{{Name: "x", Score: 1.0, Weight: 1.0}}}
	cold := &stubDetector{name: "cold"}

	a := newAssessor(nil, alerts, hot)
	_, err := a.Assess(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, alerts.count)

	a = newAssessor(nil, alerts, cold)
	_, err = a.Assess(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, alerts.count, "low severity must not alert")
}

func TestParseActionRoundTrip(t *testing.T) {
	for _, a := range []Action{ActionAllow, ActionThrottle, ActionChallenge, ActionShadow, ActionBlock} {
		got, ok := ParseAction(a.String())
		require.True(t, ok, a.String())
		assert.Equal(t, a, got)
	}
	_, ok := ParseAction("escalate")
	assert.False(t, ok)
}

func TestLevelFromScore(t *testing.T) {
	assert.Equal(t, LevelLow, LevelFromScore(0.1))
	assert.Equal(t, LevelMedium, LevelFromScore(0.4))
	assert.Equal(t, LevelHigh, LevelFromScore(0.7))
	assert.Equal(t, LevelCritical, LevelFromScore(0.9))
}
