package audit

import (
	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/risk"
)

// LogAlerts is the log-backed risk.AlertSink. High-severity assessments
// land in the operational log at warn level where the alerting pipeline
// picks them up.
type LogAlerts struct {
	logger *zap.Logger
}

// NewLogAlerts creates the sink.
func NewLogAlerts(logger *zap.Logger) *LogAlerts {
	return &LogAlerts{logger: logger}
}

// Notify logs one high-severity assessment.
func (a *LogAlerts) Notify(assessment *risk.Assessment) {
	a.logger.Warn("high severity assessment",
		zap.String("assessment_id", assessment.ID.String()),
		zap.String("user_id", assessment.UserID),
		zap.String("risk_level", assessment.Level.String()),
		zap.String("action", assessment.Action.String()),
		zap.Float64("overall_score", assessment.OverallScore),
		zap.Strings("flags", assessment.Flags),
	)
}
