package detector

import (
	"context"
	"time"
)

// BehaviorDetector scores account-level risk indicators: very new
// accounts, unverified contact details and free-tier status. It needs no
// external state; everything comes from the request's AccountInfo.
type BehaviorDetector struct {
	now func() time.Time
}

// NewBehaviorDetector creates a behavior detector.
func NewBehaviorDetector() *BehaviorDetector {
	return &BehaviorDetector{now: time.Now}
}

func (d *BehaviorDetector) Name() string { return "behavior" }

func (d *BehaviorDetector) Detect(_ context.Context, req *Request) ([]Signal, error) {
	if req.Account == nil {
		return nil, nil
	}

	var signals []Signal
	age := d.now().Sub(req.Account.RegisteredAt)

	switch {
	case age < 24*time.Hour:
		signals = append(signals, Signal{
			Name: "new_account", Score: 0.6, Weight: WeightBehavior,
			Evidence: map[string]interface{}{"account_age_hours": int(age.Hours())},
		})
	case age < 7*24*time.Hour:
		signals = append(signals, Signal{
			Name: "young_account", Score: 0.3, Weight: WeightBehavior,
			Evidence: map[string]interface{}{"account_age_hours": int(age.Hours())},
		})
	}

	if !req.Account.EmailVerified {
		signals = append(signals, Signal{
			Name: "unverified_contact", Score: 0.4, Weight: WeightBehavior,
		})
	}
	if req.Account.FreeTier {
		signals = append(signals, Signal{
			Name: "free_tier", Score: 0.2, Weight: WeightBehavior,
		})
	}
	return signals, nil
}
