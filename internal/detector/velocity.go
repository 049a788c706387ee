package detector

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Counter is the atomic counter slice of the shared cache.
type Counter interface {
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Velocity thresholds. Counts at or under the floor contribute nothing;
// the score ramps linearly from the floor to the ceiling.
const (
	msgsPerMinuteFloor   = 20
	msgsPerMinuteCeiling = 60
	msgsPerHourFloor     = 300
	msgsPerHourCeiling   = 900
	convsPerHourFloor    = 15
	convsPerHourCeiling  = 60

	rapidFireWindow = 10 * time.Second
	rapidFireCount  = 6
)

// VelocityDetector flags abnormal per-minute/per-hour message and
// conversation rates via atomic increment+expire counters.
type VelocityDetector struct {
	counter Counter
}

// NewVelocityDetector creates a velocity detector.
func NewVelocityDetector(counter Counter) *VelocityDetector {
	return &VelocityDetector{counter: counter}
}

func (d *VelocityDetector) Name() string { return "velocity" }

// Detect increments the velocity counters for the request's action and
// emits signals for any window running hot. Six or more messages inside a
// ten-second window additionally emits the rapid_fire signal.
func (d *VelocityDetector) Detect(ctx context.Context, req *Request) ([]Signal, error) {
	var signals []Signal

	if req.Action == "send_message" {
		perMin, err := d.counter.IncrementWithTTL(ctx, fmt.Sprintf("velocity:msg:min:%s", req.UserID), time.Minute)
		if err != nil {
			return nil, err
		}
		perHour, err := d.counter.IncrementWithTTL(ctx, fmt.Sprintf("velocity:msg:hour:%s", req.UserID), time.Hour)
		if err != nil {
			return nil, err
		}
		rapid, err := d.counter.IncrementWithTTL(ctx, fmt.Sprintf("velocity:msg:burst:%s", req.UserID), rapidFireWindow)
		if err != nil {
			return nil, err
		}

		if s := rampScore(perMin, msgsPerMinuteFloor, msgsPerMinuteCeiling); s > 0 {
			signals = append(signals, Signal{
				Name: "messages_per_minute", Score: s, Weight: WeightVelocity,
				Evidence: map[string]interface{}{"count": perMin},
			})
		}
		if s := rampScore(perHour, msgsPerHourFloor, msgsPerHourCeiling); s > 0 {
			signals = append(signals, Signal{
				Name: "messages_per_hour", Score: s, Weight: WeightVelocity,
				Evidence: map[string]interface{}{"count": perHour},
			})
		}
		if rapid >= rapidFireCount {
			signals = append(signals, Signal{
				Name: "rapid_fire", Score: 0.8, Weight: WeightVelocity,
				Evidence: map[string]interface{}{
					"count":      rapid,
					"window_sec": int(rapidFireWindow.Seconds()),
				},
			})
		}
	}

	if req.Action == "start_conversation" {
		perHour, err := d.counter.IncrementWithTTL(ctx, fmt.Sprintf("velocity:conv:hour:%s", req.UserID), time.Hour)
		if err != nil {
			return nil, err
		}
		if s := rampScore(perHour, convsPerHourFloor, convsPerHourCeiling); s > 0 {
			signals = append(signals, Signal{
				Name: "conversations_per_hour", Score: s, Weight: WeightVelocity,
				Evidence: map[string]interface{}{"count": perHour},
			})
		}
	}

	return signals, nil
}

// rampScore maps a count to [0,1]: zero at or below floor, one at or above
// ceiling, linear in between.
func rampScore(count, floor, ceiling int64) float64 {
	if count <= floor {
		return 0
	}
	if count >= ceiling {
		return 1
	}
	return math.Min(1, float64(count-floor)/float64(ceiling-floor))
}
