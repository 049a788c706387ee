package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

const (
	// Sustained typing above this rate is beyond human range for prose.
	maxHumanCharsPerSecond = 18.0
	// Content shorter than this is too small to judge composition on.
	minJudgeableLength = 40
	// Window for duplicate-content detection per user.
	duplicateWindow = time.Hour
)

// PayloadDetector applies automation heuristics to message composition
// metadata: impossible typing speed, pure-paste composition, zero edits on
// long content, and repeated identical content.
type PayloadDetector struct {
	sets SetStore
}

// NewPayloadDetector creates a payload analysis detector.
func NewPayloadDetector(sets SetStore) *PayloadDetector {
	return &PayloadDetector{sets: sets}
}

func (d *PayloadDetector) Name() string { return "payload" }

func (d *PayloadDetector) Detect(ctx context.Context, req *Request) ([]Signal, error) {
	p := req.Payload
	if p == nil || p.Content == "" {
		return nil, nil
	}

	var signals []Signal
	length := len([]rune(p.Content))

	if p.TypingDurationMs > 0 && length >= minJudgeableLength {
		cps := float64(length) / (float64(p.TypingDurationMs) / 1000)
		if cps > maxHumanCharsPerSecond {
			signals = append(signals, Signal{
				Name:   "impossible_typing_speed",
				Score:  math.Min(1, cps/(maxHumanCharsPerSecond*4)),
				Weight: WeightPayload,
				Evidence: map[string]interface{}{
					"chars_per_second": cps,
					"length":           length,
				},
			})
		}
	}

	if length >= minJudgeableLength && p.PasteEvents > 0 && p.TypingDurationMs < 500 {
		signals = append(signals, Signal{
			Name:   "paste_only_composition",
			Score:  0.5,
			Weight: WeightPayload,
			Evidence: map[string]interface{}{
				"paste_events":       p.PasteEvents,
				"typing_duration_ms": p.TypingDurationMs,
			},
		})
	}

	if length >= 200 && p.EditCount == 0 && p.TypingDurationMs > 0 {
		signals = append(signals, Signal{
			Name:   "no_edits_long_content",
			Score:  0.3,
			Weight: WeightPayload,
			Evidence: map[string]interface{}{
				"length": length,
			},
		})
	}

	sum := sha256.Sum256([]byte(p.Content))
	contentHash := hex.EncodeToString(sum[:8])
	added, _, err := d.sets.AddToSet(ctx, contentHashKey(req.UserID), contentHash, duplicateWindow)
	if err != nil {
		return nil, err
	}
	if !added {
		signals = append(signals, Signal{
			Name:   "duplicate_content",
			Score:  0.7,
			Weight: WeightPayload,
			Evidence: map[string]interface{}{
				"content_hash": contentHash,
			},
		})
	}

	return signals, nil
}

func contentHashKey(userID string) string {
	return fmt.Sprintf("fraud:content:recent:%s", userID)
}
