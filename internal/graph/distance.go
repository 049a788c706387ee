package graph

import (
	"math"
	"time"
)

// Distance weights. They deliberately sum past 1.0: a pair matching on
// everything bottoms out at zero distance well before every component
// saturates.
const (
	sharedIPWeight       = 0.30
	sharedDeviceWeight   = 0.35
	activityCorrWeight   = 0.15
	behaviorSimWeight    = 0.15
	registrationWeight   = 0.15
	activityCorrMinimum  = 0.8
	sharedIPSaturation   = 2.0
	sharedDeviceSaturate = 1.0
)

// Distance computes pairwise dissimilarity between two users in [0,1].
// It starts maximally dissimilar (1.0) and is reduced by shared
// infrastructure, correlated schedules, similar behavior and registration
// proximity. Symmetric by construction.
func Distance(a, b *User, registrationWindow time.Duration) float64 {
	d := 1.0

	if n := sharedCount(a.IPs, b.IPs); n > 0 {
		d -= sharedIPWeight * math.Min(1, float64(n)/sharedIPSaturation)
	}
	if n := sharedCount(a.Devices, b.Devices); n > 0 {
		d -= sharedDeviceWeight * math.Min(1, float64(n)/sharedDeviceSaturate)
	}
	if corr := pearson(a.ActivityHours[:], b.ActivityHours[:]); corr > activityCorrMinimum {
		d -= activityCorrWeight
	}
	if sim := Cosine(a.Behavior, b.Behavior); sim > 0 {
		d -= behaviorSimWeight * sim
	}
	if gap := a.RegisteredAt.Sub(b.RegisteredAt); absDuration(gap) <= registrationWindow {
		d -= registrationWeight
	}

	if d < 0 {
		return 0
	}
	return d
}

func sharedCount(a, b map[string]bool) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if b[k] {
			n++
		}
	}
	return n
}

// Cosine returns the cosine similarity of two vectors, zero when either is
// empty or lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// pearson returns the Pearson correlation of two equal-length series, zero
// when either is constant.
func pearson(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	n := float64(len(a))
	var sumA, sumB float64
	for i := range a {
		sumA += a[i]
		sumB += b[i]
	}
	meanA, meanB := sumA/n, sumB/n
	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
