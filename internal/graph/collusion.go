package graph

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ring review statuses.
const (
	RingStatusDetected      = "detected"
	RingStatusInvestigating = "investigating"
	RingStatusConfirmed     = "confirmed"
	RingStatusFalsePositive = "false_positive"
)

// Evidence types a ring can carry. A ring needs at least two distinct
// types before it is reported at all.
const (
	EvidenceRevenueConcentration = "revenue_concentration"
	EvidenceHighRiskCluster      = "high_risk_cluster"
	EvidenceRegistrationBurst    = "registration_burst"
	EvidenceBehaviorSimilarity   = "behavior_similarity"
)

// ValidRingTransition reports whether a ring status change is legal:
// detected → investigating → confirmed | false_positive, with a shortcut
// from detected straight to false_positive for obvious noise.
func ValidRingTransition(from, to string) bool {
	switch from {
	case RingStatusDetected:
		return to == RingStatusInvestigating || to == RingStatusFalsePositive
	case RingStatusInvestigating:
		return to == RingStatusConfirmed || to == RingStatusFalsePositive
	}
	return false
}

// CollusionRing is a suspected coordinated group inflating one creator.
type CollusionRing struct {
	ID         uuid.UUID          `json:"id"`
	CreatorID  string             `json:"creator_id"`
	UserIDs    []string           `json:"user_ids"`
	Evidence   map[string]float64 `json:"evidence"`
	Confidence float64            `json:"confidence"`
	Status     string             `json:"status"`
	DetectedAt time.Time          `json:"detected_at"`
}

// CollusionConfig bounds ring detection.
type CollusionConfig struct {
	// MinConfidence is the reporting floor; rings below it are dropped.
	MinConfidence float64
	// MinEvidence is the minimum count of distinct evidence types.
	MinEvidence int
	// NewAccountAge is how recently registered an account must be to
	// count toward revenue concentration.
	NewAccountAge time.Duration
	// RevenueConcentration is the minimum share of a creator's revenue
	// from new accounts before that evidence fires.
	RevenueConcentration float64
	// BurstWindow is the span inside which registrations count as a burst.
	BurstWindow time.Duration
	// BurstRatio is the minimum share of supporters whose registrations
	// fall into one burst run.
	BurstRatio float64
	// BehaviorSimilarity is the minimum mean pairwise cosine similarity.
	BehaviorSimilarity float64
	// HighRiskClusterScore is the cluster risk score at which a cluster
	// focused on the creator counts as evidence.
	HighRiskClusterScore float64
}

// DefaultCollusionConfig returns the production thresholds.
func DefaultCollusionConfig() CollusionConfig {
	return CollusionConfig{
		MinConfidence:        0.6,
		MinEvidence:          2,
		NewAccountAge:        7 * 24 * time.Hour,
		RevenueConcentration: 0.3,
		BurstWindow:          48 * time.Hour,
		BurstRatio:           0.5,
		BehaviorSimilarity:   0.7,
		HighRiskClusterScore: 0.5,
	}
}

// Each evidence type contributes a fixed base so any two types clear the
// default 0.6 confidence floor; the remainder scales with evidence
// strength.
const evidenceBase = 0.3

// RingDetector examines each creator's supporter set for collusion.
type RingDetector struct {
	cfg CollusionConfig
	now func() time.Time
}

// NewRingDetector creates a detector; zero-valued config fields take the
// defaults.
func NewRingDetector(cfg CollusionConfig) *RingDetector {
	def := DefaultCollusionConfig()
	if cfg.MinConfidence == 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MinEvidence == 0 {
		cfg.MinEvidence = def.MinEvidence
	}
	if cfg.NewAccountAge == 0 {
		cfg.NewAccountAge = def.NewAccountAge
	}
	if cfg.RevenueConcentration == 0 {
		cfg.RevenueConcentration = def.RevenueConcentration
	}
	if cfg.BurstWindow == 0 {
		cfg.BurstWindow = def.BurstWindow
	}
	if cfg.BurstRatio == 0 {
		cfg.BurstRatio = def.BurstRatio
	}
	if cfg.BehaviorSimilarity == 0 {
		cfg.BehaviorSimilarity = def.BehaviorSimilarity
	}
	if cfg.HighRiskClusterScore == 0 {
		cfg.HighRiskClusterScore = def.HighRiskClusterScore
	}
	return &RingDetector{cfg: cfg, now: time.Now}
}

// DetectRings evaluates every creator in the graph against the clusters
// found by the clustering pass. Rings below the confidence floor or with
// fewer than the minimum distinct evidence types are dropped.
func (d *RingDetector) DetectRings(g *Graph, clusters []UserCluster) []CollusionRing {
	var rings []CollusionRing

	creators := make([]string, 0, len(g.Creators))
	for c := range g.Creators {
		creators = append(creators, c)
	}
	sort.Strings(creators)

	for _, creatorID := range creators {
		ring, ok := d.evaluateCreator(g, creatorID, clusters)
		if ok {
			rings = append(rings, ring)
		}
	}
	return rings
}

func (d *RingDetector) evaluateCreator(g *Graph, creatorID string, clusters []UserCluster) (CollusionRing, bool) {
	edges := g.CreatorEdges(creatorID)
	if len(edges) < 2 {
		return CollusionRing{}, false
	}

	supporterSet := make(map[string]bool, len(edges))
	supporters := make([]string, 0, len(edges))
	for _, e := range edges {
		if !supporterSet[e.UserID] {
			supporterSet[e.UserID] = true
			supporters = append(supporters, e.UserID)
		}
	}
	sort.Strings(supporters)

	evidence := map[string]float64{}

	if share := d.newAccountRevenueShare(g, edges); share >= d.cfg.RevenueConcentration {
		evidence[EvidenceRevenueConcentration] = evidenceBase + 0.1*math.Min(1, share)
	}
	if riskiest := d.highRiskClusterFocus(creatorID, supporterSet, clusters, g); riskiest > 0 {
		evidence[EvidenceHighRiskCluster] = evidenceBase + 0.1*riskiest
	}
	if ratio := d.registrationBurstRatio(g, supporters); ratio >= d.cfg.BurstRatio {
		evidence[EvidenceRegistrationBurst] = evidenceBase + 0.1*ratio
	}
	if sim := meanPairwiseBehaviorSim(g, supporters); sim >= d.cfg.BehaviorSimilarity {
		evidence[EvidenceBehaviorSimilarity] = evidenceBase + 0.1*sim
	}

	if len(evidence) < d.cfg.MinEvidence {
		return CollusionRing{}, false
	}

	confidence := 0.0
	for _, v := range evidence {
		confidence += v
	}
	if confidence > 1 {
		confidence = 1
	}
	if confidence < d.cfg.MinConfidence {
		return CollusionRing{}, false
	}

	return CollusionRing{
		ID:         uuid.New(),
		CreatorID:  creatorID,
		UserIDs:    supporters,
		Evidence:   evidence,
		Confidence: confidence,
		Status:     RingStatusDetected,
		DetectedAt: d.now().UTC(),
	}, true
}

// newAccountRevenueShare is the share of the creator's revenue coming from
// accounts registered within the new-account age at detection time.
func (d *RingDetector) newAccountRevenueShare(g *Graph, edges []*Edge) float64 {
	now := d.now()
	total := decimal.Zero
	fresh := decimal.Zero
	for _, e := range edges {
		total = total.Add(e.Spend)
		u, ok := g.Users[e.UserID]
		if !ok {
			continue
		}
		if now.Sub(u.RegisteredAt) < d.cfg.NewAccountAge {
			fresh = fresh.Add(e.Spend)
		}
	}
	if total.IsZero() {
		return 0
	}
	share, _ := fresh.Div(total).Float64()
	return share
}

// highRiskClusterFocus returns the risk score of the riskiest qualifying
// cluster whose members are mostly supporters of the creator, zero when
// none qualifies.
func (d *RingDetector) highRiskClusterFocus(creatorID string, supporterSet map[string]bool, clusters []UserCluster, g *Graph) float64 {
	best := 0.0
	for _, cl := range clusters {
		if cl.RiskScore < d.cfg.HighRiskClusterScore {
			continue
		}
		overlap := 0
		for _, id := range cl.UserIDs {
			if supporterSet[id] {
				overlap++
			}
		}
		if overlap*2 <= len(cl.UserIDs) {
			continue
		}
		if cl.RiskScore > best {
			best = cl.RiskScore
		}
	}
	return best
}

// registrationBurstRatio finds the densest run of supporter registrations
// inside the burst window and returns its share of all supporters.
func (d *RingDetector) registrationBurstRatio(g *Graph, supporters []string) float64 {
	times := make([]time.Time, 0, len(supporters))
	for _, id := range supporters {
		if u, ok := g.Users[id]; ok {
			times = append(times, u.RegisteredAt)
		}
	}
	if len(times) < 2 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	best := 1
	lo := 0
	for hi := range times {
		for times[hi].Sub(times[lo]) > d.cfg.BurstWindow {
			lo++
		}
		if run := hi - lo + 1; run > best {
			best = run
		}
	}
	if best < 2 {
		return 0
	}
	return float64(best) / float64(len(times))
}

func meanPairwiseBehaviorSim(g *Graph, supporters []string) float64 {
	var sum float64
	var pairs int
	for i := 0; i < len(supporters); i++ {
		a, ok := g.Users[supporters[i]]
		if !ok || len(a.Behavior) == 0 {
			continue
		}
		for j := i + 1; j < len(supporters); j++ {
			b, ok := g.Users[supporters[j]]
			if !ok || len(b.Behavior) == 0 {
				continue
			}
			sum += Cosine(a.Behavior, b.Behavior)
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}
