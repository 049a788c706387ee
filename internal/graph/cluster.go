package graph

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Cluster review statuses.
const (
	ClusterStatusPendingReview  = "pending_review"
	ClusterStatusConfirmedFraud = "confirmed_fraud"
	ClusterStatusLegitimate     = "legitimate"
	ClusterStatusDismissed      = "dismissed"
)

// ValidClusterTransition reports whether a review-status change is legal.
// Clusters move from pending review to exactly one terminal state.
func ValidClusterTransition(from, to string) bool {
	if from != ClusterStatusPendingReview {
		return false
	}
	switch to {
	case ClusterStatusConfirmedFraud, ClusterStatusLegitimate, ClusterStatusDismissed:
		return true
	}
	return false
}

// UserCluster is a detected dense group of users.
type UserCluster struct {
	ID            uuid.UUID          `json:"id"`
	UserIDs       []string           `json:"user_ids"`
	SharedSignals map[string]float64 `json:"shared_signals"`
	RiskFactors   []string           `json:"risk_factors"`
	RiskScore     float64            `json:"risk_score"` // internal [0,1]
	Status        string             `json:"status"`
	DetectedAt    time.Time          `json:"detected_at"`
}

// ReportedRiskScore returns the externally reported 0-100 scale.
func (c *UserCluster) ReportedRiskScore() float64 {
	return math.Round(c.RiskScore * 100)
}

// Clusterer groups users by pairwise distance. The density-based
// implementation is O(n^2); it hides behind this interface so an indexed
// method can replace it without touching callers.
type Clusterer interface {
	DetectClusters(g *Graph) (clusters []UserCluster, outliers []string)
}

// DensityClusterer is a DBSCAN-style clusterer: a point with at least
// minClusterSize-1 neighbors within maxDistance seeds a cluster, grown by
// transitively absorbing neighbors-of-neighbors meeting the same density
// criterion.
type DensityClusterer struct {
	MinClusterSize     int
	MaxDistance        float64
	RegistrationWindow time.Duration
	now                func() time.Time
}

// NewDensityClusterer creates a density clusterer with the given bounds.
func NewDensityClusterer(minClusterSize int, maxDistance float64, registrationWindow time.Duration) *DensityClusterer {
	if minClusterSize == 0 {
		minClusterSize = 3
	}
	if maxDistance == 0 {
		maxDistance = 0.3
	}
	if registrationWindow == 0 {
		registrationWindow = 24 * time.Hour
	}
	return &DensityClusterer{
		MinClusterSize:     minClusterSize,
		MaxDistance:        maxDistance,
		RegistrationWindow: registrationWindow,
		now:                time.Now,
	}
}

// DetectClusters runs the clustering. Graphs smaller than the minimum
// cluster size short-circuit to no clusters with every user an outlier.
func (c *DensityClusterer) DetectClusters(g *Graph) ([]UserCluster, []string) {
	ids := g.UserIDs()
	sort.Strings(ids)

	if len(ids) < c.MinClusterSize {
		return nil, ids
	}

	// Precompute the neighbor lists once; distance is symmetric.
	neighbors := make(map[string][]string, len(ids))
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			d := Distance(g.Users[ids[i]], g.Users[ids[j]], c.RegistrationWindow)
			if d <= c.MaxDistance {
				neighbors[ids[i]] = append(neighbors[ids[i]], ids[j])
				neighbors[ids[j]] = append(neighbors[ids[j]], ids[i])
			}
		}
	}

	minNeighbors := c.MinClusterSize - 1
	assigned := make(map[string]bool, len(ids))
	var clusters []UserCluster

	for _, seed := range ids {
		if assigned[seed] || len(neighbors[seed]) < minNeighbors {
			continue
		}

		// Grow from the seed: core points expand the frontier, border
		// points join but do not expand.
		members := []string{}
		queue := []string{seed}
		enqueued := map[string]bool{seed: true}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if assigned[id] {
				continue
			}
			assigned[id] = true
			members = append(members, id)
			if len(neighbors[id]) < minNeighbors {
				continue
			}
			for _, nb := range neighbors[id] {
				if !assigned[nb] && !enqueued[nb] {
					enqueued[nb] = true
					queue = append(queue, nb)
				}
			}
		}

		if len(members) < c.MinClusterSize {
			// Rare: borders stolen by earlier clusters left it
			// undersized. Release the members so they count as
			// outliers rather than vanishing.
			for _, id := range members {
				assigned[id] = false
			}
			continue
		}
		sort.Strings(members)
		clusters = append(clusters, c.buildCluster(g, members))
	}

	var outliers []string
	for _, id := range ids {
		if !assigned[id] {
			outliers = append(outliers, id)
		}
	}
	return clusters, outliers
}

// buildCluster computes the cluster's shared signals and risk score. Each
// component contributes additively up to its cap; the total is capped at
// 1.0 internally (100 externally).
func (c *DensityClusterer) buildCluster(g *Graph, members []string) UserCluster {
	users := make([]*User, len(members))
	for i, id := range members {
		users[i] = g.Users[id]
	}

	sharedIPs := countShared(users, func(u *User) map[string]bool { return u.IPs })
	sharedDevices := countShared(users, func(u *User) map[string]bool { return u.Devices })
	meanCorr := meanPairwiseActivityCorr(users)
	spread := registrationSpread(users)
	concentration := creatorConcentration(g, members)

	var score float64
	var factors []string

	if sharedIPs > 0 {
		score += 0.25 * math.Min(1, float64(sharedIPs)/3)
		factors = append(factors, "shared_ips")
	}
	if sharedDevices > 0 {
		score += 0.25 * math.Min(1, float64(sharedDevices)/2)
		factors = append(factors, "shared_devices")
	}
	if meanCorr > activityCorrMinimum {
		score += 0.2
		factors = append(factors, "correlated_activity")
	}
	if spread > 0 && spread <= c.RegistrationWindow {
		score += 0.15
		factors = append(factors, "registration_burst")
	}
	if concentration >= 0.8 {
		score += 0.15
		factors = append(factors, "creator_concentration")
	}
	if score > 1 {
		score = 1
	}

	return UserCluster{
		ID:      uuid.New(),
		UserIDs: members,
		SharedSignals: map[string]float64{
			"shared_ip_count":       float64(sharedIPs),
			"shared_device_count":   float64(sharedDevices),
			"activity_correlation":  meanCorr,
			"registration_spread_h": spread.Hours(),
			"creator_concentration": concentration,
		},
		RiskFactors: factors,
		RiskScore:   score,
		Status:      ClusterStatusPendingReview,
		DetectedAt:  c.now().UTC(),
	}
}

// countShared counts attribute values present on two or more members.
func countShared(users []*User, attr func(*User) map[string]bool) int {
	counts := map[string]int{}
	for _, u := range users {
		for v := range attr(u) {
			counts[v]++
		}
	}
	shared := 0
	for _, n := range counts {
		if n >= 2 {
			shared++
		}
	}
	return shared
}

func meanPairwiseActivityCorr(users []*User) float64 {
	var sum float64
	var pairs int
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			sum += pearson(users[i].ActivityHours[:], users[j].ActivityHours[:])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

func registrationSpread(users []*User) time.Duration {
	if len(users) == 0 {
		return 0
	}
	min, max := users[0].RegisteredAt, users[0].RegisteredAt
	for _, u := range users[1:] {
		if u.RegisteredAt.Before(min) {
			min = u.RegisteredAt
		}
		if u.RegisteredAt.After(max) {
			max = u.RegisteredAt
		}
	}
	return max.Sub(min)
}

// creatorConcentration is the share of the cluster's interactions aimed at
// its single most-targeted creator.
func creatorConcentration(g *Graph, members []string) float64 {
	byCreator := map[string]int{}
	total := 0
	for _, id := range members {
		for _, e := range g.UserEdges(id) {
			byCreator[e.CreatorID] += e.MessageCount
			total += e.MessageCount
		}
	}
	if total == 0 {
		return 0
	}
	top := 0
	for _, n := range byCreator {
		if n > top {
			top = n
		}
	}
	return float64(top) / float64(total)
}
