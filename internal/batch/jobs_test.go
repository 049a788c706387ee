package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talefront/aegis/internal/graph"
	"github.com/talefront/aegis/internal/scoring"
)

type fakeGraphSource struct {
	g   *graph.Graph
	err error
}

func (f *fakeGraphSource) BuildGraph(_ context.Context, _ time.Time) (*graph.Graph, error) {
	return f.g, f.err
}

type fakeClusterStore struct {
	saved  []graph.UserCluster
	listed []*graph.UserCluster
}

func (f *fakeClusterStore) SaveClusters(_ context.Context, clusters []graph.UserCluster) error {
	f.saved = append(f.saved, clusters...)
	return nil
}

func (f *fakeClusterStore) ListClusters(_ context.Context, _ string, _ int) ([]*graph.UserCluster, error) {
	return f.listed, nil
}

type fakeRingStore struct {
	saved []graph.CollusionRing
}

func (f *fakeRingStore) SaveRings(_ context.Context, rings []graph.CollusionRing) error {
	f.saved = append(f.saved, rings...)
	return nil
}

type fakeScorer struct {
	refreshed []string
	recorded  map[string]scoring.Observation
	failFor   string
}

func (f *fakeScorer) Refresh(_ context.Context, userID string) (*scoring.FraudScore, error) {
	if userID == f.failFor {
		return nil, errors.New("store down")
	}
	f.refreshed = append(f.refreshed, userID)
	return &scoring.FraudScore{UserID: userID}, nil
}

func (f *fakeScorer) Record(_ context.Context, userID string, obs scoring.Observation) (*scoring.FraudScore, error) {
	if f.recorded == nil {
		f.recorded = map[string]scoring.Observation{}
	}
	if userID == f.failFor {
		return nil, errors.New("store down")
	}
	f.recorded[userID] = obs
	return &scoring.FraudScore{UserID: userID}, nil
}

type fakeLister struct{ ids []string }

func (f *fakeLister) ListFraudScoreUserIDs(_ context.Context) ([]string, error) {
	return f.ids, nil
}

type fakePruner struct {
	interactions, auditEvents, violations int64
	calls                                 int
}

func (f *fakePruner) PruneInteractions(_ context.Context, _ time.Time) (int64, error) {
	f.calls++
	return f.interactions, nil
}

func (f *fakePruner) PruneAuditEvents(_ context.Context, _ time.Time) (int64, error) {
	return f.auditEvents, nil
}

func (f *fakePruner) PruneViolations(_ context.Context, _ time.Time) (int64, error) {
	return f.violations, nil
}

// ringGraph registers its users a few hours ago so the ring detector's
// wall-clock new-account check sees them as fresh.
func ringGraph() *graph.Graph {
	g := graph.NewGraph()
	base := time.Now().UTC().Add(-6 * time.Hour)
	for i, id := range []string{"r1", "r2", "r3"} {
		u := &graph.User{
			ID:           id,
			RegisteredAt: base.Add(time.Duration(i) * time.Hour),
			IPs:          map[string]bool{"203.0.113.5": true, "203.0.113.9": true},
			Devices:      map[string]bool{"dev-shared": true},
		}
		g.AddUser(u)
		g.AddInteraction(id, "creator-1", decimal.NewFromInt(30), 40, base.Add(30*time.Hour))
	}
	return g
}

func TestClusterJobPersistsDetections(t *testing.T) {
	store := &fakeClusterStore{}
	job := NewClusterJob(&fakeGraphSource{g: ringGraph()}, store,
		graph.NewDensityClusterer(3, 0.3, 24*time.Hour), 0)

	stats := &Stats{Job: job.Name()}
	require.NoError(t, job.Run(context.Background(), stats))

	assert.Equal(t, 3, stats.Processed)
	require.Len(t, store.saved, 1)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, store.saved[0].UserIDs)
}

func TestCollusionJobPersistsRings(t *testing.T) {
	clusters := &fakeClusterStore{}
	rings := &fakeRingStore{}
	job := NewCollusionJob(&fakeGraphSource{g: ringGraph()}, clusters, rings,
		graph.NewRingDetector(graph.DefaultCollusionConfig()), 0)

	stats := &Stats{Job: job.Name()}
	require.NoError(t, job.Run(context.Background(), stats))

	assert.Equal(t, 1, stats.Processed)
	require.Len(t, rings.saved, 1)
	assert.Equal(t, "creator-1", rings.saved[0].CreatorID)
}

func TestScoreRefreshContinuesPastItemErrors(t *testing.T) {
	scorer := &fakeScorer{failFor: "bad"}
	job := NewScoreRefreshJob(&fakeLister{ids: []string{"a", "bad", "c"}}, scorer)

	stats := &Stats{Job: job.Name()}
	require.NoError(t, job.Run(context.Background(), stats))

	assert.Equal(t, 3, stats.Processed)
	assert.Equal(t, 1, stats.Errored)
	assert.ElementsMatch(t, []string{"a", "c"}, scorer.refreshed)
}

func TestQualityAnalysisScoresConcentratedVolume(t *testing.T) {
	g := graph.NewGraph()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	g.AddUser(&graph.User{ID: "whale", RegisteredAt: base})
	g.AddInteraction("whale", "creator-1", decimal.Zero, 500, base)

	g.AddUser(&graph.User{ID: "casual", RegisteredAt: base})
	g.AddInteraction("casual", "creator-1", decimal.Zero, 5, base)

	scorer := &fakeScorer{}
	job := NewQualityAnalysisJob(&fakeGraphSource{g: g}, scorer, 0)

	stats := &Stats{Job: job.Name()}
	require.NoError(t, job.Run(context.Background(), stats))

	require.Contains(t, scorer.recorded, "whale")
	require.NotNil(t, scorer.recorded["whale"].Conversation)
	assert.InDelta(t, 1.0, *scorer.recorded["whale"].Conversation, 1e-9)

	// Too little volume to judge.
	require.Contains(t, scorer.recorded, "casual")
	assert.Equal(t, 0.0, *scorer.recorded["casual"].Conversation)
}

func TestRetentionJobIdempotent(t *testing.T) {
	pruner := &fakePruner{interactions: 12, auditEvents: 3, violations: 1}
	job := NewRetentionJob(pruner, 0)

	stats := &Stats{Job: job.Name()}
	require.NoError(t, job.Run(context.Background(), stats))
	assert.Equal(t, 16, stats.Processed)
}
