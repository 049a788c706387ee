package batch

import (
	"context"
	"time"

	"github.com/talefront/aegis/internal/graph"
	"github.com/talefront/aegis/internal/scoring"
)

// Job names, also the trigger endpoint identifiers.
const (
	JobClusterDetection   = "cluster_detection"
	JobCollusionDetection = "collusion_detection"
	JobScoreRefresh       = "score_refresh"
	JobQualityAnalysis    = "quality_analysis"
	JobRetentionCleanup   = "retention_cleanup"
)

// GraphSource rebuilds the interaction graph from persisted events.
type GraphSource interface {
	BuildGraph(ctx context.Context, since time.Time) (*graph.Graph, error)
}

// ClusterStore persists and lists detected clusters.
type ClusterStore interface {
	SaveClusters(ctx context.Context, clusters []graph.UserCluster) error
	ListClusters(ctx context.Context, status string, limit int) ([]*graph.UserCluster, error)
}

// RingStore persists detected collusion rings.
type RingStore interface {
	SaveRings(ctx context.Context, rings []graph.CollusionRing) error
}

// ScoreLister walks the scored-user population.
type ScoreLister interface {
	ListFraudScoreUserIDs(ctx context.Context) ([]string, error)
}

// Scorer is the slice of the scoring service the jobs drive.
type Scorer interface {
	Refresh(ctx context.Context, userID string) (*scoring.FraudScore, error)
	Record(ctx context.Context, userID string, obs scoring.Observation) (*scoring.FraudScore, error)
}

// Pruner deletes retention-expired rows.
type Pruner interface {
	PruneInteractions(ctx context.Context, cutoff time.Time) (int64, error)
	PruneAuditEvents(ctx context.Context, cutoff time.Time) (int64, error)
	PruneViolations(ctx context.Context, cutoff time.Time) (int64, error)
}

// ClusterJob rebuilds the graph and persists newly detected clusters.
type ClusterJob struct {
	source    GraphSource
	store     ClusterStore
	clusterer graph.Clusterer
	window    time.Duration
	now       func() time.Time
}

// NewClusterJob builds the detection job. window bounds how far back the
// graph reaches.
func NewClusterJob(source GraphSource, store ClusterStore, clusterer graph.Clusterer, window time.Duration) *ClusterJob {
	if window == 0 {
		window = 90 * 24 * time.Hour
	}
	return &ClusterJob{source: source, store: store, clusterer: clusterer, window: window, now: time.Now}
}

func (j *ClusterJob) Name() string { return JobClusterDetection }

func (j *ClusterJob) Run(ctx context.Context, stats *Stats) error {
	g, err := j.source.BuildGraph(ctx, j.now().Add(-j.window))
	if err != nil {
		return err
	}
	clusters, _ := j.clusterer.DetectClusters(g)
	stats.Processed = len(g.Users)
	if len(clusters) == 0 {
		return nil
	}
	return j.store.SaveClusters(ctx, clusters)
}

// CollusionJob re-evaluates every creator against the current graph and
// the clusters still awaiting review.
type CollusionJob struct {
	source   GraphSource
	clusters ClusterStore
	rings    RingStore
	detector *graph.RingDetector
	window   time.Duration
	now      func() time.Time
}

// NewCollusionJob builds the ring detection job.
func NewCollusionJob(source GraphSource, clusters ClusterStore, rings RingStore, detector *graph.RingDetector, window time.Duration) *CollusionJob {
	if window == 0 {
		window = 90 * 24 * time.Hour
	}
	return &CollusionJob{
		source:   source,
		clusters: clusters,
		rings:    rings,
		detector: detector,
		window:   window,
		now:      time.Now,
	}
}

func (j *CollusionJob) Name() string { return JobCollusionDetection }

func (j *CollusionJob) Run(ctx context.Context, stats *Stats) error {
	g, err := j.source.BuildGraph(ctx, j.now().Add(-j.window))
	if err != nil {
		return err
	}
	pending, err := j.clusters.ListClusters(ctx, graph.ClusterStatusPendingReview, 0)
	if err != nil {
		return err
	}
	recent := make([]graph.UserCluster, 0, len(pending))
	for _, c := range pending {
		recent = append(recent, *c)
	}

	rings := j.detector.DetectRings(g, recent)
	stats.Processed = len(g.Creators)
	if len(rings) == 0 {
		return nil
	}
	return j.rings.SaveRings(ctx, rings)
}

// ScoreRefreshJob re-derives every persisted score, pruning stale history.
type ScoreRefreshJob struct {
	lister ScoreLister
	scorer Scorer
}

// NewScoreRefreshJob builds the refresh job.
func NewScoreRefreshJob(lister ScoreLister, scorer Scorer) *ScoreRefreshJob {
	return &ScoreRefreshJob{lister: lister, scorer: scorer}
}

func (j *ScoreRefreshJob) Name() string { return JobScoreRefresh }

func (j *ScoreRefreshJob) Run(ctx context.Context, stats *Stats) error {
	ids, err := j.lister.ListFraudScoreUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		stats.Processed++
		if _, err := j.scorer.Refresh(ctx, id); err != nil {
			stats.AddError(id, err)
		}
	}
	return nil
}

// QualityAnalysisJob scores conversation quality from the interaction
// graph: a user whose messages concentrate on very few creators with high
// volume reads as lower quality than organic fan behavior.
type QualityAnalysisJob struct {
	source GraphSource
	scorer Scorer
	window time.Duration
	now    func() time.Time
}

// NewQualityAnalysisJob builds the quality job.
func NewQualityAnalysisJob(source GraphSource, scorer Scorer, window time.Duration) *QualityAnalysisJob {
	if window == 0 {
		window = 7 * 24 * time.Hour
	}
	return &QualityAnalysisJob{source: source, scorer: scorer, window: window, now: time.Now}
}

func (j *QualityAnalysisJob) Name() string { return JobQualityAnalysis }

func (j *QualityAnalysisJob) Run(ctx context.Context, stats *Stats) error {
	g, err := j.source.BuildGraph(ctx, j.now().Add(-j.window))
	if err != nil {
		return err
	}
	for _, userID := range g.UserIDs() {
		edges := g.UserEdges(userID)
		if len(edges) == 0 {
			continue
		}
		stats.Processed++
		quality := conversationConcentration(edges)
		obs := scoring.Observation{Conversation: &quality, ObservedAt: j.now()}
		if _, err := j.scorer.Record(ctx, userID, obs); err != nil {
			stats.AddError(userID, err)
		}
	}
	return nil
}

// conversationConcentration maps interaction shape onto [0,1]: all volume
// aimed at a single creator with high message counts scores high, spread
// across many creators scores low.
func conversationConcentration(edges []*graph.Edge) float64 {
	total := 0
	top := 0
	for _, e := range edges {
		total += e.MessageCount
		if e.MessageCount > top {
			top = e.MessageCount
		}
	}
	if total < 20 {
		// Too little volume to judge.
		return 0
	}
	concentration := float64(top) / float64(total)
	volume := float64(total) / 500
	if volume > 1 {
		volume = 1
	}
	return concentration * volume
}

// RetentionJob enforces the retention windows. Deletions are idempotent;
// a rerun with nothing expired deletes zero rows.
type RetentionJob struct {
	pruner       Pruner
	rawRetention time.Duration
	now          func() time.Time
}

// NewRetentionJob builds the cleanup job.
func NewRetentionJob(pruner Pruner, rawRetention time.Duration) *RetentionJob {
	if rawRetention == 0 {
		rawRetention = 90 * 24 * time.Hour
	}
	return &RetentionJob{pruner: pruner, rawRetention: rawRetention, now: time.Now}
}

func (j *RetentionJob) Name() string { return JobRetentionCleanup }

func (j *RetentionJob) Run(ctx context.Context, stats *Stats) error {
	cutoff := j.now().Add(-j.rawRetention)

	n, err := j.pruner.PruneInteractions(ctx, cutoff)
	if err != nil {
		stats.AddError("interactions", err)
	} else {
		stats.Processed += int(n)
	}

	n, err = j.pruner.PruneAuditEvents(ctx, cutoff)
	if err != nil {
		stats.AddError("audit_events", err)
	} else {
		stats.Processed += int(n)
	}

	n, err = j.pruner.PruneViolations(ctx, cutoff)
	if err != nil {
		stats.AddError("violations", err)
	} else {
		stats.Processed += int(n)
	}
	return nil
}
