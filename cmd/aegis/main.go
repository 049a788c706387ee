// Command aegis runs the abuse protection engine: the HTTP decision API,
// the guarded websocket endpoint and the offline detection jobs.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/talefront/aegis/internal/audit"
	"github.com/talefront/aegis/internal/batch"
	"github.com/talefront/aegis/internal/cache"
	"github.com/talefront/aegis/internal/config"
	"github.com/talefront/aegis/internal/database"
	"github.com/talefront/aegis/internal/detector"
	"github.com/talefront/aegis/internal/fingerprint"
	"github.com/talefront/aegis/internal/graph"
	"github.com/talefront/aegis/internal/metrics"
	"github.com/talefront/aegis/internal/policy"
	"github.com/talefront/aegis/internal/protection"
	"github.com/talefront/aegis/internal/ratelimit"
	"github.com/talefront/aegis/internal/risk"
	"github.com/talefront/aegis/internal/scoring"
	"github.com/talefront/aegis/internal/server"
	"github.com/talefront/aegis/internal/session"
	"github.com/talefront/aegis/internal/signing"
	"github.com/talefront/aegis/internal/trust"
	"github.com/talefront/aegis/internal/wsguard"
	"github.com/talefront/aegis/pkg/logger"
)

const qualityWindow = 7 * 24 * time.Hour

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cacheClient := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	defer func() { _ = cacheClient.Close() }()
	if err := cacheClient.Ping(ctx); err != nil {
		zlog.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	db, err := database.NewPostgres(cfg.Database.DSN, database.PoolConfig{
		MaxOpen:         cfg.Database.MaxOpenConns,
		MaxIdle:         cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		zlog.Fatal("postgres unreachable", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zlog.Fatal("migration failed", zap.Error(err))
	}
	repos := database.NewRepositories(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	var publisher audit.Publisher
	if cfg.Kafka.Enabled {
		writer := &kafka.Writer{
			Addr:     kafka.TCP(cfg.Kafka.Brokers...),
			Topic:    cfg.Kafka.AuditTopic,
			Balancer: &kafka.Hash{},
		}
		defer func() { _ = writer.Close() }()
		publisher = writer
	}
	stream := audit.NewStream(repos, publisher, audit.Config{
		QueueSize:     cfg.Audit.QueueSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		FlushTimeout:  cfg.Audit.FlushTimeout,
	}, zlog)
	defer stream.Close()

	thresholds := risk.Thresholds{
		Throttle:  cfg.Engine.Assessor.ThrottleThreshold,
		Challenge: cfg.Engine.Assessor.ChallengeThreshold,
		Shadow:    cfg.Engine.Assessor.ShadowThreshold,
		Block:     cfg.Engine.Assessor.BlockThreshold,
	}
	detectors := []detector.Detector{
		detector.NewBehaviorDetector(),
		detector.NewVelocityDetector(cacheClient),
		detector.NewDeviceNetDetector(cacheClient, cfg.Engine.Heuristic.MaxIPSharers, cfg.Engine.Heuristic.MaxDeviceSharers),
		detector.NewPayloadDetector(cacheClient),
		detector.NewRelationshipDetector(cacheClient, cfg.Engine.Heuristic.SelfInteractionWeight),
	}
	assessor := risk.NewAssessor(detectors, thresholds, cfg.Engine.Assessor.DetectorTimeout,
		stream, audit.NewLogAlerts(zlog), zlog)

	binder := session.NewBinder(cacheClient, session.Config{
		TTL:                cfg.Engine.Session.TTL,
		MaxIPHistory:       cfg.Engine.Session.MaxIPHistory,
		MaxHashHistory:     cfg.Engine.Session.MaxHashHistory,
		DeviceMismatchRisk: cfg.Engine.Session.DeviceMismatchRisk,
		UnknownIPRisk:      cfg.Engine.Session.UnknownIPRisk,
		UnknownHashRisk:    cfg.Engine.Session.UnknownHashRisk,
		InvalidThreshold:   cfg.Engine.Session.InvalidThreshold,
	}, zlog)

	limiter := ratelimit.NewLimiter(cacheClient, ratelimit.DefaultTierLimits())
	trustSvc := trust.NewService(repos, cacheClient, zlog)
	policyEngine := policy.NewEngine(repos, policy.Config{
		DefaultTTL:          cfg.Engine.Policy.DefaultTTL,
		ShadowBanViolations: cfg.Engine.Policy.ShadowBanViolations,
		MinDelayMs:          cfg.Engine.Policy.MinDelayMs,
		MaxDelayMs:          cfg.Engine.Policy.MaxDelayMs,
		DegradedMaxLength:   cfg.Engine.Policy.DegradedMaxLength,
	}, zlog)
	scoreSvc := scoring.NewService(repos, scoring.Config{
		Alpha:              cfg.Engine.Scoring.Alpha,
		HistoryWindow:      cfg.Engine.Scoring.HistoryWindow,
		RapidFireIncrement: cfg.Engine.Scoring.RapidFireIncrement,
		TrendDelta:         cfg.Engine.Scoring.TrendDelta,
	}, thresholds, zlog)

	extractor := fingerprint.NewExtractor(
		cfg.Engine.Heuristic.BotTLSFingerprints,
		cfg.Engine.Heuristic.AutomationThreshold,
	)
	protector := protection.NewService(binder, limiter, assessor, policyEngine,
		trustSvc, scoreSvc, repos, extractor, m, zlog)

	var verifier *signing.Verifier
	if len(cfg.Engine.Signing.Keys) > 0 {
		verifier = signing.NewVerifier(cacheClient, signing.Config{
			TimestampTolerance: cfg.Engine.Signing.TimestampTolerance,
			FutureSkew:         cfg.Engine.Signing.FutureSkew,
			NonceTTL:           cfg.Engine.Signing.NonceTTL,
		}, zlog)
		for keyID, secret := range cfg.Engine.Signing.Keys {
			verifier.RegisterKey(keyID, []byte(secret))
		}
	}

	guard := wsguard.NewGuard(limiter, cacheClient, wsguard.Config{
		HeartbeatInterval:  cfg.Engine.WSGuard.HeartbeatInterval,
		HeartbeatTolerance: cfg.Engine.WSGuard.HeartbeatTolerance,
		BurstWindow:        cfg.Engine.WSGuard.BurstWindow,
		BurstLimit:         cfg.Engine.WSGuard.BurstLimit,
		RapidReconnectMax:  cfg.Engine.WSGuard.RapidReconnectMax,
		ReconnectWindow:    cfg.Engine.WSGuard.ReconnectWindow,
	}, zlog)

	orch := batch.NewOrchestrator(zlog)
	orch.Observe(func(stats *batch.Stats) {
		outcome := "failure"
		if stats.Success {
			outcome = "success"
		}
		m.BatchRunsTotal.WithLabelValues(stats.Job, outcome).Inc()
		m.BatchDuration.WithLabelValues(stats.Job).Observe(stats.FinishedAt.Sub(stats.StartedAt).Seconds())
	})
	clusterer := graph.NewDensityClusterer(
		cfg.Engine.Cluster.MinClusterSize,
		cfg.Engine.Cluster.MaxClusterDistance,
		cfg.Engine.Cluster.RegistrationWindow,
	)
	ringDetector := graph.NewRingDetector(graph.CollusionConfig{
		MinConfidence:        cfg.Engine.Collusion.ConfidenceFloor,
		MinEvidence:          cfg.Engine.Collusion.MinEvidenceTypes,
		NewAccountAge:        cfg.Engine.Collusion.NewAccountAge,
		RevenueConcentration: cfg.Engine.Collusion.RevenueConcentration,
		BurstWindow:          cfg.Engine.Collusion.BurstWindow,
		BurstRatio:           cfg.Engine.Collusion.BurstRunRatio,
		BehaviorSimilarity:   cfg.Engine.Collusion.SimilarityFloor,
		HighRiskClusterScore: cfg.Engine.Collusion.HighRiskClusterScore,
	})
	orch.Register(batch.NewClusterJob(repos, repos, clusterer, cfg.Engine.Retention.RawEvents), cfg.Engine.Batch.ClusterInterval)
	orch.Register(batch.NewCollusionJob(repos, repos, repos, ringDetector, cfg.Engine.Retention.RawEvents), cfg.Engine.Batch.CollusionInterval)
	orch.Register(batch.NewScoreRefreshJob(repos, scoreSvc), cfg.Engine.Batch.ScoreInterval)
	orch.Register(batch.NewQualityAnalysisJob(repos, scoreSvc, qualityWindow), cfg.Engine.Batch.QualityInterval)
	orch.Register(batch.NewRetentionJob(repos, cfg.Engine.Retention.RawEvents), cfg.Engine.Batch.CleanupInterval)
	orch.Start(ctx)
	defer orch.Stop()

	checks := []server.HealthCheck{
		{Name: "redis", Probe: cacheClient.Ping},
		{Name: "postgres", Probe: func(ctx context.Context) error { return pingDB(ctx, db) }},
	}
	srv := server.NewServer(server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Environment:     cfg.Environment,
	}, protector, scoreSvc, policyEngine, orch, repos, trustSvc, guard, verifier, checks, registry, m, zlog)

	if err := srv.Run(ctx); err != nil {
		zlog.Fatal("server failed", zap.Error(err))
	}
	zlog.Info("shutdown complete")
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
