// Package server exposes the decision and review APIs over HTTP: the
// request-path protect endpoint, fraud score and policy lookups, the
// cluster/ring review queue, batch job administration, a guarded
// websocket endpoint and operational health/metrics routes.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/talefront/aegis/internal/batch"
	"github.com/talefront/aegis/internal/detector"
	"github.com/talefront/aegis/internal/graph"
	"github.com/talefront/aegis/internal/metrics"
	"github.com/talefront/aegis/internal/policy"
	"github.com/talefront/aegis/internal/protection"
	"github.com/talefront/aegis/internal/scoring"
	"github.com/talefront/aegis/internal/signing"
	"github.com/talefront/aegis/internal/wsguard"
)

// Protector is the request-path pipeline.
type Protector interface {
	Protect(ctx context.Context, req *detector.Request, headers http.Header) (*protection.Result, error)
}

// ScoreReader serves fraud score lookups.
type ScoreReader interface {
	Get(ctx context.Context, userID string) (*scoring.FraudScore, error)
}

// PolicyAdmin is the policy surface the review endpoints need.
type PolicyAdmin interface {
	Current(ctx context.Context, userID string) (*policy.Policy, error)
	Escalate(ctx context.Context, userID, reason string) (*policy.Policy, error)
	Remove(ctx context.Context, userID string) error
	Execute(p *policy.Policy) policy.Enforcement
}

// JobAdmin is the batch surface the admin endpoints need.
type JobAdmin interface {
	Trigger(ctx context.Context, name string) (*batch.Stats, error)
	LastStats(name string) (*batch.Stats, error)
	JobNames() []string
}

// ReviewStore serves the cluster and collusion-ring review queue.
type ReviewStore interface {
	ListClusters(ctx context.Context, status string, limit int) ([]*graph.UserCluster, error)
	FindCluster(ctx context.Context, id uuid.UUID) (*graph.UserCluster, error)
	UpdateClusterStatus(ctx context.Context, id uuid.UUID, status string) (*graph.UserCluster, error)
	ListRings(ctx context.Context, status string, limit int) ([]*graph.CollusionRing, error)
	FindRing(ctx context.Context, id uuid.UUID) (*graph.CollusionRing, error)
	UpdateRingStatus(ctx context.Context, id uuid.UUID, status string) (*graph.CollusionRing, error)
}

// HealthCheck probes one dependency. The name keys the health payload.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Config tunes the HTTP listener.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Environment     string
}

// Server is the HTTP surface of the engine.
type Server struct {
	cfg       Config
	protector Protector
	scores    ScoreReader
	policies  PolicyAdmin
	jobs      JobAdmin
	reviews   ReviewStore
	tiers     protection.TierSource
	guard     *wsguard.Guard
	verifier  *signing.Verifier
	checks    []HealthCheck
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics
	logger    *zap.Logger

	httpSrv *http.Server
}

// NewServer wires the handler set. guard, verifier, gatherer and m may be
// nil; the corresponding routes or middleware are skipped.
func NewServer(
	cfg Config,
	protector Protector,
	scores ScoreReader,
	policies PolicyAdmin,
	jobs JobAdmin,
	reviews ReviewStore,
	tiers protection.TierSource,
	guard *wsguard.Guard,
	verifier *signing.Verifier,
	checks []HealthCheck,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		protector: protector,
		scores:    scores,
		policies:  policies,
		jobs:      jobs,
		reviews:   reviews,
		tiers:     tiers,
		guard:     guard,
		verifier:  verifier,
		checks:    checks,
		gatherer:  gatherer,
		metrics:   m,
		logger:    logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))
	r.Use(cors.Default())

	r.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		protect := v1.Group("")
		if s.verifier != nil {
			protect.Use(s.requireSignature())
		}
		protect.POST("/protect", s.handleProtect)

		v1.GET("/users/:id/fraud", s.handleFraudScore)
		v1.GET("/users/:id/policy", s.handlePolicyGet)
		v1.POST("/users/:id/policy/escalate", s.handlePolicyEscalate)
		v1.DELETE("/users/:id/policy", s.handlePolicyRemove)

		if s.guard != nil {
			v1.GET("/ws", s.handleWebSocket)
		}

		admin := v1.Group("/admin")
		{
			admin.GET("/jobs", s.handleJobList)
			admin.GET("/jobs/:name", s.handleJobStatus)
			admin.POST("/jobs/:name/trigger", s.handleJobTrigger)

			admin.GET("/clusters", s.handleClusterList)
			admin.GET("/clusters/:id", s.handleClusterGet)
			admin.POST("/clusters/:id/status", s.handleClusterStatus)

			admin.GET("/rings", s.handleRingList)
			admin.GET("/rings/:id", s.handleRingGet)
			admin.POST("/rings/:id/status", s.handleRingStatus)
		}
	}
	return r
}

// Run serves until the context is cancelled, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for _, check := range s.checks {
		if err := check.Probe(c.Request.Context()); err != nil {
			deps[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[check.Name] = "ok"
		}
	}
	body := gin.H{"status": "ok", "dependencies": deps}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
