// Package batch schedules the offline jobs: cluster detection, collusion
// detection, score refresh, quality analysis and retention cleanup. Each
// job runs on its own timer, guarded against overlapping runs; manual
// triggers serialize with the timer for the same job.
package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/talefront/aegis/pkg/errors"
)

// ItemError records one failed item inside an otherwise continuing run.
type ItemError struct {
	Item string `json:"item"`
	Err  string `json:"error"`
}

// Stats summarizes one job run. A run succeeds when fewer than half of
// its items errored.
type Stats struct {
	Job        string      `json:"job"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Processed  int         `json:"processed"`
	Errored    int         `json:"errored"`
	Errors     []ItemError `json:"errors,omitempty"`
	Success    bool        `json:"success"`
}

func (s *Stats) finish(at time.Time) {
	s.FinishedAt = at
	s.Success = s.Errored*2 < s.Processed || s.Errored == 0
}

// AddError records one per-item failure.
func (s *Stats) AddError(item string, err error) {
	s.Errored++
	s.Errors = append(s.Errors, ItemError{Item: item, Err: err.Error()})
}

// Job is one schedulable unit of offline work. Run fills in the item
// counts; a returned error marks the whole run failed regardless of them.
type Job interface {
	Name() string
	Run(ctx context.Context, stats *Stats) error
}

type registeredJob struct {
	job      Job
	interval time.Duration
	mu       sync.Mutex // serializes scheduled and manual runs
	last     *Stats
	lastMu   sync.RWMutex
}

// Orchestrator owns the job registry and timers.
type Orchestrator struct {
	mu       sync.RWMutex
	jobs     map[string]*registeredJob
	logger   *zap.Logger
	now      func() time.Time
	observer func(*Stats)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an empty registry.
func NewOrchestrator(logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		jobs:   make(map[string]*registeredJob),
		logger: logger,
		now:    time.Now,
	}
}

// Observe registers a callback invoked after every run, scheduled or
// manual. Must be called before Start.
func (o *Orchestrator) Observe(fn func(*Stats)) {
	o.observer = fn
}

// Register adds a job with its schedule. Must be called before Start.
func (o *Orchestrator) Register(job Job, interval time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs[job.Name()] = &registeredJob{job: job, interval: interval}
}

// Start launches one timer goroutine per registered job.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, rj := range o.jobs {
		o.wg.Add(1)
		go o.loop(ctx, rj)
	}
}

// Stop halts all timers and waits for in-flight runs.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) loop(ctx context.Context, rj *registeredJob) {
	defer o.wg.Done()
	ticker := time.NewTicker(rj.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Skip the tick when a manual trigger still holds the lock.
			if rj.mu.TryLock() {
				o.execute(ctx, rj)
				rj.mu.Unlock()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Trigger runs a job on demand, waiting for any in-flight scheduled run
// of the same job to finish first.
func (o *Orchestrator) Trigger(ctx context.Context, name string) (*Stats, error) {
	o.mu.RLock()
	rj, ok := o.jobs[name]
	o.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound("job", name)
	}
	rj.mu.Lock()
	defer rj.mu.Unlock()
	return o.execute(ctx, rj), nil
}

// LastStats returns the most recent run of a job, nil when it has not run.
func (o *Orchestrator) LastStats(name string) (*Stats, error) {
	o.mu.RLock()
	rj, ok := o.jobs[name]
	o.mu.RUnlock()
	if !ok {
		return nil, errors.NewNotFound("job", name)
	}
	rj.lastMu.RLock()
	defer rj.lastMu.RUnlock()
	return rj.last, nil
}

// JobNames lists the registered jobs.
func (o *Orchestrator) JobNames() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.jobs))
	for name := range o.jobs {
		names = append(names, name)
	}
	return names
}

func (o *Orchestrator) execute(ctx context.Context, rj *registeredJob) *Stats {
	stats := &Stats{Job: rj.job.Name(), StartedAt: o.now().UTC()}
	err := rj.job.Run(ctx, stats)
	stats.finish(o.now().UTC())
	if err != nil {
		stats.Success = false
		o.logger.Error("batch job failed",
			zap.String("job", stats.Job),
			zap.Int("processed", stats.Processed),
			zap.Error(err),
		)
	} else {
		o.logger.Info("batch job finished",
			zap.String("job", stats.Job),
			zap.Int("processed", stats.Processed),
			zap.Int("errored", stats.Errored),
			zap.Bool("success", stats.Success),
			zap.Duration("took", stats.FinishedAt.Sub(stats.StartedAt)),
		)
	}
	rj.lastMu.Lock()
	rj.last = stats
	rj.lastMu.Unlock()
	if o.observer != nil {
		o.observer(stats)
	}
	return stats
}
