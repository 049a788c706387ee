package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	aegiserrors "github.com/talefront/aegis/pkg/errors"
)

type countingJob struct {
	name    string
	running int32
	overlap atomic.Bool
	runs    atomic.Int32
	block   chan struct{}
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context, stats *Stats) error {
	if atomic.AddInt32(&j.running, 1) > 1 {
		j.overlap.Store(true)
	}
	defer atomic.AddInt32(&j.running, -1)
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	stats.Processed = 1
	return nil
}

func TestTriggerUnknownJob(t *testing.T) {
	o := NewOrchestrator(zap.NewNop())
	_, err := o.Trigger(context.Background(), "nope")
	assert.True(t, aegiserrors.Is(err, aegiserrors.ErrNotFound))
}

func TestTriggerRunsJobAndRecordsStats(t *testing.T) {
	o := NewOrchestrator(zap.NewNop())
	job := &countingJob{name: "j1"}
	o.Register(job, time.Hour)

	stats, err := o.Trigger(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, stats.Success)
	assert.Equal(t, 1, stats.Processed)

	last, err := o.LastStats("j1")
	require.NoError(t, err)
	assert.Equal(t, stats, last)
}

func TestScheduledAndManualRunsNeverOverlap(t *testing.T) {
	o := NewOrchestrator(zap.NewNop())
	job := &countingJob{name: "j1", block: make(chan struct{})}
	o.Register(job, 10*time.Millisecond)
	o.Start(context.Background())

	// Hold the first run open across several ticks, then pile on manual
	// triggers.
	require.Eventually(t, func() bool { return job.runs.Load() >= 1 },
		time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Trigger(context.Background(), "j1")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(job.block)
	wg.Wait()
	o.Stop()

	assert.False(t, job.overlap.Load(), "two runs of the same job overlapped")
	assert.GreaterOrEqual(t, job.runs.Load(), int32(4))
}

type failingJob struct {
	perItem int
	failed  int
	err     error
}

func (j *failingJob) Name() string { return "failing" }

func (j *failingJob) Run(ctx context.Context, stats *Stats) error {
	stats.Processed = j.perItem
	for i := 0; i < j.failed; i++ {
		stats.AddError("item", errors.New("boom"))
	}
	return j.err
}

func TestRunFailsWhenHalfOrMoreItemsError(t *testing.T) {
	o := NewOrchestrator(zap.NewNop())

	o.Register(&failingJob{perItem: 10, failed: 4}, time.Hour)
	stats, err := o.Trigger(context.Background(), "failing")
	require.NoError(t, err)
	assert.True(t, stats.Success, "4 of 10 errored is still a success")

	o.Register(&failingJob{perItem: 10, failed: 5}, time.Hour)
	stats, err = o.Trigger(context.Background(), "failing")
	require.NoError(t, err)
	assert.False(t, stats.Success, "5 of 10 errored fails the run")
}

func TestRunFailsOnJobError(t *testing.T) {
	o := NewOrchestrator(zap.NewNop())
	o.Register(&failingJob{perItem: 10, err: errors.New("source down")}, time.Hour)

	stats, err := o.Trigger(context.Background(), "failing")
	require.NoError(t, err)
	assert.False(t, stats.Success)
}
