package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/expctl/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordLaunch(types.KindIntrinsics)
	c.RecordLaunch(types.KindIntrinsics)
	c.RecordLaunch(types.KindCompression)
	c.RecordLaunchFailure()
	c.RecordRelaunch(1, 3)
	c.RecordRelaunch(0, 1)
	c.RecordJobStatus(types.JobRunning)
	c.RecordMerge(true)
	c.RecordMerge(false)
	c.RecordMerge(false)
	c.RecordTickError("transport")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.experimentsLaunched.WithLabelValues("intrinsics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.experimentsLaunched.WithLabelValues("compression")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.launchFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsRelaunched.WithLabelValues("preparatory")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.jobsRelaunched.WithLabelValues("dependent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobStatusChanges.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.merges.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.merges.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tickErrors.WithLabelValues("transport")))
}

func TestUpdateQueue(t *testing.T) {
	c, _ := newTestCollector(t)

	head := types.NewExperiment(types.KindRangeImage, "ri", "", nil)
	head.Status = types.ExperimentOnQueue
	head.Jobs = []types.Job{types.NewJob(1, -1), types.NewJob(2, 0), types.NewJob(3, 1)}
	head.Jobs[0].Status = types.JobCompleted
	q := &types.Queue{Experiments: []*types.Experiment{head, types.NewExperiment(types.KindIntrinsics, "next", "", nil)}}

	c.UpdateQueue(q)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.queueLength))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.headJobs.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.headJobs.WithLabelValues("pending")))

	// Stale series disappear when the head changes.
	c.UpdateQueue(&types.Queue{})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.queueLength))
	assert.Equal(t, 0, testutil.CollectAndCount(c.headJobs))
}

func TestObserveTick(t *testing.T) {
	c, _ := newTestCollector(t)
	before := float64(time.Now().Unix())

	c.ObserveTick(1500 * time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(c.tickDurations))
	assert.GreaterOrEqual(t, testutil.ToFloat64(c.lastTick), before)
}

func TestNewServer_ServesRegistry(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordLaunch(types.KindGroundTruth)

	srv := NewServer(9999, reg)
	assert.Equal(t, ":9999", srv.Addr)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `expctl_experiments_launched_total{kind="ground_truth"} 1`))
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}
