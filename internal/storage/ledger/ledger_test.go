package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/expctl/pkg/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func mergedExperiment(label, batch string, jobs int, options map[string]bool) *types.Experiment {
	e := types.NewExperiment(types.KindRangeImage, label, "about "+label, options)
	e.ID = batch
	for i := 0; i < jobs; i++ {
		job := types.NewJob(int64(500+i), i-1)
		job.Status = types.JobCompleted
		e.Jobs = append(e.Jobs, job)
	}
	e.Status = types.ExperimentCompleted
	return e
}

func TestRecordAndList(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	first := mergedExperiment("ri-a", "A1", 3, map[string]bool{"USE_GPU": true, "DEBUG": false})
	first.Relaunches = 2
	require.NoError(t, l.Record(ctx, first))

	clock = clock.Add(time.Hour)
	require.NoError(t, l.Record(ctx, mergedExperiment("ri-b", "B2", 1, nil)))

	entries, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "ri-b", entries[0].Label)
	assert.Equal(t, "B2", entries[0].BatchID)
	assert.Equal(t, 1, entries[0].JobCount)
	assert.Empty(t, entries[0].Options)
	assert.True(t, entries[0].MergedAt.Equal(clock))

	older := entries[1]
	assert.Equal(t, "A1", older.BatchID)
	assert.Equal(t, "about ri-a", older.Description)
	assert.Equal(t, types.KindRangeImage, older.Kind)
	assert.Equal(t, map[string]bool{"USE_GPU": true, "DEBUG": false}, older.Options)
	assert.Equal(t, 3, older.JobCount)
	assert.Equal(t, 2, older.Relaunches)
}

func TestListLimit(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	for _, label := range []string{"a", "b", "c"} {
		require.NoError(t, l.Record(ctx, mergedExperiment(label, "X"+label, 1, nil)))
	}

	entries, err := l.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].Label)
	assert.Equal(t, "b", entries[1].Label)
}

func TestListEmpty(t *testing.T) {
	l := openTestLedger(t)
	entries, err := l.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Record(context.Background(), mergedExperiment("a", "A1", 2, nil)))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	entries, err := l.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "A1", entries[0].BatchID)
}
