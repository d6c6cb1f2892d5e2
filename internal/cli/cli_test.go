package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/expctl/internal/checkpoint"
	"github.com/ChuLiYu/expctl/internal/storage/journal"
	"github.com/ChuLiYu/expctl/internal/storage/ledger"
	"github.com/ChuLiYu/expctl/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type testEnv struct {
	dir        string
	configPath string
	checkpoint string
	journal    string
	ledger     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "expctl.yaml"),
		checkpoint: filepath.Join(dir, "state", "state.json"),
		journal:    filepath.Join(dir, "state", "journal.jsonl"),
		ledger:     filepath.Join(dir, "state", "history.db"),
	}
	content := fmt.Sprintf(`
remote:
  host: testhost
orchestrator:
  poll_interval: 1s
checkpoint:
  path: %s
journal:
  path: %s
ledger:
  path: %s
log:
  level: error
`, env.checkpoint, env.journal, env.ledger)
	require.NoError(t, os.WriteFile(env.configPath, []byte(content), 0o644))
	return env
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func sampleQueue() *types.Queue {
	head := types.NewExperiment(types.KindCompression, "comp-v1", "first", map[string]bool{"A": true})
	head.ID = "A1"
	head.Status = types.ExperimentOnQueue
	head.Jobs = []types.Job{types.NewJob(100, -1), types.NewJob(101, 0), types.NewJob(102, 1)}
	head.Jobs[0].Status = types.JobCompleted
	head.Jobs[1].Status = types.JobRunning

	q := &types.Queue{}
	q.Append(head, types.NewExperiment(types.KindIntrinsics, "calib-v2", "", nil))
	return q
}

// ============================================================================
// Command tree
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "expctl", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, c.Name())
	}
	for _, want := range []string{"launch", "monitor", "status", "history", "events", "probe"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "configs/expctl.yaml", configFlag.DefValue)
	for _, name := range []string{"checkpoint", "show-remote-output", "disable-relaunch", "remove-target-dir-after-merge", "log-level"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestLaunchCommandFlags(t *testing.T) {
	cmd := buildLaunchCommand(&rootOptions{})
	for _, name := range []string{"kind", "label", "description", "options", "definition-file", "append", "once"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "f", cmd.Flags().Lookup("definition-file").Shorthand)
}

// ============================================================================
// Configuration
// ============================================================================

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, "${STORE2}/alice-lri-experiments", cfg.Remote.BaseDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
remote:
  host: hpc-login
  base_dir: /scratch/exp
  connect_timeout: 5s
orchestrator:
  poll_interval: 2m
  disable_relaunch: true
checkpoint:
  keep_backups: 4
metrics:
  enabled: true
  port: 9191
log:
  format: json
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "hpc-login", cfg.Remote.Host)
	assert.Equal(t, "/scratch/exp", cfg.Remote.BaseDir)
	assert.Equal(t, 5*time.Second, cfg.Remote.ConnectTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.PollInterval)
	assert.True(t, cfg.Orchestrator.DisableRelaunch)
	assert.Equal(t, 4, cfg.Checkpoint.KeepBackups)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "json", cfg.Log.Format)

	// Untouched keys keep their defaults.
	assert.Equal(t, "state/state.json", cfg.Checkpoint.Path)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote: [unclosed"), 0o644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty host", func(c *Config) { c.Remote.Host = "" }},
		{"zero poll interval", func(c *Config) { c.Orchestrator.PollInterval = 0 }},
		{"empty checkpoint path", func(c *Config) { c.Checkpoint.Path = "" }},
		{"negative backups", func(c *Config) { c.Checkpoint.KeepBackups = -1 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.configPath, []byte("orchestrator:\n  poll_interval: -1s\n"), 0o644))

	_, err := env.run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval")
}

// ============================================================================
// launch
// ============================================================================

func TestSeedQueue(t *testing.T) {
	store := checkpoint.NewStore(filepath.Join(t.TempDir(), "state.json"), 0)
	first := []*types.Experiment{types.NewExperiment(types.KindIntrinsics, "a", "", nil)}

	q, err := seedQueue(store, first, false)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.True(t, store.Exists(), "the checkpoint is written before any remote work")

	_, err = seedQueue(store, first, false)
	assert.Error(t, err, "an existing checkpoint is never overwritten")

	second := []*types.Experiment{types.NewExperiment(types.KindGroundTruth, "b", "", nil)}
	q, err = seedQueue(store, second, true)
	require.NoError(t, err)
	require.Equal(t, 2, q.Len())
	assert.Equal(t, "a", q.Experiments[0].Label)
	assert.Equal(t, "b", q.Experiments[1].Label)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, q, loaded)
}

func TestLaunch_RefusesExistingCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, checkpoint.NewStore(env.checkpoint, 0).Save(sampleQueue()))

	_, err := env.run(t, "launch", "--kind", "intrinsics", "--label", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestLaunch_RequiresExperiment(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "launch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--definition-file")
}

func TestLaunch_RejectsBadOptions(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "launch", "--kind", "intrinsics", "--label", "x", "--options", "NOVALUE")
	require.Error(t, err)
	assert.False(t, checkpoint.NewStore(env.checkpoint, 0).Exists())
}

func TestReadExperiments(t *testing.T) {
	experiments, err := readExperiments("", "compression", "c", "desc", "A=ON B=OFF")
	require.NoError(t, err)
	require.Len(t, experiments, 1)
	assert.Equal(t, types.KindCompression, experiments[0].Kind)
	assert.Equal(t, map[string]bool{"A": true, "B": false}, experiments[0].Options)

	path := filepath.Join(t.TempDir(), "defs.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"experiments":[{"label":"x","type":4},{"label":"y","type":"intrinsics"}]}`), 0o644))
	experiments, err = readExperiments(path, "", "", "", "")
	require.NoError(t, err)
	assert.Len(t, experiments, 2)
}

func TestMonitor_NoCheckpoint(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "monitor")
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

// ============================================================================
// status / history / events
// ============================================================================

func TestStatusCommand(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, checkpoint.NewStore(env.checkpoint, 0).Save(sampleQueue()))

	out, err := env.run(t, "status")
	require.NoError(t, err)

	assert.Contains(t, out, "2 experiment(s)")
	assert.Contains(t, out, "comp-v1")
	assert.Contains(t, out, "calib-v2")
	assert.Contains(t, out, "A1")
	assert.Contains(t, out, "1 completed, 1 running, 1 pending")
	assert.Contains(t, out, "Jobs of comp-v1")
	assert.Contains(t, out, "preparatory")
}

func TestStatusCommand_CheckpointFlagOverridesConfig(t *testing.T) {
	env := newTestEnv(t)
	other := filepath.Join(env.dir, "other.json")
	require.NoError(t, checkpoint.NewStore(other, 0).Save(&types.Queue{}))

	out, err := env.run(t, "status", "--checkpoint", other)
	require.NoError(t, err)
	assert.Contains(t, out, other)
	assert.Contains(t, out, "0 experiment(s)")
}

func TestStatusCommand_NoCheckpoint(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No checkpoint")
}

func TestEventsCommand(t *testing.T) {
	env := newTestEnv(t)
	j, err := journal.Open(env.journal, false)
	require.NoError(t, err)
	require.NoError(t, j.Append(journal.Event{Type: journal.EventSeed, Experiment: "calib"}))
	require.NoError(t, j.Append(journal.Event{Type: journal.EventLaunch, Experiment: "calib", BatchID: "A1", RemoteIDs: []int64{101}}))
	require.NoError(t, j.Append(journal.Event{Type: journal.EventSeed, Experiment: "other"}))
	require.NoError(t, j.Close())

	out, err := env.run(t, "events")
	require.NoError(t, err)
	assert.Contains(t, out, "LAUNCH")
	assert.Contains(t, out, "remote_ids=[101]")
	assert.Contains(t, out, "other")

	out, err = env.run(t, "events", "--experiment", "calib")
	require.NoError(t, err)
	assert.Contains(t, out, "calib")
	assert.NotContains(t, out, "other")
}

func TestEventsCommand_NoJournal(t *testing.T) {
	env := newTestEnv(t)
	out, err := env.run(t, "events")
	require.NoError(t, err)
	assert.Contains(t, out, "No journal yet")
}

func TestHistoryCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No merged experiments yet")

	l, err := ledger.Open(env.ledger)
	require.NoError(t, err)
	e := types.NewExperiment(types.KindGroundTruth, "gt-run", "", nil)
	e.ID = "G9"
	e.Jobs = []types.Job{types.NewJob(1, 0)}
	require.NoError(t, l.Record(context.Background(), e))
	require.NoError(t, l.Close())

	out, err = env.run(t, "history", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "gt-run")
	assert.Contains(t, out, "G9")
	assert.Contains(t, out, "ground_truth")
}
