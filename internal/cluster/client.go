// ============================================================================
// Cluster Client
// ============================================================================
//
// Package: internal/cluster
// File: client.go
// Purpose: Translate orchestration intents into remote commands for one
//          experiment kind and recover identifiers from their text output.
//
// Wire contract (the remote scripts print these lines; matched verbatim):
//   Batch ID: <word>              -> batch/session id of a launch
//   Submitted batch job <digits>  -> one submitted SLURM job
//
// Every other line is informational. A missing or malformed match only
// leaves that identifier out of the result; deciding whether an incomplete
// result is fatal belongs to the orchestrator.
//
// ============================================================================

package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/expctl/internal/transport"
	"github.com/ChuLiYu/expctl/pkg/types"
)

var (
	batchIDPattern = regexp.MustCompile(`Batch ID: (\w+)`)
	jobIDPattern   = regexp.MustCompile(`Submitted batch job (\d+)`)
)

const (
	launchScript = "./prepare_and_launch.sh"
	mergeDir     = "scripts/merge"
	mergeScript  = "./merge_db.sh"

	// The remote launcher calls its preparatory stage "estimation".
	skipPreparatoryFlag = "--skip-estimation"
)

// Config carries the switches that shape remote commands.
type Config struct {
	// BaseDir is the remote checkout holding the experiment scripts. It may
	// reference remote environment variables, e.g. ${STORE2}/experiments.
	BaseDir                   string
	ShowRemoteOutput          bool
	RemoveTargetDirAfterMerge bool
}

// LaunchResult is everything a launch printed that the orchestrator needs.
type LaunchResult struct {
	BatchID    string
	Jobs       []types.Job
	ExitStatus int
}

// Client issues cluster operations over one open session.
type Client struct {
	session transport.Session
	cfg     Config
	log     *slog.Logger
}

// NewClient binds a client to a session for the duration of one tick.
func NewClient(session transport.Session, cfg Config) *Client {
	return &Client{session: session, cfg: cfg, log: slog.Default().With("component", "cluster")}
}

// Launch submits a pending experiment. ok is true iff the remote launcher
// exited with status zero.
func (c *Client) Launch(ctx context.Context, e *types.Experiment) (LaunchResult, bool, error) {
	spec, err := types.KindSpecOf(e.Kind)
	if err != nil {
		return LaunchResult{}, false, err
	}

	cmd := c.scriptCommand(spec, BuildOptionsArg(e.Options))

	result := LaunchResult{Jobs: []types.Job{}}
	next := 0
	if spec.Preparatory {
		next = types.PreparatoryIndex
	}

	status, err := c.session.Execute(ctx, cmd, confirmationInput(spec.Confirmation), func(line string) {
		c.echo(line)
		if id, ok := MatchBatchID(line); ok {
			result.BatchID = id
		}
		if remoteID, ok := MatchJobID(line); ok {
			result.Jobs = append(result.Jobs, types.NewJob(remoteID, next))
			next++
		}
	})
	if err != nil {
		return result, false, err
	}
	result.ExitStatus = status
	return result, status == 0, nil
}

// RelaunchSubset resubmits the jobs at the given logical indices. The new
// remote ids are returned in the order the launcher printed them.
func (c *Client) RelaunchSubset(ctx context.Context, e *types.Experiment, indices []int, skipPreparatory bool) ([]int64, error) {
	spec, err := types.KindSpecOf(e.Kind)
	if err != nil {
		return nil, err
	}

	idx := make([]string, len(indices))
	for i, v := range indices {
		idx[i] = strconv.Itoa(v)
	}
	args := []string{"--relaunch", e.ID, strings.Join(idx, " "), "--skip-build"}
	if skipPreparatory {
		args = append(args, skipPreparatoryFlag)
	}
	args = append(args, BuildOptionsArg(e.Options))
	cmd := c.scriptCommand(spec, args...)

	var ids []int64
	status, err := c.session.Execute(ctx, cmd, confirmationInput(spec.Confirmation), func(line string) {
		c.echo(line)
		if remoteID, ok := MatchJobID(line); ok {
			ids = append(ids, remoteID)
		}
	})
	if err != nil {
		return ids, err
	}
	if status != 0 {
		c.log.Warn("Relaunch command exited with non-zero status",
			"experiment", e.Label,
			"exit_status", status,
			"ids_received", len(ids))
	}
	return ids, nil
}

// QueryStatus asks the accounting database for one job. known is false when
// the state could not be mapped, which callers treat as "no change".
func (c *Client) QueryStatus(ctx context.Context, remoteID int64) (types.JobStatus, bool, error) {
	cmd := fmt.Sprintf("sacct -n -X -P -j %d --format=State", remoteID)

	var first string
	_, err := c.session.Execute(ctx, cmd, "", func(line string) {
		if first == "" && strings.TrimSpace(line) != "" {
			first = line
		}
	})
	if err != nil {
		return "", false, err
	}

	status, ok := MapSchedulerState(first)
	if !ok {
		c.log.Debug("Unrecognised scheduler state", "remote_id", remoteID, "state", first)
	}
	return status, ok, nil
}

// Merge folds the experiment's remote working directory into the shared
// results store. ok is true iff the merge script exited with status zero.
func (c *Client) Merge(ctx context.Context, e *types.Experiment) (bool, error) {
	spec, err := types.KindSpecOf(e.Kind)
	if err != nil {
		return false, err
	}

	cmd := fmt.Sprintf("cd %s && %s --target-dir %s", path.Join(c.cfg.BaseDir, mergeDir), mergeScript, e.ID)
	if c.cfg.RemoveTargetDirAfterMerge {
		cmd += " --remove-target-dir"
	}
	stdin := confirmationInput([]string{strconv.Itoa(spec.Wire), e.Label, e.Description})

	status, err := c.session.Execute(ctx, cmd, stdin, c.echo)
	if err != nil {
		return false, err
	}
	return status == 0, nil
}

func (c *Client) scriptCommand(spec types.KindSpec, args ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cd %s && %s", path.Join(c.cfg.BaseDir, spec.ScriptDir), launchScript)
	for _, arg := range args {
		if arg == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(arg)
	}
	return b.String()
}

func (c *Client) echo(line string) {
	if c.cfg.ShowRemoteOutput {
		c.log.Info("remote", "line", line)
		return
	}
	c.log.Debug("remote", "line", line)
}

// BuildOptionsArg renders options as --build-options "A=ON B=OFF", keys
// sorted. It returns "" when there are no options.
func BuildOptionsArg(options map[string]bool) string {
	if len(options) == 0 {
		return ""
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		v := "OFF"
		if options[k] {
			v = "ON"
		}
		parts[i] = k + "=" + v
	}
	return fmt.Sprintf("--build-options \"%s\"", strings.Join(parts, " "))
}

// MatchBatchID extracts the batch id from a launcher output line.
func MatchBatchID(line string) (string, bool) {
	m := batchIDPattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MatchJobID extracts a SLURM job id from a launcher output line.
func MatchJobID(line string) (int64, bool) {
	m := jobIDPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func confirmationInput(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
