package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/expctl/internal/storage/journal"
	"github.com/ChuLiYu/expctl/pkg/types"
)

// relaunchPlan is the outcome of classifying failures in one monitor pass.
type relaunchPlan struct {
	// positions index into Experiment.Jobs, in the order jobs were marked.
	positions       []int
	skipPreparatory bool
}

// monitor runs one pass over the jobs of work
//
// Steps:
// 1. refresh: query unfinished jobs and plan relaunches
// 2. relaunch the planned jobs unless relaunch is disabled
// 3. advance work to completed once every job is completed
//
// Parameters:
//   - work: scratch copy of the head; the only thing mutated
//
// Returns:
//   - bool: true when work is now completed and ready to merge
//   - error: transport errors, or ErrRelaunchFailed when a relaunch was cut
//     off after submitting jobs
func (o *Orchestrator) monitor(ctx context.Context, log *slog.Logger, c Cluster, work *types.Experiment) (bool, error) {
	plan, err := o.refresh(ctx, log, c, work)
	if err != nil {
		return false, err
	}

	if len(plan.positions) > 0 {
		if o.config.DisableRelaunch {
			log.Warn("Relaunch disabled; failed jobs left as failed",
				"experiment", work.Label,
				"indices", plan.indices(work))
		} else if err := o.relaunch(ctx, log, c, work, plan); err != nil {
			return false, err
		}
	}

	if !work.AllCompleted() {
		return false, nil
	}
	if err := work.Advance(types.ExperimentCompleted); err != nil {
		return false, err
	}
	log.Info("Experiment completed", "experiment", work.Label, "jobs", len(work.Jobs))
	o.record(journal.Event{Type: journal.EventComplete, Experiment: work.Label, BatchID: work.ID})
	return true, nil
}

// refresh queries every unfinished job and classifies failures. A failed
// preparatory job invalidates every job and stops the pass; a failed
// dependent job is relaunched alone.
func (o *Orchestrator) refresh(ctx context.Context, log *slog.Logger, c Cluster, work *types.Experiment) (relaunchPlan, error) {
	plan := relaunchPlan{skipPreparatory: true}

	for i := range work.Jobs {
		job := &work.Jobs[i]
		if job.Status == types.JobCompleted {
			continue
		}

		status, known, err := c.QueryStatus(ctx, job.RemoteID)
		if err != nil {
			return plan, fmt.Errorf("%w: query job %d: %w", ErrTransport, job.RemoteID, err)
		}
		if known && status != job.Status {
			log.Info("Job status changed",
				"index", job.Index,
				"remote_id", job.RemoteID,
				"from", job.Status,
				"to", status)
			job.Status = status
			o.record(journal.Event{
				Type:       journal.EventJobStatus,
				Experiment: work.Label,
				BatchID:    work.ID,
				RemoteIDs:  []int64{job.RemoteID},
				Indices:    []int{job.Index},
				Detail:     string(status),
			})
			if o.metrics != nil {
				o.metrics.RecordJobStatus(status)
			}
		}

		if job.Status != types.JobFailed {
			continue
		}
		if job.Kind == types.JobPreparatory {
			log.Warn("Preparatory job failed; every job will be relaunched",
				"index", job.Index,
				"remote_id", job.RemoteID)
			plan.positions = plan.positions[:0]
			for p := range work.Jobs {
				plan.positions = append(plan.positions, p)
			}
			plan.skipPreparatory = false
			return plan, nil
		}
		log.Warn("Job failed", "index", job.Index, "remote_id", job.RemoteID)
		plan.positions = append(plan.positions, i)
	}
	return plan, nil
}

// relaunch resubmits the planned jobs and assigns the new remote ids in the
// order they were printed. Jobs left without an id stay failed and are
// picked up again by the next pass.
func (o *Orchestrator) relaunch(ctx context.Context, log *slog.Logger, c Cluster, work *types.Experiment, plan relaunchPlan) error {
	indices := plan.indices(work)
	log.Info("Relaunching jobs",
		"experiment", work.Label,
		"indices", indices,
		"skip_preparatory", plan.skipPreparatory)

	ids, err := c.RelaunchSubset(ctx, work, indices, plan.skipPreparatory)
	if err != nil {
		if len(ids) > 0 {
			o.recordRelaunchFailure(log, work, indices, ids, err)
			return fmt.Errorf("%w: %q: session lost after submitting %d jobs: %w", ErrRelaunchFailed, work.Label, len(ids), err)
		}
		return fmt.Errorf("%w: relaunch %q: %w", ErrTransport, work.Label, err)
	}
	work.Relaunches++

	if len(ids) != len(plan.positions) {
		log.Warn("Relaunch returned a different number of job ids than requested",
			"requested", len(plan.positions),
			"received", len(ids))
	}

	var preparatory, dependent int
	assigned := make([]int, 0, len(ids))
	for n, id := range ids {
		if n >= len(plan.positions) {
			break
		}
		job := &work.Jobs[plan.positions[n]]
		log.Info("Relaunched job", "index", job.Index, "old_remote_id", job.RemoteID, "new_remote_id", id)
		job.RemoteID = id
		job.Status = types.JobPending
		assigned = append(assigned, job.Index)
		if job.Kind == types.JobPreparatory {
			preparatory++
		} else {
			dependent++
		}
	}

	o.record(journal.Event{
		Type:       journal.EventRelaunch,
		Experiment: work.Label,
		BatchID:    work.ID,
		RemoteIDs:  ids,
		Indices:    assigned,
		Detail:     fmt.Sprintf("requested=%v skip_preparatory=%t", indices, plan.skipPreparatory),
	})
	if o.metrics != nil {
		o.metrics.RecordRelaunch(preparatory, dependent)
	}
	return nil
}

// recordRelaunchFailure keeps the ids of jobs submitted before the session
// dropped. The tick is discarded, so nothing else refers to them.
func (o *Orchestrator) recordRelaunchFailure(log *slog.Logger, work *types.Experiment, indices []int, ids []int64, err error) {
	log.Error("Relaunch interrupted; remote jobs may need manual cleanup",
		"experiment", work.Label,
		"batch", work.ID,
		"requested", indices,
		"orphaned_remote_ids", ids,
		"error", err)
	o.record(journal.Event{
		Type:       journal.EventRelaunchFailed,
		Experiment: work.Label,
		BatchID:    work.ID,
		RemoteIDs:  ids,
		Indices:    indices,
		Detail:     err.Error(),
	})
}

func (p relaunchPlan) indices(work *types.Experiment) []int {
	out := make([]int, len(p.positions))
	for n, pos := range p.positions {
		out[n] = work.Jobs[pos].Index
	}
	return out
}
