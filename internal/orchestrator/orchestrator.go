// ============================================================================
// expctl Orchestrator - experiment lifecycle state machine
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
//
// Lifecycle of the head experiment, one step per tick:
//
//   Pending   --launch-->   OnQueue   --monitor (all jobs completed)-->   Completed
//                             ^  |                                           |
//                             +--+ relaunch failed jobs                      +--merge--> dequeued
//
// Tick rules:
//   - Only the head of the queue is touched; later entries are inert data.
//   - One transport session per tick, always closed before returning.
//   - A launch tick never monitors: the scheduler gets a full interval first.
//   - The head is mutated on a scratch copy. The copy replaces the head and
//     the checkpoint is written only once a transition is fully formed, so a
//     failed tick leaves both the in-memory queue and the checkpoint as they
//     were.
//   - A completed experiment is persisted before its merge runs and is
//     dequeued only after the merge succeeds, so a failed merge is retried
//     on its own by the next tick.
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/expctl/internal/cluster"
	"github.com/ChuLiYu/expctl/internal/metrics"
	"github.com/ChuLiYu/expctl/internal/storage/journal"
	"github.com/ChuLiYu/expctl/internal/transport"
	"github.com/ChuLiYu/expctl/pkg/types"
)

var (
	// ErrTransport means the tick could not talk to the cluster. Nothing was
	// changed; the next tick retries.
	ErrTransport = errors.New("transport failure")
	// ErrLaunchFailed means the launcher exited non-zero. Jobs may already
	// exist remotely, so the launch is not retried automatically.
	ErrLaunchFailed = errors.New("experiment launch failed")
	// ErrIncompleteLaunch means the launcher succeeded but printed no batch id
	// or no job ids.
	ErrIncompleteLaunch = errors.New("experiment launch returned incomplete output")
	// ErrRelaunchFailed means the session dropped after the relaunch command
	// had already submitted jobs.
	ErrRelaunchFailed = errors.New("job relaunch failed")
	// ErrMergeFailed means the merge script exited non-zero. The experiment
	// stays at the head of the queue.
	ErrMergeFailed = errors.New("experiment merge failed")
	// ErrCheckpoint means the new state could not be persisted.
	ErrCheckpoint = errors.New("checkpoint write failed")
)

// Cluster is the set of remote operations a tick needs.
type Cluster interface {
	Launch(ctx context.Context, e *types.Experiment) (cluster.LaunchResult, bool, error)
	RelaunchSubset(ctx context.Context, e *types.Experiment, indices []int, skipPreparatory bool) ([]int64, error)
	QueryStatus(ctx context.Context, remoteID int64) (types.JobStatus, bool, error)
	Merge(ctx context.Context, e *types.Experiment) (bool, error)
}

// ClusterFactory binds a Cluster to the session of the current tick.
type ClusterFactory func(session transport.Session) Cluster

// Checkpointer persists the queue.
type Checkpointer interface {
	Save(q *types.Queue) error
}

// Journal records lifecycle events.
type Journal interface {
	Append(event journal.Event) error
}

// Archive records experiments after a successful merge.
type Archive interface {
	Record(ctx context.Context, e *types.Experiment) error
}

// Config holds the orchestrator switches.
type Config struct {
	// DisableRelaunch leaves failed jobs failed instead of resubmitting them.
	DisableRelaunch bool
}

// Option configures optional collaborators.
type Option func(*Orchestrator)

// WithJournal records lifecycle events in j.
func WithJournal(j Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithArchive records merged experiments in a.
func WithArchive(a Archive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// WithMetrics reports tick outcomes to m.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTickObserver calls fn with the outcome of every tick.
func WithTickObserver(fn func(err error)) Option {
	return func(o *Orchestrator) { o.onTick = fn }
}

// Orchestrator owns the queue and advances its head one tick at a time.
// It is not safe for concurrent use; ticks must be serialised.
type Orchestrator struct {
	config     Config
	queue      *types.Queue
	dialer     transport.Dialer
	newCluster ClusterFactory
	store      Checkpointer

	journal Journal
	archive Archive
	metrics *metrics.Collector
	onTick  func(err error)
	log     *slog.Logger
}

// New builds an orchestrator over an already loaded or seeded queue.
func New(config Config, queue *types.Queue, dialer transport.Dialer, newCluster ClusterFactory, store Checkpointer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:     config,
		queue:      queue,
		dialer:     dialer,
		newCluster: newCluster,
		store:      store,
		log:        slog.Default().With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Queue exposes the owned queue for read-only inspection.
func (o *Orchestrator) Queue() *types.Queue {
	return o.queue
}

// Tick advances the head experiment by at most one transition chain
//
// Per head status:
//   - pending:   launch, record batch id and jobs, checkpoint (no monitoring)
//   - on_queue:  monitor, relaunch failed jobs, checkpoint; merge when all
//     jobs completed
//   - completed: retry the merge only
//
// Parameters:
//   - ctx: bounds remote calls; Run passes a context that is never cancelled
//
// Returns:
//   - error: nil when the queue is empty or the step succeeded; otherwise
//     classify with Classify/IsFatal. The queue and checkpoint are unchanged
//     unless a transition was committed before the error.
func (o *Orchestrator) Tick(ctx context.Context) (err error) {
	start := time.Now()
	log := o.log.With("tick", uuid.NewString())
	defer func() { o.finishTick(start, err) }()

	head := o.queue.Head()
	if head == nil {
		log.Info("No experiments to process")
		return nil
	}
	log.Info("Tick",
		"remaining", o.queue.Len(),
		"experiment", head.Label,
		"status", head.Status)

	session, err := o.dialer.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Warn("Failed to close session", "error", cerr)
		}
	}()

	c := o.newCluster(session)
	work := head.Clone()

	switch work.Status {
	case types.ExperimentPending:
		return o.launch(ctx, log, c, work)

	case types.ExperimentOnQueue:
		finished, err := o.monitor(ctx, log, c, work)
		if err != nil {
			return err
		}
		if err := o.commitHead(work); err != nil {
			return err
		}
		if !finished {
			return nil
		}
		return o.merge(ctx, log, c, work)

	case types.ExperimentCompleted:
		// A previous merge failed after the experiment completed.
		log.Info("Retrying merge", "experiment", work.Label, "batch", work.ID)
		return o.merge(ctx, log, c, work)
	}

	return fmt.Errorf("%w: experiment %q has status %q", types.ErrInvalidExperiment, work.Label, work.Status)
}

// launch submits a pending experiment.
func (o *Orchestrator) launch(ctx context.Context, log *slog.Logger, c Cluster, work *types.Experiment) error {
	log.Info("Launching experiment", "experiment", work.Label, "kind", work.Kind)

	res, ok, err := c.Launch(ctx, work)
	if err != nil {
		if len(res.Jobs) > 0 || res.BatchID != "" {
			// Jobs were already submitted when the session dropped.
			o.recordLaunchFailure(work, res, err.Error())
			return fmt.Errorf("%w: %q: session lost after submitting %d jobs: %w", ErrLaunchFailed, work.Label, len(res.Jobs), err)
		}
		return fmt.Errorf("%w: launch %q: %w", ErrTransport, work.Label, err)
	}
	if !ok {
		o.recordLaunchFailure(work, res, fmt.Sprintf("exit status %d", res.ExitStatus))
		return fmt.Errorf("%w: %q exited with status %d", ErrLaunchFailed, work.Label, res.ExitStatus)
	}
	if res.BatchID == "" || len(res.Jobs) == 0 {
		o.recordLaunchFailure(work, res, "missing batch id or job ids")
		return fmt.Errorf("%w: %q (batch id %q, %d jobs)", ErrIncompleteLaunch, work.Label, res.BatchID, len(res.Jobs))
	}

	work.ID = res.BatchID
	work.Jobs = res.Jobs
	if err := work.Advance(types.ExperimentOnQueue); err != nil {
		return err
	}
	if err := o.commitHead(work); err != nil {
		return err
	}

	log.Info("Launched experiment", "experiment", work.Label, "batch", work.ID, "jobs", len(work.Jobs))
	for _, job := range work.Jobs {
		log.Info("Submitted job", "index", job.Index, "remote_id", job.RemoteID, "kind", job.Kind)
	}
	o.record(journal.Event{
		Type:       journal.EventLaunch,
		Experiment: work.Label,
		BatchID:    work.ID,
		RemoteIDs:  remoteIDs(work.Jobs),
	})
	if o.metrics != nil {
		o.metrics.RecordLaunch(work.Kind)
	}
	return nil
}

// merge finalises a completed experiment and dequeues it.
func (o *Orchestrator) merge(ctx context.Context, log *slog.Logger, c Cluster, work *types.Experiment) error {
	log.Info("Merging experiment", "experiment", work.Label, "batch", work.ID)

	ok, err := c.Merge(ctx, work)
	if err != nil {
		return fmt.Errorf("%w: merge %q: %w", ErrTransport, work.Label, err)
	}
	if o.metrics != nil {
		o.metrics.RecordMerge(ok)
	}
	if !ok {
		o.record(journal.Event{Type: journal.EventMergeFailed, Experiment: work.Label, BatchID: work.ID})
		return fmt.Errorf("%w: %q (batch %s)", ErrMergeFailed, work.Label, work.ID)
	}
	o.record(journal.Event{Type: journal.EventMerge, Experiment: work.Label, BatchID: work.ID})

	if o.archive != nil {
		if err := o.archive.Record(ctx, work); err != nil {
			log.Error("Failed to archive merged experiment", "experiment", work.Label, "error", err)
		}
	}

	if err := o.commitDequeue(); err != nil {
		return err
	}
	o.record(journal.Event{Type: journal.EventDequeue, Experiment: work.Label, BatchID: work.ID})
	log.Info("Experiment merged and dequeued", "experiment", work.Label, "remaining", o.queue.Len())
	return nil
}

// commitHead persists a queue whose head is replaced by work, then swaps it
// in. On failure the in-memory queue is untouched.
func (o *Orchestrator) commitHead(work *types.Experiment) error {
	next := make([]*types.Experiment, o.queue.Len())
	copy(next, o.queue.Experiments)
	next[0] = work
	return o.commit(next)
}

// commitDequeue persists the queue without its head, then swaps it in.
func (o *Orchestrator) commitDequeue() error {
	next := make([]*types.Experiment, o.queue.Len()-1)
	copy(next, o.queue.Experiments[1:])
	return o.commit(next)
}

func (o *Orchestrator) commit(next []*types.Experiment) error {
	if err := o.store.Save(&types.Queue{Experiments: next}); err != nil {
		return fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	o.queue.Experiments = next
	return nil
}

func (o *Orchestrator) recordLaunchFailure(work *types.Experiment, res cluster.LaunchResult, detail string) {
	o.log.Error("Launch failed; remote jobs may need manual cleanup",
		"experiment", work.Label,
		"batch", res.BatchID,
		"remote_ids", remoteIDs(res.Jobs),
		"detail", detail)
	o.record(journal.Event{
		Type:       journal.EventLaunchFailed,
		Experiment: work.Label,
		BatchID:    res.BatchID,
		RemoteIDs:  remoteIDs(res.Jobs),
		Detail:     detail,
	})
	if o.metrics != nil {
		o.metrics.RecordLaunchFailure()
	}
}

// record appends to the journal. Journal failures never fail a tick.
func (o *Orchestrator) record(event journal.Event) {
	if o.journal == nil {
		return
	}
	if err := o.journal.Append(event); err != nil {
		o.log.Warn("Failed to append journal event", "type", event.Type, "error", err)
	}
}

func (o *Orchestrator) finishTick(start time.Time, err error) {
	if o.metrics != nil {
		o.metrics.ObserveTick(time.Since(start))
		o.metrics.UpdateQueue(o.queue)
		if err != nil {
			o.metrics.RecordTickError(Classify(err))
		}
	}
	if o.onTick != nil {
		o.onTick(err)
	}
}

func remoteIDs(jobs []types.Job) []int64 {
	ids := make([]int64, len(jobs))
	for i, job := range jobs {
		ids[i] = job.RemoteID
	}
	return ids
}
