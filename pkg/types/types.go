// Package types defines the domain model shared by the orchestrator, the
// cluster client and the checkpoint store.
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrStatusRegression is returned when an experiment would move backwards
	// through its lifecycle.
	ErrStatusRegression = errors.New("experiment status cannot move backwards")
	// ErrInvalidExperiment is returned by Validate when an invariant is broken.
	ErrInvalidExperiment = errors.New("invalid experiment")
)

// PreparatoryIndex is the logical index of the preparatory job of an
// experiment. Dependent jobs use indices 0..n-1.
const PreparatoryIndex = -1

// ExperimentStatus is the lifecycle position of an experiment.
type ExperimentStatus string

const (
	ExperimentPending   ExperimentStatus = "pending"   // queued locally, nothing submitted yet
	ExperimentOnQueue   ExperimentStatus = "on_queue"  // jobs submitted, being monitored
	ExperimentCompleted ExperimentStatus = "completed" // all jobs completed, merge may still be pending
)

func (s ExperimentStatus) rank() int {
	switch s {
	case ExperimentPending:
		return 0
	case ExperimentOnQueue:
		return 1
	case ExperimentCompleted:
		return 2
	}
	return -1
}

// JobStatus is the scheduler-side state of one job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobFailed    JobStatus = "failed"
	JobCompleted JobStatus = "completed"
)

// JobKind distinguishes the preparatory stage from the jobs depending on it.
type JobKind string

const (
	JobPreparatory JobKind = "preparatory" // produces an artifact every dependent job consumes
	JobDependent   JobKind = "dependent"
)

// Job is one scheduler job belonging to an experiment.
type Job struct {
	RemoteID int64     `json:"remote_id"` // SLURM job id, reassigned on relaunch
	Index    int       `json:"index"`     // stable logical position
	Kind     JobKind   `json:"kind"`
	Status   JobStatus `json:"status"`
}

// NewJob returns a pending job whose kind follows from its index.
func NewJob(remoteID int64, index int) Job {
	kind := JobDependent
	if index < 0 {
		kind = JobPreparatory
	}
	return Job{
		RemoteID: remoteID,
		Index:    index,
		Kind:     kind,
		Status:   JobPending,
	}
}

// Experiment is one entry of the orchestrator queue.
type Experiment struct {
	ID          string           `json:"id"`
	Label       string           `json:"label"`
	Description string           `json:"description"`
	Kind        ExperimentKind   `json:"kind"`
	Options     map[string]bool  `json:"options"`
	Status      ExperimentStatus `json:"status"`
	Jobs        []Job            `json:"jobs"`

	// Relaunches counts relaunch submissions, kept for the history ledger.
	Relaunches int `json:"relaunches"`
}

// NewExperiment returns a pending experiment with empty, non-nil collections.
func NewExperiment(kind ExperimentKind, label, description string, options map[string]bool) *Experiment {
	opts := make(map[string]bool, len(options))
	for k, v := range options {
		opts[k] = v
	}
	return &Experiment{
		Label:       label,
		Description: description,
		Kind:        kind,
		Options:     opts,
		Status:      ExperimentPending,
		Jobs:        []Job{},
	}
}

// Advance moves the experiment to the given status. Staying in place is
// allowed; moving backwards is not.
func (e *Experiment) Advance(to ExperimentStatus) error {
	if to.rank() < 0 {
		return fmt.Errorf("%w: unknown status %q", ErrStatusRegression, to)
	}
	if to.rank() < e.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, e.Status, to)
	}
	e.Status = to
	return nil
}

// Preparatory returns the preparatory job, if the experiment has one.
func (e *Experiment) Preparatory() (*Job, bool) {
	for i := range e.Jobs {
		if e.Jobs[i].Kind == JobPreparatory {
			return &e.Jobs[i], true
		}
	}
	return nil, false
}

// AllCompleted reports whether every job is completed.
func (e *Experiment) AllCompleted() bool {
	for _, job := range e.Jobs {
		if job.Status != JobCompleted {
			return false
		}
	}
	return true
}

// CountByStatus tallies jobs per status.
func (e *Experiment) CountByStatus() map[JobStatus]int {
	counts := make(map[JobStatus]int, 4)
	for _, job := range e.Jobs {
		counts[job.Status]++
	}
	return counts
}

// Validate checks the invariants that tie the experiment status to its jobs.
func (e *Experiment) Validate() error {
	if _, err := KindSpecOf(e.Kind); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExperiment, err)
	}
	switch e.Status {
	case ExperimentPending:
		if e.ID != "" || len(e.Jobs) > 0 {
			return fmt.Errorf("%w: pending experiment %q already has a batch id or jobs", ErrInvalidExperiment, e.Label)
		}
	case ExperimentOnQueue:
	case ExperimentCompleted:
		if !e.AllCompleted() {
			return fmt.Errorf("%w: experiment %q is completed but has unfinished jobs", ErrInvalidExperiment, e.Label)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidExperiment, e.Status)
	}

	preparatory := 0
	for _, job := range e.Jobs {
		if job.Kind == JobPreparatory {
			preparatory++
		}
	}
	if preparatory > 1 {
		return fmt.Errorf("%w: experiment %q has %d preparatory jobs", ErrInvalidExperiment, e.Label, preparatory)
	}
	return nil
}

// Clone returns a deep copy so a tick can work on a scratch copy of the head.
func (e *Experiment) Clone() *Experiment {
	c := *e
	c.Options = make(map[string]bool, len(e.Options))
	for k, v := range e.Options {
		c.Options[k] = v
	}
	c.Jobs = make([]Job, len(e.Jobs))
	copy(c.Jobs, e.Jobs)
	return &c
}

// Queue is the FIFO of experiments owned by one orchestrator process.
type Queue struct {
	Experiments []*Experiment `json:"experiments"`
}

// Len returns the number of queued experiments.
func (q *Queue) Len() int {
	return len(q.Experiments)
}

// Head returns the experiment at the front of the queue, or nil.
func (q *Queue) Head() *Experiment {
	if len(q.Experiments) == 0 {
		return nil
	}
	return q.Experiments[0]
}

// ReplaceHead swaps the head for an updated copy.
func (q *Queue) ReplaceHead(e *Experiment) {
	if len(q.Experiments) == 0 {
		return
	}
	q.Experiments[0] = e
}

// Dequeue removes and returns the head.
func (q *Queue) Dequeue() *Experiment {
	if len(q.Experiments) == 0 {
		return nil
	}
	head := q.Experiments[0]
	q.Experiments = q.Experiments[1:]
	return head
}

// Append adds experiments to the tail.
func (q *Queue) Append(experiments ...*Experiment) {
	q.Experiments = append(q.Experiments, experiments...)
}

// Normalize replaces nil collections with empty ones. Decoding a checkpoint
// written by an older build can leave them nil.
func (q *Queue) Normalize() {
	if q.Experiments == nil {
		q.Experiments = []*Experiment{}
	}
	for _, e := range q.Experiments {
		if e.Options == nil {
			e.Options = map[string]bool{}
		}
		if e.Jobs == nil {
			e.Jobs = []Job{}
		}
	}
}
