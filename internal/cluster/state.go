package cluster

import (
	"strings"

	"github.com/ChuLiYu/expctl/pkg/types"
)

// schedulerStates maps SLURM accounting states onto the closed job status
// set. States missing here (and empty output) are unknown.
var schedulerStates = map[string]types.JobStatus{
	"PENDING":   types.JobPending,
	"REQUEUED":  types.JobPending,
	"RESIZING":  types.JobPending,
	"SUSPENDED": types.JobPending,

	"RUNNING":     types.JobRunning,
	"CONFIGURING": types.JobRunning,
	"COMPLETING":  types.JobRunning,
	"STAGE_OUT":   types.JobRunning,
	"SIGNALING":   types.JobRunning,

	"COMPLETED": types.JobCompleted,

	"FAILED":        types.JobFailed,
	"TIMEOUT":       types.JobFailed,
	"OUT_OF_MEMORY": types.JobFailed,
	"NODE_FAIL":     types.JobFailed,
	"BOOT_FAIL":     types.JobFailed,
	"DEADLINE":      types.JobFailed,
	"PREEMPTED":     types.JobFailed,
	"CANCELLED":     types.JobFailed,
}

// MapSchedulerState normalises one sacct State value ("CANCELLED by 42",
// "RUNNING+") and maps it.
func MapSchedulerState(raw string) (types.JobStatus, bool) {
	state := strings.TrimSpace(raw)
	if i := strings.IndexAny(state, " \t"); i >= 0 {
		state = state[:i]
	}
	state = strings.ToUpper(strings.TrimRight(state, "+"))
	status, ok := schedulerStates[state]
	return status, ok
}
