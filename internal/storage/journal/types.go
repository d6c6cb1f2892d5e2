package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: lifecycle events recorded for operator audit
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventSeed           EventType = "SEED"            // Experiment added to the queue
	EventLaunch         EventType = "LAUNCH"          // Jobs submitted, batch id assigned
	EventLaunchFailed   EventType = "LAUNCH_FAILED"   // Launcher failed; ids seen so far are kept for cleanup
	EventJobStatus      EventType = "JOB_STATUS"      // A job changed status
	EventRelaunch       EventType = "RELAUNCH"        // Subset of jobs resubmitted
	EventRelaunchFailed EventType = "RELAUNCH_FAILED" // Session lost mid-relaunch; submitted ids kept for cleanup
	EventComplete       EventType = "COMPLETE"        // Every job completed
	EventMerge          EventType = "MERGE"           // Results merged
	EventMergeFailed    EventType = "MERGE_FAILED"    // Merge script failed
	EventDequeue        EventType = "DEQUEUE"         // Experiment removed from the queue
)

// Event represents one journal record
type Event struct {
	Seq        uint64    `json:"seq"`        // Sequence number (monotonically increasing)
	Type       EventType `json:"type"`       // Event type
	Experiment string    `json:"experiment"` // Experiment label
	BatchID    string    `json:"batch_id,omitempty"`
	RemoteIDs  []int64   `json:"remote_ids,omitempty"`
	Indices    []int     `json:"indices,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RunID      string    `json:"run_id,omitempty"` // Process run that wrote the event
	Timestamp  int64     `json:"timestamp"`        // Unix millisecond timestamp
	Checksum   uint32    `json:"checksum"`         // CRC32 checksum
}

// EventHandler processes events during Replay
type EventHandler func(event Event) error
