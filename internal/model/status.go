package model

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	// JobStatusCreated means the job record exists but has not been submitted
	JobStatusCreated JobStatus = "created"

	// JobStatusQueued means the job is waiting for a worker
	JobStatusQueued JobStatus = "queued"

	// JobStatusRunning means a worker is executing the job's step chain
	JobStatusRunning JobStatus = "running"

	// JobStatusRetrying means the job hit a transient failure and a retry is scheduled
	JobStatusRetrying JobStatus = "retrying"

	// JobStatusCompleted means all steps finished (possibly with per-video failures)
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed means the job failed permanently
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled means the job was cancelled by request
	JobStatusCancelled JobStatus = "cancelled"
)

// allowedTransitions is the single source of truth for the job state machine.
// FAILED -> RETRYING is reachable only through the manual retry operation.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusCreated: {
		JobStatusQueued: true,
	},
	JobStatusQueued: {
		JobStatusRunning:   true,
		JobStatusCancelled: true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusRetrying:  true,
		JobStatusCancelled: true,
	},
	JobStatusRetrying: {
		JobStatusRunning:   true,
		JobStatusCancelled: true,
	},
	JobStatusFailed: {
		JobStatusRetrying: true,
	},
	JobStatusCompleted: {},
	JobStatusCancelled: {},
}

// String returns the string representation of JobStatus
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if no further transitions are expected from this state.
// FAILED still accepts the manual-retry transition but counts as terminal for
// scheduling purposes.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValidStatus returns true for statuses known to the state machine
func IsValidStatus(s JobStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition reports whether the state machine permits from -> to
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
