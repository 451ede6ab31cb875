package domain

import (
	"time"
)

// JobState captures the lifecycle state of a job.
type JobState string

// Job lifecycle states.
const (
	JobPending   JobState = "pending"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobTimeout   JobState = "timeout"
)

// IsTerminal reports whether no further transition is permitted from s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimeout:
		return true
	}
	return false
}

// NonTerminalStates lists every state a job can still move out of.
func NonTerminalStates() []JobState {
	return []JobState{JobPending, JobQueued, JobRunning}
}

// CanTransition reports whether the state machine admits from → to.
// Cancellation is admitted from any non-terminal state; the remaining
// edges follow the submission pipeline strictly.
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == JobCancelled {
		return true
	}
	switch from {
	case JobPending:
		return to == JobQueued
	case JobQueued:
		return to == JobRunning
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobTimeout
	}
	return false
}

// Priority bounds for job submissions; higher runs first.
const (
	MinPriority = -100
	MaxPriority = 100
)

// Progress is the worker-reported progress of a single run.
// Percent is monotone non-decreasing within one run.
type Progress struct {
	Percent   int
	Step      string
	Message   string
	UpdatedAt time.Time
}

// JobError is the structured last error of a failed run.
type JobError struct {
	Code    string
	Message string
}

// Job is the authoritative record for a submitted job.
type Job struct {
	ID              string
	UserID          int64
	Kind            JobKind
	State           JobState
	Priority        int
	Attempts        int
	MaxRetries      int
	TimeoutSeconds  int
	CancelRequested bool
	Progress        Progress
	Params          map[string]any
	ParamsHash      string
	IdempotencyKey  *string
	BrokerTaskID    *string
	LastError       *JobError
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// RetryPermitted reports whether a failed run may be re-queued on the same id.
func (j Job) RetryPermitted() bool {
	return j.Attempts < j.MaxRetries+1
}

// Artefact is an immutable record of a worker output.
type Artefact struct {
	ID        string
	JobID     string
	Type      string
	BlobKey   string
	Size      int64
	SHA256    string
	CreatedAt time.Time
}

// TaskEnvelope is the payload published to the broker for a job.
type TaskEnvelope struct {
	JobID       string         `json:"job_id"`
	Kind        string         `json:"kind"`
	Params      map[string]any `json:"params"`
	SubmittedBy string         `json:"submitted_by"`
	Attempt     int            `json:"attempt"`
	CreatedAt   string         `json:"created_at"`
}

// ProgressReport is the worker progress contract.
type ProgressReport struct {
	JobID   string
	Percent int
	Step    string
	Message string
}

// CompletionOutcome enumerates worker completion outcomes.
type CompletionOutcome string

// Worker completion outcomes.
const (
	OutcomeSuccess CompletionOutcome = "SUCCESS"
	OutcomeFail    CompletionOutcome = "FAIL"
	OutcomeTimeout CompletionOutcome = "TIMEOUT"
)

// CompletionReport is the worker completion contract. Completion is
// idempotent on JobID.
type CompletionReport struct {
	JobID     string
	Outcome   CompletionOutcome
	LastError *JobError
	Artefacts []Artefact
}
