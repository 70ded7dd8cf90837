package scheduler

import "time"

// State tracks one pipeline instance through its lifecycle. Succeeded,
// Failed, and Skipped are terminal: no further transitions occur.
type State string

const (
	StatePending   State = "pending"
	StateEligible  State = "eligible"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// StepState tracks one step within a running pipeline.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// SkipReason enumerates why a pipeline instance was skipped.
type SkipReason string

const (
	// SkipReasonTrigger: the trigger predicate rejected the event.
	SkipReasonTrigger SkipReason = "trigger"
	// SkipReasonDependency: a dependency failed or was skipped.
	SkipReasonDependency SkipReason = "dependency"
	// SkipReasonPredicate: predicate evaluation errored; treated as never
	// eligible with the diagnostic preserved.
	SkipReasonPredicate SkipReason = "predicate-error"
	// SkipReasonCanceled: the run context was canceled before start.
	SkipReasonCanceled SkipReason = "canceled"
)

// StepStatus is the observable status of one step.
type StepStatus struct {
	Name   string    `json:"name"`
	State  StepState `json:"state"`
	Error  string    `json:"error,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// PipelineStatus is the observable status of one pipeline instance.
type PipelineStatus struct {
	Name       string       `json:"name"`
	Template   string       `json:"template,omitempty"`
	State      State        `json:"state"`
	SkipReason SkipReason   `json:"skip_reason,omitempty"`
	BlockedBy  string       `json:"blocked_by,omitempty"`
	Detail     string       `json:"detail,omitempty"`
	Error      string       `json:"error,omitempty"`
	Steps      []StepStatus `json:"steps,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// Snapshot is a point-in-time view of a run for observers.
type Snapshot struct {
	Done      bool             `json:"done"`
	Pipelines []PipelineStatus `json:"pipelines"`
}

// Result is the final outcome of a run.
type Result struct {
	Pipelines  []PipelineStatus `json:"pipelines"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Failed reports whether any pipeline instance failed.
func (r *Result) Failed() bool {
	for _, status := range r.Pipelines {
		if status.State == StateFailed {
			return true
		}
	}
	return false
}

// Status retrieves a pipeline's terminal status by name.
func (r *Result) Status(name string) (PipelineStatus, bool) {
	for _, status := range r.Pipelines {
		if status.Name == name {
			return status, true
		}
	}
	return PipelineStatus{}, false
}
