package domain

import "time"

// StepStatus is the per-step outcome recorded in a PipelineResult.
type StepStatus string

const (
	// StepSucceeded means the provider answered and the transform applied.
	StepSucceeded StepStatus = "succeeded"
	// StepDegraded means the step failed and the chain continued with the last
	// successful output.
	StepDegraded StepStatus = "degraded"
	// StepFailed means the step failed and aborted the run.
	StepFailed StepStatus = "failed"
	// StepSkipped means the run aborted before the step was reached.
	StepSkipped StepStatus = "skipped"
)

// RunState is the terminal state of a pipeline run.
type RunState string

const (
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
)

// StepOutcome records how a single step resolved.
type StepOutcome struct {
	Index int `json:"index"`
	// ProviderID is the provider that produced the outcome; it differs from the
	// step's provider when a fallback answered.
	ProviderID string     `json:"provider"`
	Action     string     `json:"action"`
	Status     StepStatus `json:"status"`
	Input      string     `json:"input,omitempty"`
	// Output is the raw response content; NextInput is what the transform
	// produced from it.
	Output    string         `json:"output,omitempty"`
	NextInput string         `json:"next_input,omitempty"`
	Attempts  int            `json:"attempts"`
	Err       error          `json:"-"`
	Duration  time.Duration  `json:"duration"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PipelineResult is the aggregate outcome of a run. Outcomes always holds one
// entry per step.
type PipelineResult struct {
	RunID    string        `json:"run_id"`
	State    RunState      `json:"state"`
	Outcomes []StepOutcome `json:"outcomes"`
	// AbortedAt is the index of the step that aborted the run, or -1.
	AbortedAt int   `json:"aborted_at"`
	Err       error `json:"-"`
	// Output is the last successful (transformed) output, or the initial input
	// when no step succeeded.
	Output   string        `json:"output"`
	Context  *Context      `json:"context,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Completed reports whether the run reached the end of the chain.
func (r *PipelineResult) Completed() bool {
	return r.State == RunCompleted
}

// Degraded reports whether any step did not succeed.
func (r *PipelineResult) Degraded() bool {
	for _, o := range r.Outcomes {
		if o.Status != StepSucceeded {
			return true
		}
	}
	return false
}

// Count returns the number of outcomes with the given status.
func (r *PipelineResult) Count(status StepStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}
