// Package execplan manages structured multi-step execution plans: step
// statuses with dependency gating, reflection cycles, adjustment
// application, and snapshot rollback.
package execplan

import (
	"encoding/json"
	"time"
)

// StepStatus is the execution state of a plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// String returns the string representation of the step status.
func (s StepStatus) String() string {
	return string(s)
}

// IsValid returns true if the step status is valid.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses a step cannot leave on its own.
// Reflection adjustments (retry) may still reset a terminal step.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the step status can transition to the
// target status through normal execution (adjustments bypass this graph).
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	switch s {
	case StepPending:
		return target == StepRunning || target == StepSkipped || target == StepCancelled
	case StepRunning:
		return target == StepCompleted || target == StepFailed || target == StepCancelled
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return false // Terminal in the normal flow
	default:
		return false
	}
}

// PlanStatus is the global state of an execution plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanApproved  PlanStatus = "approved"
	PlanExecuting PlanStatus = "executing"
	PlanPaused    PlanStatus = "paused"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// String returns the string representation of the plan status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsValid returns true if the plan status is valid.
func (s PlanStatus) IsValid() bool {
	switch s {
	case PlanDraft, PlanApproved, PlanExecuting, PlanPaused,
		PlanCompleted, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for terminal plan statuses.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanCompleted, PlanFailed, PlanCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the plan status can transition to the
// target status. Paused is reachable only from executing and resumes back
// to executing.
func (s PlanStatus) CanTransitionTo(target PlanStatus) bool {
	switch s {
	case PlanDraft:
		return target == PlanApproved || target == PlanCancelled
	case PlanApproved:
		return target == PlanExecuting || target == PlanCancelled
	case PlanExecuting:
		return target == PlanPaused || target == PlanCompleted ||
			target == PlanFailed || target == PlanCancelled
	case PlanPaused:
		return target == PlanExecuting || target == PlanCancelled
	case PlanCompleted, PlanFailed, PlanCancelled:
		return false // Terminal states
	default:
		return false
	}
}

// Step is one executable unit of a plan.
type Step struct {
	// StepID uniquely identifies the step within the plan.
	StepID string `json:"step_id"`

	// ToolName is the tool the step invokes.
	ToolName string `json:"tool_name"`

	// ToolInput is the raw tool input.
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// DependsOn lists step ids that must be completed before this step
	// may run.
	DependsOn []string `json:"dependencies,omitempty"`

	// Status is the step's execution state.
	Status StepStatus `json:"status"`

	// Result is the step output on success.
	Result string `json:"result,omitempty"`

	// Error describes the failure when the step failed.
	Error string `json:"error,omitempty"`
}

// clone returns a deep copy of the step.
func (s *Step) clone() *Step {
	cp := *s
	if s.ToolInput != nil {
		cp.ToolInput = append(json.RawMessage(nil), s.ToolInput...)
	}
	if s.DependsOn != nil {
		cp.DependsOn = append([]string(nil), s.DependsOn...)
	}
	return &cp
}

// Snapshot is an immutable capture of all step states at a point in time.
type Snapshot struct {
	// ID identifies the snapshot.
	ID string `json:"id"`

	// TakenAt is when the snapshot was captured.
	TakenAt time.Time `json:"taken_at"`

	// Steps is the captured step list in plan order.
	Steps []*Step `json:"steps"`
}

// Plan is a structured multi-step execution plan.
type Plan struct {
	// ID identifies the plan.
	ID string `json:"id"`

	// Steps is the ordered step list.
	Steps []*Step `json:"steps"`

	// Status is the plan's global state.
	Status PlanStatus `json:"status"`

	// CompletedSteps lists completed step ids in completion order.
	CompletedSteps []string `json:"completed_steps"`

	// FailedSteps lists currently failed step ids.
	FailedSteps []string `json:"failed_steps"`

	// ProgressPercentage is len(CompletedSteps)/len(Steps), in [0,1].
	ProgressPercentage float64 `json:"progress_percentage"`

	// ReflectionCycles counts completed reflection passes.
	ReflectionCycles int `json:"reflection_cycles"`

	// MaxReflectionCycles bounds reflection. Exceeding it forces terminal
	// failure regardless of assessment.
	MaxReflectionCycles int `json:"max_reflection_cycles"`

	// LastAssessment is the most recent reflection verdict.
	LastAssessment string `json:"last_assessment,omitempty"`

	// FailureReason carries the reasoning text surfaced on terminal
	// failure.
	FailureReason string `json:"failure_reason,omitempty"`

	// Snapshots holds captured step states by snapshot id.
	Snapshots map[string]*Snapshot `json:"snapshots,omitempty"`
}

// Clone returns a deep copy of the plan. Snapshots taken by the engine
// must not alias the live step list.
func (p *Plan) Clone() *Plan {
	cp := *p
	cp.Steps = make([]*Step, 0, len(p.Steps))
	for _, s := range p.Steps {
		cp.Steps = append(cp.Steps, s.clone())
	}
	cp.CompletedSteps = append([]string(nil), p.CompletedSteps...)
	cp.FailedSteps = append([]string(nil), p.FailedSteps...)
	cp.Snapshots = make(map[string]*Snapshot, len(p.Snapshots))
	for id, snap := range p.Snapshots {
		sc := &Snapshot{ID: snap.ID, TakenAt: snap.TakenAt}
		for _, s := range snap.Steps {
			sc.Steps = append(sc.Steps, s.clone())
		}
		cp.Snapshots[id] = sc
	}
	return &cp
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}

// recompute refreshes CompletedSteps, FailedSteps, and the progress
// invariant from the step list.
func (p *Plan) recompute() {
	completed := p.CompletedSteps[:0]
	var failed []string
	done := make(map[string]bool, len(p.CompletedSteps))
	for _, id := range p.CompletedSteps {
		done[id] = true
	}
	// Preserve completion order for already-recorded steps, then sweep
	// for any not yet recorded.
	for _, id := range p.CompletedSteps {
		if s := p.Step(id); s != nil && s.Status == StepCompleted {
			completed = append(completed, id)
		}
	}
	for _, s := range p.Steps {
		if s.Status == StepCompleted && !done[s.StepID] {
			completed = append(completed, s.StepID)
		}
		if s.Status == StepFailed {
			failed = append(failed, s.StepID)
		}
	}
	p.CompletedSteps = completed
	p.FailedSteps = failed
	if len(p.Steps) == 0 {
		p.ProgressPercentage = 0
		return
	}
	p.ProgressPercentage = float64(len(p.CompletedSteps)) / float64(len(p.Steps))
}
