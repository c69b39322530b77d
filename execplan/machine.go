package execplan

import (
	"log/slog"

	"github.com/s1366560/agentline/event"
)

// DefaultMaxReflectionCycles bounds reflection when the plan does not
// specify its own limit.
const DefaultMaxReflectionCycles = 3

// Machine folds execution-plan events into a Plan.
type Machine struct {
	plan   *Plan
	logger *slog.Logger

	// adjustmentPending is set between a needs_adjustment reflection and
	// the adjustment_applied that services it; while set, step failures do
	// not terminate the plan.
	adjustmentPending bool
}

// NewMachine creates a machine with no plan attached.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{logger: logger}
}

// Plan returns the current execution plan, or nil before any
// plan_execution_start.
func (m *Machine) Plan() *Plan { return m.plan }

// Apply folds one event into the machine. Events that do not concern
// execution plans are ignored.
func (m *Machine) Apply(ev event.Event) {
	payload, err := event.Decode(ev)
	if err != nil {
		m.logger.Warn("undecodable execution-plan event", "type", ev.Type, "error", err)
		return
	}

	switch ev.Type {
	case event.TypePlanExecutionStart:
		m.start(payload.(*event.PlanExecutionPayload))
	case event.TypePlanStepReady:
		m.stepReady(payload.(*event.PlanStepPayload))
	case event.TypePlanStepComplete:
		m.stepComplete(payload.(*event.PlanStepPayload))
	case event.TypePlanStepSkipped:
		m.stepSkipped(payload.(*event.PlanStepPayload))
	case event.TypePlanSnapshotCreated:
		m.snapshot(ev, payload.(*event.SnapshotPayload))
	case event.TypePlanRollback:
		m.rollback(payload.(*event.SnapshotPayload))
	case event.TypeReflectionComplete:
		m.reflection(payload.(*event.ReflectionPayload))
	case event.TypeAdjustmentApplied:
		m.adjust(payload.(*event.AdjustmentPayload))
	}
}

// Pause moves an executing plan to paused (e.g. awaiting a decision).
func (m *Machine) Pause() {
	if m.plan != nil && m.plan.Status == PlanExecuting {
		m.plan.Status = PlanPaused
	}
}

// Resume moves a paused plan back to executing.
func (m *Machine) Resume() {
	if m.plan != nil && m.plan.Status == PlanPaused {
		m.plan.Status = PlanExecuting
	}
}

// Cancel terminates the plan from any non-terminal state.
func (m *Machine) Cancel() {
	if m.plan == nil || m.plan.Status.IsTerminal() {
		return
	}
	m.plan.Status = PlanCancelled
	for _, s := range m.plan.Steps {
		if !s.Status.IsTerminal() {
			s.Status = StepCancelled
		}
	}
	m.plan.recompute()
}

func (m *Machine) start(p *event.PlanExecutionPayload) {
	if m.plan != nil && m.plan.ID == p.PlanID {
		return // duplicate start
	}
	maxCycles := p.MaxReflectionCycles
	if maxCycles <= 0 {
		maxCycles = DefaultMaxReflectionCycles
	}
	plan := &Plan{
		ID:                  p.PlanID,
		Status:              PlanExecuting,
		CompletedSteps:      []string{},
		FailedSteps:         []string{},
		MaxReflectionCycles: maxCycles,
		Snapshots:           make(map[string]*Snapshot),
	}
	for _, def := range p.Steps {
		plan.Steps = append(plan.Steps, stepFromDef(def))
	}
	plan.recompute()
	m.plan = plan
	m.adjustmentPending = false
}

func stepFromDef(def event.PlanStepDef) *Step {
	return &Step{
		StepID:    def.StepID,
		ToolName:  def.ToolName,
		ToolInput: def.ToolInput,
		DependsOn: def.DependsOn,
		Status:    StepPending,
	}
}

// stepReady transitions a step to running, but only once every dependency
// is completed. A ready event for a gated step is ignored: the server will
// re-emit readiness after the dependencies land.
func (m *Machine) stepReady(p *event.PlanStepPayload) {
	step := m.step(p)
	if step == nil || step.Status != StepPending {
		return
	}
	for _, dep := range step.DependsOn {
		if d := m.plan.Step(dep); d == nil || d.Status != StepCompleted {
			m.logger.Debug("step ready before dependencies completed",
				"plan", m.plan.ID, "step", step.StepID, "blocked_on", dep)
			return
		}
	}
	step.Status = StepRunning
}

func (m *Machine) stepComplete(p *event.PlanStepPayload) {
	step := m.step(p)
	if step == nil || step.Status.IsTerminal() {
		return
	}
	if p.Failed {
		step.Status = StepFailed
		step.Error = p.Error
	} else {
		step.Status = StepCompleted
		step.Result = p.Result
	}
	m.plan.recompute()
	m.checkTerminal()
}

func (m *Machine) stepSkipped(p *event.PlanStepPayload) {
	step := m.step(p)
	if step == nil || step.Status.IsTerminal() {
		return
	}
	step.Status = StepSkipped
	m.plan.recompute()
	m.checkTerminal()
}

func (m *Machine) snapshot(ev event.Event, p *event.SnapshotPayload) {
	if m.plan == nil || m.plan.ID != p.PlanID {
		return
	}
	snap := &Snapshot{ID: p.SnapshotID, TakenAt: ev.Time()}
	for _, s := range m.plan.Steps {
		snap.Steps = append(snap.Steps, s.clone())
	}
	m.plan.Snapshots[p.SnapshotID] = snap
}

// rollback replaces the plan's step list wholesale with the snapshot.
// Failed-step bookkeeping is recomputed, so entries restored to a
// non-failed status drop out of FailedSteps.
func (m *Machine) rollback(p *event.SnapshotPayload) {
	if m.plan == nil || m.plan.ID != p.PlanID {
		return
	}
	snap := m.plan.Snapshots[p.SnapshotID]
	if snap == nil {
		m.logger.Warn("rollback to unknown snapshot", "plan", p.PlanID, "snapshot", p.SnapshotID)
		return
	}
	steps := make([]*Step, 0, len(snap.Steps))
	for _, s := range snap.Steps {
		steps = append(steps, s.clone())
	}
	m.plan.Steps = steps
	m.plan.CompletedSteps = []string{}
	m.plan.recompute()
	if !m.plan.Status.IsTerminal() || m.plan.Status == PlanFailed {
		m.plan.Status = PlanExecuting
	}
}

func (m *Machine) reflection(p *event.ReflectionPayload) {
	if m.plan == nil || m.plan.ID != p.PlanID || m.plan.Status.IsTerminal() {
		return
	}
	m.plan.ReflectionCycles++
	m.plan.LastAssessment = string(p.Assessment)

	// Exhausting the reflection budget is fatal regardless of assessment.
	if m.plan.ReflectionCycles > m.plan.MaxReflectionCycles {
		m.plan.Status = PlanFailed
		m.plan.FailureReason = "reflection cycles exhausted: " + p.Reasoning
		m.adjustmentPending = false
		return
	}

	switch p.Assessment {
	case event.AssessmentNeedsAdjustment:
		m.adjustmentPending = true
	case event.AssessmentComplete:
		m.plan.Status = PlanCompleted
	case event.AssessmentFailed:
		m.plan.Status = PlanFailed
		m.plan.FailureReason = p.Reasoning
	case event.AssessmentOnTrack, event.AssessmentOffTrack:
		// off_track alone does not terminate; a later reflection decides.
	}
}

func (m *Machine) adjust(p *event.AdjustmentPayload) {
	if m.plan == nil || m.plan.ID != p.PlanID || m.plan.Status.IsTerminal() {
		return
	}
	for _, adj := range p.Adjustments {
		m.applyAdjustment(adj)
	}
	m.adjustmentPending = false
	m.plan.recompute()
	m.checkTerminal()
}

func (m *Machine) applyAdjustment(adj event.StepAdjustment) {
	plan := m.plan
	idx := -1
	for i, s := range plan.Steps {
		if s.StepID == adj.StepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.logger.Warn("adjustment for unknown step", "plan", plan.ID, "step", adj.StepID, "type", adj.Type)
		return
	}
	step := plan.Steps[idx]

	switch adj.Type {
	case event.AdjustModify:
		if adj.ToolName != "" {
			step.ToolName = adj.ToolName
		}
		if adj.ToolInput != nil {
			step.ToolInput = adj.ToolInput
		}
	case event.AdjustRetry:
		step.Status = StepPending
		step.Error = ""
		step.Result = ""
	case event.AdjustSkip:
		step.Status = StepSkipped
	case event.AdjustReplace:
		if adj.NewStep != nil {
			plan.Steps[idx] = stepFromDef(*adj.NewStep)
		}
	case event.AdjustAddBefore:
		if adj.NewStep != nil {
			added := stepFromDef(*adj.NewStep)
			// The spliced step inherits the anchor's dependencies and the
			// anchor gains a dependency on it, preserving the gating
			// invariant without renumbering anything else.
			if len(added.DependsOn) == 0 {
				added.DependsOn = append([]string(nil), step.DependsOn...)
			}
			step.DependsOn = append(step.DependsOn, added.StepID)
			plan.Steps = append(plan.Steps[:idx], append([]*Step{added}, plan.Steps[idx:]...)...)
		}
	case event.AdjustAddAfter:
		if adj.NewStep != nil {
			added := stepFromDef(*adj.NewStep)
			if len(added.DependsOn) == 0 {
				added.DependsOn = []string{step.StepID}
			}
			rest := append([]*Step{added}, plan.Steps[idx+1:]...)
			plan.Steps = append(plan.Steps[:idx+1], rest...)
		}
	default:
		m.logger.Warn("unknown adjustment type", "plan", plan.ID, "type", adj.Type)
	}
}

// checkTerminal finishes the plan once all steps are terminal: completed
// when every step succeeded (or was skipped), failed when any step failed
// and no reflection adjustment is pending.
func (m *Machine) checkTerminal() {
	plan := m.plan
	if plan.Status.IsTerminal() {
		return
	}
	for _, s := range plan.Steps {
		if !s.Status.IsTerminal() {
			return
		}
	}
	if len(plan.FailedSteps) == 0 {
		plan.Status = PlanCompleted
		return
	}
	if !m.adjustmentPending {
		plan.Status = PlanFailed
		if plan.FailureReason == "" {
			plan.FailureReason = "one or more steps failed"
		}
	}
}

func (m *Machine) step(p *event.PlanStepPayload) *Step {
	if m.plan == nil || m.plan.ID != p.PlanID {
		return nil
	}
	return m.plan.Step(p.StepID)
}
