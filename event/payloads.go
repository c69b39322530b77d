package event

import (
	"encoding/json"
	"fmt"
)

// payloadFactories maps event types to payload constructors. Populated in
// init below; the decode path falls back to raw JSON for unregistered types.
var payloadFactories = map[Type]func() any{}

// RegisterPayload associates a payload factory with an event type.
// Later registrations replace earlier ones.
func RegisterPayload(t Type, factory func() any) {
	payloadFactories[t] = factory
}

// Decode returns the typed payload for the event. Events whose type has no
// registered payload (or no payload at all) return the raw JSON so callers
// can still render something.
func Decode(e Event) (any, error) {
	factory, ok := payloadFactories[e.Type]
	if !ok {
		return e.Payload, nil
	}
	p := factory()
	if len(e.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

// MustMarshalPayload marshals a payload for embedding in an envelope.
// Panics only on unmarshalable values, which indicates a programming error.
func MustMarshalPayload(p any) json.RawMessage {
	data, err := json.Marshal(p)
	if err != nil {
		panic(fmt.Sprintf("marshal payload: %v", err))
	}
	return data
}

// MessagePayload carries user and assistant message content.
type MessagePayload struct {
	// Content is the message text.
	Content string `json:"content"`

	// Attachments lists attachment identifiers, if any.
	Attachments []string `json:"attachments,omitempty"`
}

// ThoughtPayload carries reasoning content. Delta events append to the open
// thought for the same slot; a non-delta thought finalizes the slot.
type ThoughtPayload struct {
	// Slot identifies the logical thought this content belongs to.
	Slot string `json:"slot,omitempty"`

	// Content is the thought text (full text for thought, fragment for
	// thought_delta).
	Content string `json:"content"`
}

// ActPayload describes a tool invocation.
type ActPayload struct {
	// Tool is the tool name.
	Tool string `json:"tool"`

	// Input is the raw tool input.
	Input json.RawMessage `json:"input,omitempty"`
}

// ObservePayload describes a tool result.
type ObservePayload struct {
	// Tool is the tool name, used for correlation fallback.
	Tool string `json:"tool,omitempty"`

	// Output is the tool output text.
	Output string `json:"output,omitempty"`

	// IsError indicates the tool invocation failed.
	IsError bool `json:"is_error,omitempty"`

	// ErrorMessage describes the failure when IsError is set.
	ErrorMessage string `json:"error_message,omitempty"`
}

// TextPayload carries streaming assistant text.
type TextPayload struct {
	// MessageID identifies the assistant message being streamed.
	MessageID string `json:"message_id"`

	// Content is the text fragment (text_delta) or is empty for
	// text_start/text_end.
	Content string `json:"content,omitempty"`
}

// WorkStep is one step of the conversation's work-level plan.
type WorkStep struct {
	// Index is the 0-based step position.
	Index int `json:"index"`

	// Title is the step description.
	Title string `json:"title"`
}

// WorkPlanPayload announces or replaces the conversation's work plan.
type WorkPlanPayload struct {
	Steps []WorkStep `json:"steps"`
}

// StepPayload marks a work-plan step starting or ending.
type StepPayload struct {
	// Index is the 0-based step position.
	Index int `json:"index"`

	// Failed indicates a step_end that did not succeed.
	Failed bool `json:"failed,omitempty"`
}

// Option is one selectable choice on a decision request.
type Option struct {
	// ID is the option identifier returned in the answer.
	ID string `json:"id"`

	// Label is the human-readable option text.
	Label string `json:"label,omitempty"`
}

// AskPayload opens a human-in-the-loop request (clarification, decision,
// or env-var request).
type AskPayload struct {
	// Question is the prompt shown to the user.
	Question string `json:"question"`

	// Options lists the selectable choices for decisions.
	Options []Option `json:"options,omitempty"`

	// DefaultOption is applied when the request times out, if set.
	DefaultOption string `json:"default_option,omitempty"`

	// TimeoutSeconds overrides the tracker's default timeout, if positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	// Tool names the tool whose execution is blocked on this request.
	// Used for auto-approval pattern matching and correlation fallback.
	Tool string `json:"tool,omitempty"`

	// Names lists the requested variable names for env_var_requested.
	Names []string `json:"names,omitempty"`
}

// AnswerPayload resolves a human-in-the-loop request.
type AnswerPayload struct {
	// Option is the chosen option id for decisions.
	Option string `json:"option,omitempty"`

	// Text is the free-form answer for clarifications.
	Text string `json:"text,omitempty"`

	// Values maps variable names to provided values for env_var_provided.
	Values map[string]string `json:"values,omitempty"`

	// AnsweredBy identifies who answered ("user", "default", "auto").
	AnsweredBy string `json:"answered_by,omitempty"`
}

// SandboxPayload carries sandbox/desktop/terminal lifecycle details.
type SandboxPayload struct {
	// SandboxID identifies the sandbox instance.
	SandboxID string `json:"sandbox_id"`

	// Kind is the surface kind ("sandbox", "desktop", "terminal").
	Kind string `json:"kind,omitempty"`

	// URL is the attach/view URL, if any.
	URL string `json:"url,omitempty"`
}

// SkillPayload carries skill lifecycle details.
type SkillPayload struct {
	// SkillID identifies the skill instance.
	SkillID string `json:"skill_id"`

	// Name is the skill name.
	Name string `json:"name,omitempty"`

	// Tool names the tool for skill_tool_start/skill_tool_result.
	Tool string `json:"tool,omitempty"`

	// Output is the tool output for skill_tool_result.
	Output string `json:"output,omitempty"`

	// IsError indicates a failed skill tool invocation.
	IsError bool `json:"is_error,omitempty"`

	// Reason explains a skill_fallback.
	Reason string `json:"reason,omitempty"`
}

// CompressionPayload reports a context-compression pass.
type CompressionPayload struct {
	// OccupancyPercent is the post-compression context window occupancy.
	OccupancyPercent float64 `json:"occupancy_percent"`

	// Level is the compression level applied.
	Level int `json:"level"`

	// TokensBefore and TokensAfter bracket the compression pass.
	TokensBefore int `json:"tokens_before,omitempty"`
	TokensAfter  int `json:"tokens_after,omitempty"`
}

// PlanModePayload carries plan-mode transitions.
type PlanModePayload struct {
	// PlanID identifies the plan document attached to plan mode.
	PlanID string `json:"plan_id,omitempty"`

	// Approved indicates whether a plan_mode_exit approved the document.
	Approved bool `json:"approved,omitempty"`
}

// PlanDocumentPayload creates or updates a plan document.
type PlanDocumentPayload struct {
	// PlanID identifies the plan document.
	PlanID string `json:"plan_id"`

	// Version increments monotonically on every content update.
	// Stale versions are discarded (last-writer-wins by version).
	Version int `json:"version"`

	// Content is the full plan document text.
	Content string `json:"content"`
}

// PlanStepDef defines one step of a structured execution plan.
type PlanStepDef struct {
	// StepID uniquely identifies the step within the plan.
	StepID string `json:"step_id"`

	// ToolName is the tool the step invokes.
	ToolName string `json:"tool_name"`

	// ToolInput is the raw tool input.
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// DependsOn lists step ids that must complete before this step runs.
	DependsOn []string `json:"dependencies,omitempty"`
}

// PlanExecutionPayload starts execution of a structured plan.
type PlanExecutionPayload struct {
	// PlanID identifies the execution plan.
	PlanID string `json:"plan_id"`

	// Steps defines the plan's steps in order.
	Steps []PlanStepDef `json:"steps"`

	// MaxReflectionCycles bounds reflection; 0 uses the machine default.
	MaxReflectionCycles int `json:"max_reflection_cycles,omitempty"`
}

// PlanStepPayload addresses a single execution-plan step.
type PlanStepPayload struct {
	// PlanID identifies the execution plan.
	PlanID string `json:"plan_id"`

	// StepID identifies the step.
	StepID string `json:"step_id"`

	// Failed indicates a plan_step_complete that failed.
	Failed bool `json:"failed,omitempty"`

	// Result is the step output on success.
	Result string `json:"result,omitempty"`

	// Error describes the failure when Failed is set.
	Error string `json:"error,omitempty"`
}

// ReflectionAssessment is the outcome of a reflection cycle.
type ReflectionAssessment string

const (
	AssessmentOnTrack         ReflectionAssessment = "on_track"
	AssessmentNeedsAdjustment ReflectionAssessment = "needs_adjustment"
	AssessmentOffTrack        ReflectionAssessment = "off_track"
	AssessmentComplete        ReflectionAssessment = "complete"
	AssessmentFailed          ReflectionAssessment = "failed"
)

// ReflectionPayload reports a completed reflection cycle.
type ReflectionPayload struct {
	// PlanID identifies the execution plan.
	PlanID string `json:"plan_id"`

	// Assessment is the reflection verdict.
	Assessment ReflectionAssessment `json:"assessment"`

	// Reasoning is the reflection's explanation, surfaced on terminal
	// failure.
	Reasoning string `json:"reasoning,omitempty"`
}

// AdjustmentType classifies a step adjustment.
type AdjustmentType string

const (
	AdjustModify    AdjustmentType = "modify"
	AdjustRetry     AdjustmentType = "retry"
	AdjustSkip      AdjustmentType = "skip"
	AdjustAddBefore AdjustmentType = "add_before"
	AdjustAddAfter  AdjustmentType = "add_after"
	AdjustReplace   AdjustmentType = "replace"
)

// StepAdjustment is one reflection-driven change to a plan step.
type StepAdjustment struct {
	// Type selects the adjustment semantics.
	Type AdjustmentType `json:"adjustment_type"`

	// StepID names the target (or anchor, for add_before/add_after) step.
	StepID string `json:"step_id"`

	// ToolName replaces the step's tool for modify.
	ToolName string `json:"tool_name,omitempty"`

	// ToolInput replaces the step's input for modify.
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	// NewStep is the spliced or substituted step definition for
	// add_before, add_after, and replace.
	NewStep *PlanStepDef `json:"new_step,omitempty"`
}

// AdjustmentPayload applies reflection-driven step adjustments.
type AdjustmentPayload struct {
	// PlanID identifies the execution plan.
	PlanID string `json:"plan_id"`

	// Adjustments lists the changes in application order.
	Adjustments []StepAdjustment `json:"adjustments"`
}

// SnapshotPayload captures or restores execution-plan step state.
type SnapshotPayload struct {
	// PlanID identifies the execution plan.
	PlanID string `json:"plan_id"`

	// SnapshotID identifies the snapshot.
	SnapshotID string `json:"snapshot_id"`
}

// GapPayload marks sequence numbers skipped by the sequencer.
type GapPayload struct {
	// FromSeq is the first missing sequence number.
	FromSeq uint64 `json:"from_seq"`

	// ToSeq is the sequence number the sequencer advanced to.
	ToSeq uint64 `json:"to_seq"`
}

// AbortPayload carries the reason a streaming response was stopped.
type AbortPayload struct {
	Reason string `json:"reason,omitempty"`
}

// TimeoutPayload resolves an expired human-in-the-loop request.
type TimeoutPayload struct {
	// RequestID is the expired request's correlation id.
	RequestID string `json:"request_id"`
}

func init() {
	RegisterPayload(TypeUserMessage, func() any { return &MessagePayload{} })
	RegisterPayload(TypeAssistantMessage, func() any { return &MessagePayload{} })
	RegisterPayload(TypeThought, func() any { return &ThoughtPayload{} })
	RegisterPayload(TypeThoughtDelta, func() any { return &ThoughtPayload{} })
	RegisterPayload(TypeAct, func() any { return &ActPayload{} })
	RegisterPayload(TypeObserve, func() any { return &ObservePayload{} })
	RegisterPayload(TypeTextStart, func() any { return &TextPayload{} })
	RegisterPayload(TypeTextDelta, func() any { return &TextPayload{} })
	RegisterPayload(TypeTextEnd, func() any { return &TextPayload{} })
	RegisterPayload(TypeWorkPlan, func() any { return &WorkPlanPayload{} })
	RegisterPayload(TypeStepStart, func() any { return &StepPayload{} })
	RegisterPayload(TypeStepEnd, func() any { return &StepPayload{} })
	RegisterPayload(TypeClarificationAsked, func() any { return &AskPayload{} })
	RegisterPayload(TypeClarificationAnswered, func() any { return &AnswerPayload{} })
	RegisterPayload(TypeDecisionAsked, func() any { return &AskPayload{} })
	RegisterPayload(TypeDecisionAnswered, func() any { return &AnswerPayload{} })
	RegisterPayload(TypeEnvVarRequested, func() any { return &AskPayload{} })
	RegisterPayload(TypeEnvVarProvided, func() any { return &AnswerPayload{} })
	RegisterPayload(TypeSandboxCreated, func() any { return &SandboxPayload{} })
	RegisterPayload(TypeSandboxReady, func() any { return &SandboxPayload{} })
	RegisterPayload(TypeSandboxClosed, func() any { return &SandboxPayload{} })
	RegisterPayload(TypeDesktopOpened, func() any { return &SandboxPayload{} })
	RegisterPayload(TypeDesktopClosed, func() any { return &SandboxPayload{} })
	RegisterPayload(TypeTerminalOpened, func() any { return &SandboxPayload{} })
	RegisterPayload(TypeTerminalClosed, func() any { return &SandboxPayload{} })
	RegisterPayload(TypeSkillMatched, func() any { return &SkillPayload{} })
	RegisterPayload(TypeSkillExecutionStart, func() any { return &SkillPayload{} })
	RegisterPayload(TypeSkillToolStart, func() any { return &SkillPayload{} })
	RegisterPayload(TypeSkillToolResult, func() any { return &SkillPayload{} })
	RegisterPayload(TypeSkillComplete, func() any { return &SkillPayload{} })
	RegisterPayload(TypeSkillFallback, func() any { return &SkillPayload{} })
	RegisterPayload(TypeContextCompressed, func() any { return &CompressionPayload{} })
	RegisterPayload(TypePlanModeEnter, func() any { return &PlanModePayload{} })
	RegisterPayload(TypePlanModeExit, func() any { return &PlanModePayload{} })
	RegisterPayload(TypePlanCreated, func() any { return &PlanDocumentPayload{} })
	RegisterPayload(TypePlanUpdated, func() any { return &PlanDocumentPayload{} })
	RegisterPayload(TypePlanExecutionStart, func() any { return &PlanExecutionPayload{} })
	RegisterPayload(TypePlanStepReady, func() any { return &PlanStepPayload{} })
	RegisterPayload(TypePlanStepComplete, func() any { return &PlanStepPayload{} })
	RegisterPayload(TypePlanStepSkipped, func() any { return &PlanStepPayload{} })
	RegisterPayload(TypePlanSnapshotCreated, func() any { return &SnapshotPayload{} })
	RegisterPayload(TypePlanRollback, func() any { return &SnapshotPayload{} })
	RegisterPayload(TypeReflectionComplete, func() any { return &ReflectionPayload{} })
	RegisterPayload(TypeAdjustmentApplied, func() any { return &AdjustmentPayload{} })
	RegisterPayload(TypeGap, func() any { return &GapPayload{} })
	RegisterPayload(TypeAbort, func() any { return &AbortPayload{} })
	RegisterPayload(TypeHITLTimeout, func() any { return &TimeoutPayload{} })
}
