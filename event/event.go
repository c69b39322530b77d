// Package event defines the closed set of typed agent events that the
// reconciliation engine consumes. Events are pure data: an envelope with
// ordering metadata plus a type-tagged JSON payload. Events are immutable
// once observed.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of agent event.
type Type string

const (
	// Conversation messages
	TypeUserMessage      Type = "user_message"
	TypeAssistantMessage Type = "assistant_message"

	// Reasoning
	TypeThought      Type = "thought"
	TypeThoughtDelta Type = "thought_delta"

	// Tool execution (act/observe pairs share a correlation id)
	TypeAct     Type = "act"
	TypeObserve Type = "observe"

	// Streaming assistant text
	TypeTextStart Type = "text_start"
	TypeTextDelta Type = "text_delta"
	TypeTextEnd   Type = "text_end"

	// Work-level plan (conversation progress, distinct from execution plans)
	TypeWorkPlan  Type = "work_plan"
	TypeStepStart Type = "step_start"
	TypeStepEnd   Type = "step_end"

	// Human-in-the-loop requests
	TypeClarificationAsked    Type = "clarification_asked"
	TypeClarificationAnswered Type = "clarification_answered"
	TypeDecisionAsked         Type = "decision_asked"
	TypeDecisionAnswered      Type = "decision_answered"
	TypeEnvVarRequested       Type = "env_var_requested"
	TypeEnvVarProvided        Type = "env_var_provided"

	// Sandbox / desktop / terminal lifecycle
	TypeSandboxCreated Type = "sandbox_created"
	TypeSandboxReady   Type = "sandbox_ready"
	TypeSandboxClosed  Type = "sandbox_closed"
	TypeDesktopOpened  Type = "desktop_opened"
	TypeDesktopClosed  Type = "desktop_closed"
	TypeTerminalOpened Type = "terminal_opened"
	TypeTerminalClosed Type = "terminal_closed"

	// Skill execution
	TypeSkillMatched        Type = "skill_matched"
	TypeSkillExecutionStart Type = "skill_execution_start"
	TypeSkillToolStart      Type = "skill_tool_start"
	TypeSkillToolResult     Type = "skill_tool_result"
	TypeSkillComplete       Type = "skill_complete"
	TypeSkillFallback       Type = "skill_fallback"

	// Context management
	TypeContextCompressed Type = "context_compressed"

	// Plan mode (conversation-level mode and plan document lifecycle)
	TypePlanModeEnter Type = "plan_mode_enter"
	TypePlanModeExit  Type = "plan_mode_exit"
	TypePlanCreated   Type = "plan_created"
	TypePlanUpdated   Type = "plan_updated"

	// Structured execution plan
	TypePlanExecutionStart  Type = "plan_execution_start"
	TypePlanStepReady       Type = "plan_step_ready"
	TypePlanStepComplete    Type = "plan_step_complete"
	TypePlanStepSkipped     Type = "plan_step_skipped"
	TypePlanSnapshotCreated Type = "plan_snapshot_created"
	TypePlanRollback        Type = "plan_rollback"
	TypeReflectionComplete  Type = "reflection_complete"
	TypeAdjustmentApplied   Type = "adjustment_applied"

	// Synthetic events originated locally, never by the server.
	// TypeGap marks an unrecoverable hole skipped by the sequencer.
	// TypeAbort finalizes open streaming buffers with partial content.
	// TypeHITLTimeout resolves an expired human-in-the-loop request.
	TypeGap         Type = "gap"
	TypeAbort       Type = "abort"
	TypeHITLTimeout Type = "hitl_timeout"
)

// AllTypes lists every event type the engine understands. The reducer's
// completeness test iterates this list, so adding a constant above without
// extending the list (or the reducer) fails the build's test run.
var AllTypes = []Type{
	TypeUserMessage, TypeAssistantMessage,
	TypeThought, TypeThoughtDelta,
	TypeAct, TypeObserve,
	TypeTextStart, TypeTextDelta, TypeTextEnd,
	TypeWorkPlan, TypeStepStart, TypeStepEnd,
	TypeClarificationAsked, TypeClarificationAnswered,
	TypeDecisionAsked, TypeDecisionAnswered,
	TypeEnvVarRequested, TypeEnvVarProvided,
	TypeSandboxCreated, TypeSandboxReady, TypeSandboxClosed,
	TypeDesktopOpened, TypeDesktopClosed,
	TypeTerminalOpened, TypeTerminalClosed,
	TypeSkillMatched, TypeSkillExecutionStart,
	TypeSkillToolStart, TypeSkillToolResult,
	TypeSkillComplete, TypeSkillFallback,
	TypeContextCompressed,
	TypePlanModeEnter, TypePlanModeExit,
	TypePlanCreated, TypePlanUpdated,
	TypePlanExecutionStart, TypePlanStepReady,
	TypePlanStepComplete, TypePlanStepSkipped,
	TypePlanSnapshotCreated, TypePlanRollback,
	TypeReflectionComplete, TypeAdjustmentApplied,
	TypeGap, TypeAbort, TypeHITLTimeout,
}

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// IsValid returns true if the type is a known event type.
func (t Type) IsValid() bool {
	for _, known := range AllTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsSynthetic returns true for events originated by the engine itself
// (gap markers, aborts, timeouts) rather than delivered by the transport.
func (t Type) IsSynthetic() bool {
	return t == TypeGap || t == TypeAbort || t == TypeHITLTimeout
}

// Event is the envelope every agent event arrives in. The payload shape is
// determined by Type; use Decode to obtain the typed payload.
type Event struct {
	// ID is the stable, globally unique event identifier. Duplicate
	// deliveries carry the same ID.
	ID string `json:"id"`

	// Type is the event type tag.
	Type Type `json:"type"`

	// Seq is the monotonically increasing sequence number assigned by the
	// server per conversation. The sequencer restores total order by Seq.
	Seq uint64 `json:"seq"`

	// Timestamp is the event time in Unix milliseconds.
	Timestamp int64 `json:"ts"`

	// CorrelationID links requester events (act, decision_asked, ...) to
	// their eventual resolver events (observe, decision_answered, ...).
	// Optional; tool-name fallback applies when absent.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload is the type-specific payload, kept raw so unknown event
	// types survive decode and degrade to a rendered artifact instead of
	// aborting reduction.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Validate checks the envelope's required fields.
func (e Event) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "id is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}
	if e.Seq == 0 && !e.Type.IsSynthetic() {
		return &ValidationError{Field: "seq", Message: "seq is required"}
	}
	return nil
}

// ValidationError describes a payload or envelope field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
