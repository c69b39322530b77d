package engine

import (
	"encoding/json"
	"time"

	"github.com/s1366560/agentline/event"
	"github.com/s1366560/agentline/execplan"
	"github.com/s1366560/agentline/hitl"
	"github.com/s1366560/agentline/planmode"
	"github.com/s1366560/agentline/timeline"
)

// Snapshot is an immutable copy of the reduced conversation state. Two
// snapshots taken at the same version are identical; the caller may hold
// one across further Ingest calls without seeing mutation.
type Snapshot struct {
	// ConversationID identifies the conversation.
	ConversationID string `json:"conversation_id"`

	// Version is the reduced-state version the snapshot was taken at.
	Version uint64 `json:"version"`

	// TakenAt is when the snapshot was captured.
	TakenAt time.Time `json:"taken_at"`

	// Timeline is the ordered entry list.
	Timeline []timeline.Entry `json:"timeline"`

	// WorkPlan is the conversation-level progress plan, nil until
	// announced.
	WorkPlan *timeline.WorkPlan `json:"work_plan,omitempty"`

	// Skills lists skill executions in first-seen order.
	Skills []timeline.SkillExecution `json:"skills,omitempty"`

	// Stats aggregates token/compression counters.
	Stats timeline.Stats `json:"stats"`

	// Mode is the conversation mode.
	Mode planmode.Mode `json:"mode"`

	// PlanDocument is the current plan-mode document, nil when none.
	PlanDocument *planmode.Document `json:"plan_document,omitempty"`

	// ExecutionPlan is the structured execution plan, nil before any
	// execution started.
	ExecutionPlan *execplan.Plan `json:"execution_plan,omitempty"`

	// HITLRequests lists open human-in-the-loop requests, oldest first.
	HITLRequests []hitl.Request `json:"hitl_requests,omitempty"`
}

// Snapshot captures the current reduced state as a deep copy.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &Snapshot{
		ConversationID: e.conversationID,
		Version:        e.state.Version,
		TakenAt:        e.clock(),
		Stats:          e.state.Stats,
		Mode:           e.planMode.Mode(),
	}

	snap.Timeline = make([]timeline.Entry, 0, len(e.state.Entries))
	for _, entry := range e.state.Entries {
		cp := *entry
		cp.Input = append(json.RawMessage(nil), entry.Input...)
		snap.Timeline = append(snap.Timeline, cp)
	}

	if wp := e.state.WorkPlan; wp != nil {
		cp := *wp
		cp.Steps = append([]timeline.WorkStep(nil), wp.Steps...)
		snap.WorkPlan = &cp
	}

	for _, id := range e.state.SkillOrder {
		if sk := e.state.Skills[id]; sk != nil {
			cp := *sk
			cp.ToolExecutions = append([]timeline.ToolExecution(nil), sk.ToolExecutions...)
			snap.Skills = append(snap.Skills, cp)
		}
	}

	if doc := e.planMode.Current(); doc != nil {
		cp := *doc
		snap.PlanDocument = &cp
	}
	if plan := e.execPlan.Plan(); plan != nil {
		snap.ExecutionPlan = plan.Clone()
	}

	for _, req := range e.requests.Pending() {
		cp := *req
		cp.Options = append([]event.Option(nil), req.Options...)
		cp.Names = append([]string(nil), req.Names...)
		snap.HITLRequests = append(snap.HITLRequests, cp)
	}

	return snap
}
