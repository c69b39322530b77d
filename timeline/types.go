// Package timeline reduces the ordered, paired event stream into the
// canonical list of renderable conversation entries plus derived
// aggregates. The reducer is a pure fold over an explicit State value: it
// performs no I/O, holds no timers, and never consults ambient state, so
// any conversation can be reproduced by replaying its events.
package timeline

import (
	"encoding/json"
	"strings"
)

// EntryKind classifies a timeline entry.
type EntryKind string

const (
	// EntryMessage is a user or assistant message.
	EntryMessage EntryKind = "message"

	// EntryThought is a reasoning block, possibly still streaming.
	EntryThought EntryKind = "thought"

	// EntryTool is a tool execution: one Act+Observe pair renders as a
	// single entry that upgrades in place from running to success/error.
	EntryTool EntryKind = "tool"

	// EntryHITL is an outstanding or resolved human-in-the-loop request.
	EntryHITL EntryKind = "hitl"

	// EntrySandbox is a sandbox/desktop/terminal lifecycle notice.
	EntrySandbox EntryKind = "sandbox"

	// EntryGap marks events lost to a gap-skip.
	EntryGap EntryKind = "gap"

	// EntrySystem is a best-effort rendering of an event the reducer
	// could not attach anywhere else. Nothing user-visible is dropped.
	EntrySystem EntryKind = "system"
)

// EntryStatus is the execution status of a tool or HITL entry.
type EntryStatus string

const (
	StatusRunning EntryStatus = "running"
	StatusSuccess EntryStatus = "success"
	StatusError   EntryStatus = "error"

	// StatusTimeout marks a HITL request that expired with no default
	// option: unresolved and user-actionable, not an error.
	StatusTimeout EntryStatus = "timeout"
)

// Entry is the reduced, renderable projection of one or more events.
// Entries are ordered by sequence number and never reordered or removed
// after insertion; an entry may only be upgraded in place.
type Entry struct {
	// ID is the entry id, taken from the defining event.
	ID string `json:"id"`

	// Kind classifies the entry.
	Kind EntryKind `json:"kind"`

	// Seq is the defining event's sequence number.
	Seq uint64 `json:"seq"`

	// Timestamp is the defining event's time in Unix milliseconds.
	Timestamp int64 `json:"ts"`

	// Role is "user" or "assistant" for message entries.
	Role string `json:"role,omitempty"`

	// Content is the entry text: message body, thought buffer, HITL
	// question, or system notice.
	Content string `json:"content,omitempty"`

	// Tool is the tool name for tool entries.
	Tool string `json:"tool,omitempty"`

	// Input is the raw tool input for tool entries.
	Input json.RawMessage `json:"input,omitempty"`

	// Output is the tool output, HITL answer, or step result.
	Output string `json:"output,omitempty"`

	// Status is set for tool and HITL entries.
	Status EntryStatus `json:"status,omitempty"`

	// DurationMS is the act→observe duration for resolved tool entries.
	// Zero for synthesized pairs.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// CorrelationKey links the entry to its pairing record.
	CorrelationKey string `json:"correlation_key,omitempty"`

	// Error describes a failed tool execution.
	Error string `json:"error,omitempty"`

	// Streaming marks an entry whose content buffer is still open
	// (thought or assistant text).
	Streaming bool `json:"streaming,omitempty"`

	// Slot is the logical thought slot for thought entries.
	Slot string `json:"slot,omitempty"`

	// Placeholder marks an entry synthesized for an unmatched resolver.
	Placeholder bool `json:"placeholder,omitempty"`
}

// WorkStepStatus is the status of one work-plan step.
type WorkStepStatus string

const (
	WorkStepPending   WorkStepStatus = "pending"
	WorkStepRunning   WorkStepStatus = "running"
	WorkStepCompleted WorkStepStatus = "completed"
	WorkStepFailed    WorkStepStatus = "failed"
)

// WorkStep is one step of the conversation's work-level plan. This is the
// lightweight progress plan shown in the conversation header, distinct
// from the structured execution plan.
type WorkStep struct {
	Index  int            `json:"index"`
	Title  string         `json:"title"`
	Status WorkStepStatus `json:"status"`
}

// WorkPlan tracks the conversation's work-level plan.
type WorkPlan struct {
	Steps            []WorkStep `json:"steps"`
	CurrentStepIndex int        `json:"current_step_index"`
}

// SkillStatus is the lifecycle state of a skill execution.
type SkillStatus string

const (
	SkillMatched   SkillStatus = "matched"
	SkillExecuting SkillStatus = "executing"
	SkillCompleted SkillStatus = "completed"
	SkillFailed    SkillStatus = "failed"
	SkillFallback  SkillStatus = "fallback"
)

// ToolExecution is one tool invocation within a skill execution.
type ToolExecution struct {
	Tool       string      `json:"tool"`
	Status     EntryStatus `json:"status"`
	Output     string      `json:"output,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
}

// SkillExecution tracks one skill's lifecycle, keyed by skill id.
type SkillExecution struct {
	SkillID        string          `json:"skill_id"`
	Name           string          `json:"name,omitempty"`
	Status         SkillStatus     `json:"status"`
	ToolExecutions []ToolExecution `json:"tool_executions,omitempty"`
	FallbackReason string          `json:"fallback_reason,omitempty"`
}

// Stats aggregates token/compression counters for status displays.
type Stats struct {
	// OccupancyPercent is the context window occupancy after the most
	// recent compression pass.
	OccupancyPercent float64 `json:"occupancy_percent,omitempty"`

	// CompressionLevel is the most recent compression level.
	CompressionLevel int `json:"compression_level,omitempty"`

	// Compressions counts compression passes.
	Compressions int `json:"compressions,omitempty"`

	// TokensReclaimed sums tokens_before - tokens_after across passes.
	TokensReclaimed int `json:"tokens_reclaimed,omitempty"`
}

// State is the reduced conversation state. Construct with NewState and
// mutate only through Apply.
type State struct {
	// Entries is the ordered timeline.
	Entries []*Entry `json:"entries"`

	// WorkPlan is the conversation's work-level plan, nil until announced.
	WorkPlan *WorkPlan `json:"work_plan,omitempty"`

	// Skills tracks skill executions by skill id.
	Skills map[string]*SkillExecution `json:"skills,omitempty"`

	// SkillOrder preserves first-seen order for rendering.
	SkillOrder []string `json:"skill_order,omitempty"`

	// Stats aggregates token/compression counters.
	Stats Stats `json:"stats"`

	// Version increments on every applied event.
	Version uint64 `json:"version"`

	// Internal indexes; rebuilt trivially on deserialization by Reindex.
	toolByKey    map[string]*Entry
	hitlByKey    map[string]*Entry
	openThoughts map[string]*Entry
	streams      map[string]*Entry
	thoughtBufs  map[string]*strings.Builder
	streamBufs   map[string]*strings.Builder
}

// NewState creates an empty reduced state.
func NewState() *State {
	return &State{
		Skills:       make(map[string]*SkillExecution),
		toolByKey:    make(map[string]*Entry),
		hitlByKey:    make(map[string]*Entry),
		openThoughts: make(map[string]*Entry),
		streams:      make(map[string]*Entry),
		thoughtBufs:  make(map[string]*strings.Builder),
		streamBufs:   make(map[string]*strings.Builder),
	}
}

// append adds an entry to the timeline, preserving insertion order.
func (s *State) append(e *Entry) *Entry {
	s.Entries = append(s.Entries, e)
	return e
}
