// Package planmode manages the conversation-level mode (build, plan,
// explore) and the lifecycle of the plan document attached to plan mode.
// It is independent of the structured execution plan: this is the
// conversation's authoring mode, not step execution.
package planmode

import (
	"log/slog"
	"time"

	"github.com/s1366560/agentline/event"
)

// Mode is the conversation-level mode.
type Mode string

const (
	ModeBuild   Mode = "build"
	ModePlan    Mode = "plan"
	ModeExplore Mode = "explore"
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	return string(m)
}

// IsValid returns true if the mode is a known conversation mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeBuild, ModePlan, ModeExplore:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the mode can transition to the target.
func (m Mode) CanTransitionTo(target Mode) bool {
	switch m {
	case ModeBuild, ModeExplore:
		return target == ModePlan
	case ModePlan:
		return target == ModeBuild
	default:
		return false
	}
}

// DocumentStatus is the lifecycle state of a plan document.
type DocumentStatus string

const (
	DocumentDraft     DocumentStatus = "draft"
	DocumentReviewing DocumentStatus = "reviewing"
	DocumentApproved  DocumentStatus = "approved"
	DocumentArchived  DocumentStatus = "archived"
)

// String returns the string representation of the status.
func (s DocumentStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known document status.
func (s DocumentStatus) IsValid() bool {
	switch s {
	case DocumentDraft, DocumentReviewing, DocumentApproved, DocumentArchived:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target.
func (s DocumentStatus) CanTransitionTo(target DocumentStatus) bool {
	switch s {
	case DocumentDraft:
		return target == DocumentReviewing || target == DocumentArchived
	case DocumentReviewing:
		return target == DocumentApproved || target == DocumentArchived
	case DocumentApproved:
		return target == DocumentArchived
	case DocumentArchived:
		return false // Terminal
	default:
		return false
	}
}

// Document is a plan document authored during plan mode.
type Document struct {
	// ID identifies the document.
	ID string `json:"id"`

	// Status is the document lifecycle state.
	Status DocumentStatus `json:"status"`

	// Version increments monotonically on every content update. Updates
	// carrying a version at or below the current one are stale and
	// discarded: last-writer-wins by version, not by arrival order.
	Version int `json:"version"`

	// Content is the full document text.
	Content string `json:"content"`

	// CreatedAt is when the document was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the document content last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Machine tracks the conversation mode and the current plan document.
// At most one document is current per conversation; archival only flips
// status, preserving history for replay.
type Machine struct {
	mode     Mode
	current  *Document
	archived []*Document
	logger   *slog.Logger
}

// NewMachine creates a machine in build mode.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{mode: ModeBuild, logger: logger}
}

// Mode returns the current conversation mode.
func (m *Machine) Mode() Mode { return m.mode }

// Current returns the current plan document, or nil.
func (m *Machine) Current() *Document { return m.current }

// Archived returns previously archived documents, oldest first.
func (m *Machine) Archived() []*Document { return m.archived }

// Apply folds one event into the machine. Events that do not concern plan
// mode are ignored.
func (m *Machine) Apply(ev event.Event) {
	payload, err := event.Decode(ev)
	if err != nil {
		m.logger.Warn("undecodable plan-mode event", "type", ev.Type, "error", err)
		return
	}

	switch ev.Type {
	case event.TypePlanModeEnter:
		m.enter(ev, payload.(*event.PlanModePayload))
	case event.TypePlanModeExit:
		m.exit(payload.(*event.PlanModePayload))
	case event.TypePlanCreated, event.TypePlanUpdated:
		m.upsert(ev, payload.(*event.PlanDocumentPayload))
	}
}

// enter transitions into plan mode, attaching (or creating) the document.
// Entering while already in plan mode is idempotent: it re-affirms the
// same plan id and changes nothing else.
func (m *Machine) enter(ev event.Event, p *event.PlanModePayload) {
	if m.mode == ModePlan {
		if m.current != nil && p.PlanID != "" && p.PlanID != m.current.ID {
			m.logger.Warn("plan_mode_enter for different plan while in plan mode",
				"current", m.current.ID, "requested", p.PlanID)
		}
		return
	}
	m.mode = ModePlan
	if m.current == nil || (p.PlanID != "" && m.current.ID != p.PlanID) {
		if m.current != nil {
			m.archive()
		}
		m.current = &Document{
			ID:        p.PlanID,
			Status:    DocumentDraft,
			CreatedAt: ev.Time(),
			UpdatedAt: ev.Time(),
		}
	}
}

// exit leaves plan mode back to build. approved decides whether the
// document becomes approved or stays in reviewing.
func (m *Machine) exit(p *event.PlanModePayload) {
	if m.mode != ModePlan {
		return
	}
	m.mode = ModeBuild
	if m.current == nil {
		return
	}
	if p.Approved {
		m.current.Status = DocumentApproved
	} else if m.current.Status == DocumentDraft {
		m.current.Status = DocumentReviewing
	}
}

// upsert applies a plan_created or plan_updated event under the version
// rule: stale versions are discarded.
func (m *Machine) upsert(ev event.Event, p *event.PlanDocumentPayload) {
	if m.current == nil || (p.PlanID != "" && m.current.ID != p.PlanID) {
		if m.current != nil {
			m.archive()
		}
		m.current = &Document{
			ID:        p.PlanID,
			Status:    DocumentDraft,
			CreatedAt: ev.Time(),
		}
	}
	if p.Version <= m.current.Version {
		m.logger.Debug("discarding stale plan update",
			"plan", p.PlanID, "version", p.Version, "current", m.current.Version)
		return
	}
	m.current.Version = p.Version
	m.current.Content = p.Content
	m.current.UpdatedAt = ev.Time()
}

// archive moves the current document to the archive, flipping its status.
func (m *Machine) archive() {
	if m.current == nil {
		return
	}
	m.current.Status = DocumentArchived
	m.archived = append(m.archived, m.current)
	m.current = nil
}
