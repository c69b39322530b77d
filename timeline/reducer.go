package timeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/s1366560/agentline/event"
	"github.com/s1366560/agentline/pairing"
)

// defaultSlot is the thought slot used when events carry none.
const defaultSlot = "_"

// Apply folds one sequencer-emitted event into the state. res is the
// pairing outcome for the same event.
//
// Reduction never fails: a malformed or unattachable event degrades to a
// best-effort system entry, because losing the remainder of the
// conversation is worse than one malformed entry.
func (s *State) Apply(ev event.Event, res pairing.Outcome) {
	s.Version++

	payload, err := event.Decode(ev)
	if err != nil {
		s.append(systemEntry(ev, fmt.Sprintf("malformed %s event: %v", ev.Type, err)))
		return
	}

	switch ev.Type {
	case event.TypeUserMessage:
		s.applyMessage(ev, payload, "user")
	case event.TypeAssistantMessage:
		s.applyMessage(ev, payload, "assistant")

	case event.TypeThought:
		s.applyThought(ev, payload, true)
	case event.TypeThoughtDelta:
		s.applyThought(ev, payload, false)

	case event.TypeAct:
		s.applyAct(ev, payload, res)
	case event.TypeObserve:
		s.applyObserve(ev, payload, res)

	case event.TypeTextStart:
		s.applyTextStart(ev, payload)
	case event.TypeTextDelta:
		s.applyTextDelta(ev, payload)
	case event.TypeTextEnd:
		s.applyTextEnd(ev, payload)

	case event.TypeWorkPlan:
		s.applyWorkPlan(payload)
	case event.TypeStepStart:
		s.applyStepStart(payload)
	case event.TypeStepEnd:
		s.applyStepEnd(payload)

	case event.TypeClarificationAsked, event.TypeDecisionAsked, event.TypeEnvVarRequested:
		s.applyAsked(ev, payload, res)
	case event.TypeClarificationAnswered, event.TypeDecisionAnswered, event.TypeEnvVarProvided:
		s.applyAnswered(ev, payload, res)

	case event.TypeSandboxCreated, event.TypeSandboxReady, event.TypeSandboxClosed,
		event.TypeDesktopOpened, event.TypeDesktopClosed,
		event.TypeTerminalOpened, event.TypeTerminalClosed:
		s.applySandbox(ev, payload)

	case event.TypeSkillMatched, event.TypeSkillExecutionStart,
		event.TypeSkillComplete, event.TypeSkillFallback:
		s.applySkillLifecycle(ev, payload)
	case event.TypeSkillToolStart:
		s.applySkillToolStart(payload)
	case event.TypeSkillToolResult:
		s.applySkillToolResult(payload, res)

	case event.TypeContextCompressed:
		s.applyCompression(payload)

	case event.TypePlanModeEnter, event.TypePlanModeExit,
		event.TypePlanCreated, event.TypePlanUpdated,
		event.TypePlanExecutionStart, event.TypePlanStepReady,
		event.TypePlanStepComplete, event.TypePlanStepSkipped,
		event.TypePlanSnapshotCreated, event.TypePlanRollback,
		event.TypeReflectionComplete, event.TypeAdjustmentApplied:
		// Consumed by the plan-mode and execution-plan state machines,
		// which subscribe to the same ordered stream. No timeline entry.

	case event.TypeGap:
		s.applyGap(ev, payload)
	case event.TypeAbort:
		s.applyAbort(ev, payload)
	case event.TypeHITLTimeout:
		s.applyHITLTimeout(ev, payload)

	default:
		s.append(systemEntry(ev, fmt.Sprintf("unhandled event type %q", ev.Type)))
	}
}

func systemEntry(ev event.Event, content string) *Entry {
	return &Entry{
		ID:        ev.ID,
		Kind:      EntrySystem,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Content:   content,
	}
}

func (s *State) applyMessage(ev event.Event, payload any, role string) {
	msg, ok := payload.(*event.MessagePayload)
	if !ok {
		s.append(systemEntry(ev, "message without payload"))
		return
	}
	s.append(&Entry{
		ID:        ev.ID,
		Kind:      EntryMessage,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Role:      role,
		Content:   msg.Content,
	})
}

// applyThought appends delta content to the open thought for the slot, or
// finalizes the slot on a non-delta thought. A delta with no open slot
// creates one: delta-first delivery is normal after a reconnect.
func (s *State) applyThought(ev event.Event, payload any, final bool) {
	th, ok := payload.(*event.ThoughtPayload)
	if !ok {
		s.append(systemEntry(ev, "thought without payload"))
		return
	}
	slot := th.Slot
	if slot == "" {
		slot = defaultSlot
	}

	open := s.openThoughts[slot]
	if open == nil {
		open = s.append(&Entry{
			ID:        ev.ID,
			Kind:      EntryThought,
			Seq:       ev.Seq,
			Timestamp: ev.Timestamp,
			Slot:      slot,
			Streaming: true,
		})
		s.openThoughts[slot] = open
		s.thoughtBufs[slot] = &strings.Builder{}
	}

	if final {
		// A full thought replaces the accumulated buffer when it carries
		// content of its own.
		if th.Content != "" {
			open.Content = th.Content
		} else {
			open.Content = s.thoughtBufs[slot].String()
		}
		open.Streaming = false
		delete(s.openThoughts, slot)
		delete(s.thoughtBufs, slot)
		return
	}

	s.thoughtBufs[slot].WriteString(th.Content)
	open.Content = s.thoughtBufs[slot].String()
}

func (s *State) applyAct(ev event.Event, payload any, res pairing.Outcome) {
	act, ok := payload.(*event.ActPayload)
	if !ok {
		s.append(systemEntry(ev, "act without payload"))
		return
	}
	entry := &Entry{
		ID:        ev.ID,
		Kind:      EntryTool,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Tool:      act.Tool,
		Input:     act.Input,
		Status:    StatusRunning,
	}
	if res.Record != nil {
		entry.CorrelationKey = res.Record.Key
		s.toolByKey[res.Record.Key] = entry
	}
	s.append(entry)
}

func (s *State) applyObserve(ev event.Event, payload any, res pairing.Outcome) {
	if res.Duplicate {
		return
	}
	obs, ok := payload.(*event.ObservePayload)
	if !ok {
		s.append(systemEntry(ev, "observe without payload"))
		return
	}

	status := StatusSuccess
	if obs.IsError {
		status = StatusError
	}

	if res.Record != nil && !res.Record.Synthesized {
		if entry := s.toolByKey[res.Record.Key]; entry != nil {
			entry.Status = status
			entry.Output = obs.Output
			entry.Error = obs.ErrorMessage
			entry.DurationMS = ev.Timestamp - res.Record.Requester.Timestamp
			if entry.DurationMS < 0 {
				entry.DurationMS = 0
			}
			delete(s.toolByKey, res.Record.Key)
			return
		}
	}

	// No matching act: render the pair standalone from the synthesized
	// requester rather than dropping the result.
	entry := &Entry{
		ID:          ev.ID,
		Kind:        EntryTool,
		Seq:         ev.Seq,
		Timestamp:   ev.Timestamp,
		Tool:        obs.Tool,
		Output:      obs.Output,
		Error:       obs.ErrorMessage,
		Status:      status,
		Placeholder: true,
	}
	if res.Record != nil {
		entry.CorrelationKey = res.Record.Key
	}
	s.append(entry)
}

func (s *State) applyTextStart(ev event.Event, payload any) {
	txt, ok := payload.(*event.TextPayload)
	if !ok {
		s.append(systemEntry(ev, "text_start without payload"))
		return
	}
	s.openStream(ev, txt.MessageID)
}

func (s *State) applyTextDelta(ev event.Event, payload any) {
	txt, ok := payload.(*event.TextPayload)
	if !ok {
		s.append(systemEntry(ev, "text_delta without payload"))
		return
	}
	entry := s.streams[txt.MessageID]
	if entry == nil {
		// Delta before start: open the stream anyway.
		entry = s.openStream(ev, txt.MessageID)
	}
	// Concatenation order is strictly delta arrival order post-sequencing.
	buf := s.streamBufs[txt.MessageID]
	buf.WriteString(txt.Content)
	entry.Content = buf.String()
}

func (s *State) applyTextEnd(ev event.Event, payload any) {
	txt, ok := payload.(*event.TextPayload)
	if !ok {
		s.append(systemEntry(ev, "text_end without payload"))
		return
	}
	entry := s.streams[txt.MessageID]
	if entry == nil {
		// End with no buffer: render whatever content it carries.
		s.append(&Entry{
			ID:        ev.ID,
			Kind:      EntryMessage,
			Seq:       ev.Seq,
			Timestamp: ev.Timestamp,
			Role:      "assistant",
			Content:   txt.Content,
		})
		return
	}
	if txt.Content != "" {
		entry.Content = txt.Content
	}
	entry.Streaming = false
	delete(s.streams, txt.MessageID)
	delete(s.streamBufs, txt.MessageID)
}

func (s *State) openStream(ev event.Event, messageID string) *Entry {
	entry := s.append(&Entry{
		ID:        messageID,
		Kind:      EntryMessage,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Role:      "assistant",
		Streaming: true,
	})
	s.streams[messageID] = entry
	s.streamBufs[messageID] = &strings.Builder{}
	return entry
}

func (s *State) applyWorkPlan(payload any) {
	wp, ok := payload.(*event.WorkPlanPayload)
	if !ok {
		return
	}
	plan := &WorkPlan{CurrentStepIndex: -1}
	for _, step := range wp.Steps {
		plan.Steps = append(plan.Steps, WorkStep{
			Index:  step.Index,
			Title:  step.Title,
			Status: WorkStepPending,
		})
	}
	s.WorkPlan = plan
}

func (s *State) applyStepStart(payload any) {
	sp, ok := payload.(*event.StepPayload)
	if !ok || s.WorkPlan == nil {
		return
	}
	s.WorkPlan.CurrentStepIndex = sp.Index
	if step := s.workStep(sp.Index); step != nil {
		step.Status = WorkStepRunning
	}
}

func (s *State) applyStepEnd(payload any) {
	sp, ok := payload.(*event.StepPayload)
	if !ok || s.WorkPlan == nil {
		return
	}
	if step := s.workStep(sp.Index); step != nil {
		if sp.Failed {
			step.Status = WorkStepFailed
		} else {
			step.Status = WorkStepCompleted
		}
	}
}

func (s *State) workStep(index int) *WorkStep {
	for i := range s.WorkPlan.Steps {
		if s.WorkPlan.Steps[i].Index == index {
			return &s.WorkPlan.Steps[i]
		}
	}
	return nil
}

func (s *State) applyAsked(ev event.Event, payload any, res pairing.Outcome) {
	ask, ok := payload.(*event.AskPayload)
	if !ok {
		s.append(systemEntry(ev, "request without payload"))
		return
	}
	entry := &Entry{
		ID:        ev.ID,
		Kind:      EntryHITL,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Content:   ask.Question,
		Tool:      ask.Tool,
		Status:    StatusRunning,
	}
	if res.Record != nil {
		entry.CorrelationKey = res.Record.Key
		s.hitlByKey[res.Record.Key] = entry
	}
	s.append(entry)
}

func (s *State) applyAnswered(ev event.Event, payload any, res pairing.Outcome) {
	if res.Duplicate {
		return
	}
	ans, ok := payload.(*event.AnswerPayload)
	if !ok {
		s.append(systemEntry(ev, "answer without payload"))
		return
	}
	output := ans.Option
	if output == "" {
		output = ans.Text
	}
	if output == "" && len(ans.Values) > 0 {
		output = fmt.Sprintf("%d value(s) provided", len(ans.Values))
	}

	if res.Record != nil && !res.Record.Synthesized {
		if entry := s.hitlByKey[res.Record.Key]; entry != nil {
			entry.Status = StatusSuccess
			entry.Output = output
			delete(s.hitlByKey, res.Record.Key)
			return
		}
	}

	entry := &Entry{
		ID:          ev.ID,
		Kind:        EntryHITL,
		Seq:         ev.Seq,
		Timestamp:   ev.Timestamp,
		Output:      output,
		Status:      StatusSuccess,
		Placeholder: true,
	}
	if res.Record != nil {
		entry.CorrelationKey = res.Record.Key
	}
	s.append(entry)
}

func (s *State) applySandbox(ev event.Event, payload any) {
	sb, ok := payload.(*event.SandboxPayload)
	if !ok {
		s.append(systemEntry(ev, "sandbox event without payload"))
		return
	}
	s.append(&Entry{
		ID:        ev.ID,
		Kind:      EntrySandbox,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Content:   fmt.Sprintf("%s %s", sb.SandboxID, ev.Type),
		Output:    sb.URL,
	})
}

func (s *State) applySkillLifecycle(ev event.Event, payload any) {
	sk, ok := payload.(*event.SkillPayload)
	if !ok {
		s.append(systemEntry(ev, "skill event without payload"))
		return
	}
	exec := s.Skills[sk.SkillID]
	if exec == nil {
		exec = &SkillExecution{SkillID: sk.SkillID, Name: sk.Name, Status: SkillMatched}
		s.Skills[sk.SkillID] = exec
		s.SkillOrder = append(s.SkillOrder, sk.SkillID)
	}
	if sk.Name != "" {
		exec.Name = sk.Name
	}

	switch ev.Type {
	case event.TypeSkillMatched:
		exec.Status = SkillMatched
	case event.TypeSkillExecutionStart:
		exec.Status = SkillExecuting
	case event.TypeSkillComplete:
		if sk.IsError {
			exec.Status = SkillFailed
		} else {
			exec.Status = SkillCompleted
		}
	case event.TypeSkillFallback:
		exec.Status = SkillFallback
		exec.FallbackReason = sk.Reason
	}
}

func (s *State) applySkillToolStart(payload any) {
	sk, ok := payload.(*event.SkillPayload)
	if !ok {
		return
	}
	exec := s.Skills[sk.SkillID]
	if exec == nil {
		exec = &SkillExecution{SkillID: sk.SkillID, Status: SkillExecuting}
		s.Skills[sk.SkillID] = exec
		s.SkillOrder = append(s.SkillOrder, sk.SkillID)
	}
	exec.ToolExecutions = append(exec.ToolExecutions, ToolExecution{
		Tool:   sk.Tool,
		Status: StatusRunning,
	})
}

func (s *State) applySkillToolResult(payload any, res pairing.Outcome) {
	if res.Duplicate {
		return
	}
	sk, ok := payload.(*event.SkillPayload)
	if !ok {
		return
	}
	exec := s.Skills[sk.SkillID]
	if exec == nil {
		return
	}
	status := StatusSuccess
	if sk.IsError {
		status = StatusError
	}
	// Upgrade the oldest running execution of this tool; append standalone
	// when none is running (start lost to a gap-skip).
	for i := range exec.ToolExecutions {
		te := &exec.ToolExecutions[i]
		if te.Tool == sk.Tool && te.Status == StatusRunning {
			te.Status = status
			te.Output = sk.Output
			if res.Record != nil && !res.Record.Synthesized && res.Record.Resolution != nil {
				te.DurationMS = res.Record.Resolution.Timestamp - res.Record.Requester.Timestamp
			}
			return
		}
	}
	exec.ToolExecutions = append(exec.ToolExecutions, ToolExecution{
		Tool:   sk.Tool,
		Status: status,
		Output: sk.Output,
	})
}

func (s *State) applyCompression(payload any) {
	cp, ok := payload.(*event.CompressionPayload)
	if !ok {
		return
	}
	s.Stats.OccupancyPercent = cp.OccupancyPercent
	s.Stats.CompressionLevel = cp.Level
	s.Stats.Compressions++
	if cp.TokensBefore > cp.TokensAfter {
		s.Stats.TokensReclaimed += cp.TokensBefore - cp.TokensAfter
	}
}

func (s *State) applyGap(ev event.Event, payload any) {
	content := "events missing"
	if gap, ok := payload.(*event.GapPayload); ok && gap.ToSeq > gap.FromSeq {
		content = fmt.Sprintf("events missing (seq %d-%d)", gap.FromSeq, gap.ToSeq-1)
	}
	s.append(&Entry{
		ID:        ev.ID,
		Kind:      EntryGap,
		Seq:       ev.Seq,
		Timestamp: ev.Timestamp,
		Content:   content,
	})
}

// applyAbort finalizes every open streaming buffer with whatever partial
// content exists. Partial output is kept, never discarded.
func (s *State) applyAbort(ev event.Event, payload any) {
	for slot, entry := range s.openThoughts {
		entry.Content = s.thoughtBufs[slot].String()
		entry.Streaming = false
		delete(s.openThoughts, slot)
		delete(s.thoughtBufs, slot)
	}
	for id, entry := range s.streams {
		entry.Content = s.streamBufs[id].String()
		entry.Streaming = false
		delete(s.streams, id)
		delete(s.streamBufs, id)
	}
	if ab, ok := payload.(*event.AbortPayload); ok && ab.Reason != "" {
		s.append(systemEntry(ev, "stopped: "+ab.Reason))
	}
}

func (s *State) applyHITLTimeout(ev event.Event, payload any) {
	to, ok := payload.(*event.TimeoutPayload)
	if !ok {
		return
	}
	entry := s.hitlByKey[to.RequestID]
	if entry == nil {
		return
	}
	entry.Status = StatusTimeout
	delete(s.hitlByKey, to.RequestID)
}

// ActiveToolCalls returns the entries still in running status, oldest first.
func (s *State) ActiveToolCalls() []*Entry {
	var active []*Entry
	for _, e := range s.Entries {
		if e.Kind == EntryTool && e.Status == StatusRunning {
			active = append(active, e)
		}
	}
	return active
}

// StreamingText returns the content of the most recently opened streaming
// assistant message, or "" when nothing is streaming.
func (s *State) StreamingText() string {
	for i := len(s.Entries) - 1; i >= 0; i-- {
		e := s.Entries[i]
		if e.Kind == EntryMessage && e.Streaming {
			return e.Content
		}
	}
	return ""
}

// MarshalJSON keeps the serialized state free of internal indexes.
func (s *State) MarshalJSON() ([]byte, error) {
	type alias struct {
		Entries    []*Entry                   `json:"entries"`
		WorkPlan   *WorkPlan                  `json:"work_plan,omitempty"`
		Skills     map[string]*SkillExecution `json:"skills,omitempty"`
		SkillOrder []string                   `json:"skill_order,omitempty"`
		Stats      Stats                      `json:"stats"`
		Version    uint64                     `json:"version"`
	}
	return json.Marshal(alias{
		Entries:    s.Entries,
		WorkPlan:   s.WorkPlan,
		Skills:     s.Skills,
		SkillOrder: s.SkillOrder,
		Stats:      s.Stats,
		Version:    s.Version,
	})
}
