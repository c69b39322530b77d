// Package engine composes the sequencer, pairing resolver, timeline
// reducer, and the plan-mode, execution-plan, and HITL state machines into
// one pipeline per conversation. Ingest is the single entry point; every
// accepted event flows through all stages in order, so the reduced state
// is a deterministic function of the event log.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s1366560/agentline/event"
	"github.com/s1366560/agentline/execplan"
	"github.com/s1366560/agentline/hitl"
	"github.com/s1366560/agentline/pairing"
	"github.com/s1366560/agentline/planmode"
	"github.com/s1366560/agentline/sequencer"
	"github.com/s1366560/agentline/timeline"
)

// Options configures an engine. The zero value is usable.
type Options struct {
	// MaxBufferAge bounds how long the sequencer holds out-of-order events
	// before skipping the gap. Zero uses the sequencer default.
	MaxBufferAge time.Duration

	// HITLTimeout is the default deadline for human-in-the-loop requests.
	// Zero uses the tracker default.
	HITLTimeout time.Duration

	// AutoApprove holds doublestar patterns for tools whose decision
	// requests resolve immediately without user input.
	AutoApprove []string

	// Logger receives pipeline diagnostics. Nil uses slog.Default.
	Logger *slog.Logger

	// Metrics receives pipeline instruments. Nil disables metrics.
	Metrics *Metrics

	// Clock supplies the current time for buffer aging and synthetic
	// events. Nil uses time.Now. Replay injects a log-driven clock.
	Clock func() time.Time
}

// Engine reduces one conversation's event stream. Safe for concurrent use;
// all pipeline stages run under one mutex, so events fold strictly one at
// a time.
type Engine struct {
	mu sync.Mutex

	conversationID string
	seq            *sequencer.Sequencer
	pairs          *pairing.Resolver
	state          *timeline.State
	planMode       *planmode.Machine
	execPlan       *execplan.Machine
	requests       *hitl.Tracker

	metrics *Metrics
	logger  *slog.Logger
	clock   func() time.Time

	// last counter values already reported, so counters only receive deltas
	reportedDups uint64
	reportedGaps uint64
}

// New creates an engine for one conversation.
func New(conversationID string, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("conversation", conversationID)
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		conversationID: conversationID,
		seq:            sequencer.New(opts.MaxBufferAge, logger),
		pairs:          pairing.NewResolver(),
		state:          timeline.NewState(),
		planMode:       planmode.NewMachine(logger),
		execPlan:       execplan.NewMachine(logger),
		requests:       hitl.NewTracker(opts.HITLTimeout, opts.AutoApprove, logger),
		metrics:        opts.Metrics,
		logger:         logger,
		clock:          clock,
	}
}

// Ingest feeds one transport event through the pipeline. Duplicates and
// stale retransmits are absorbed silently; out-of-order events are held
// until their predecessors arrive or the gap is skipped.
func (e *Engine) Ingest(ev event.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("rejecting event %q: %w", ev.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ordered := range e.seq.Ingest(ev, e.clock()) {
		e.applyOrdered(ordered)
	}
	e.observeMetrics()
	return nil
}

// ExpireDue drives the engine's time-based transitions: sequencer buffer
// aging and HITL deadlines. The caller ticks this from a timer; during
// replay it is driven from log timestamps instead, so wall-clock never
// leaks into the reduced state.
func (e *Engine) ExpireDue(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ordered := range e.seq.Flush(now) {
		e.applyOrdered(ordered)
	}
	for _, synth := range e.requests.ExpireDue(now) {
		e.applyOrdered(synth)
	}
	e.observeMetrics()
}

// RespondToDecision answers a pending decision request with the chosen
// option id.
func (e *Engine) RespondToDecision(correlationID, option string) {
	e.applyLocal(event.TypeDecisionAnswered, correlationID,
		&event.AnswerPayload{Option: option, AnsweredBy: "user"})
}

// RespondToClarification answers a pending clarification with free text.
func (e *Engine) RespondToClarification(correlationID, text string) {
	e.applyLocal(event.TypeClarificationAnswered, correlationID,
		&event.AnswerPayload{Text: text, AnsweredBy: "user"})
}

// ProvideEnvVars supplies requested environment variables.
func (e *Engine) ProvideEnvVars(correlationID string, values map[string]string) {
	e.applyLocal(event.TypeEnvVarProvided, correlationID,
		&event.AnswerPayload{Values: values, AnsweredBy: "user"})
}

// ExitPlanMode leaves plan mode, recording whether the plan document was
// approved.
func (e *Engine) ExitPlanMode(approved bool) {
	e.applyLocal(event.TypePlanModeExit, "", &event.PlanModePayload{Approved: approved})
}

// RespondToAdjustments applies the approved subset of proposed step
// adjustments to the execution plan. Rejected adjustments are simply
// omitted from the list.
func (e *Engine) RespondToAdjustments(planID string, approved []event.StepAdjustment) {
	e.applyLocal(event.TypeAdjustmentApplied, "", &event.AdjustmentPayload{
		PlanID:      planID,
		Adjustments: approved,
	})
}

// Abort stops the in-flight response: open thought and text buffers are
// finalized with their partial content and the execution plan, if any, is
// cancelled.
func (e *Engine) Abort(reason string) {
	e.applyLocal(event.TypeAbort, "", &event.AbortPayload{Reason: reason})
}

// applyLocal synthesizes a client-side event and folds it directly into
// the ordered stage of the pipeline. Local events carry no server sequence
// and never pass through the reorder buffer.
func (e *Engine) applyLocal(typ event.Type, correlationID string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.applyOrdered(event.Event{
		ID:            "local-" + uuid.NewString()[:8],
		Type:          typ,
		Timestamp:     e.clock().UnixMilli(),
		CorrelationID: correlationID,
		Payload:       event.MustMarshalPayload(payload),
	})
	e.observeMetrics()
}

// applyOrdered folds one in-order event through pairing, the timeline
// reducer, and the state machines. Caller holds the mutex.
func (e *Engine) applyOrdered(ev event.Event) {
	start := time.Now()

	outcome := e.pairs.Resolve(ev)
	if outcome.Record != nil && outcome.Record.Synthesized && e.metrics != nil {
		e.metrics.placeholders.WithLabelValues(e.conversationID).Inc()
	}

	e.state.Apply(ev, outcome)
	e.planMode.Apply(ev)
	e.execPlan.Apply(ev)

	switch ev.Type {
	case event.TypeDecisionAsked:
		// Execution pauses while a decision is outstanding.
		e.execPlan.Pause()
	case event.TypeDecisionAnswered:
		e.execPlan.Resume()
	case event.TypeAbort:
		e.execPlan.Cancel()
	case event.TypeHITLTimeout:
		// The request will never be answered; close its pairing record so
		// it does not linger as open.
		if p, err := event.Decode(ev); err == nil {
			if to, ok := p.(*event.TimeoutPayload); ok {
				e.pairs.Expire(to.RequestID)
			}
		}
	}

	synth := e.requests.Apply(ev)

	if e.metrics != nil {
		e.metrics.eventsIngested.WithLabelValues(e.conversationID).Inc()
		e.metrics.reduceDurations.WithLabelValues(e.conversationID).Observe(time.Since(start).Seconds())
	}

	// Auto-approvals and timeout resolutions feed back through the same
	// ordered stage, so they are reduced exactly like server events.
	for _, s := range synth {
		e.applyOrdered(s)
	}
}

// observeMetrics refreshes gauge-style instruments from component
// counters. Caller holds the mutex.
func (e *Engine) observeMetrics() {
	if e.metrics == nil {
		return
	}
	if dups := e.seq.Duplicates(); dups > e.reportedDups {
		e.metrics.duplicates.WithLabelValues(e.conversationID).Add(float64(dups - e.reportedDups))
		e.reportedDups = dups
	}
	if gaps := e.seq.Gaps(); gaps > e.reportedGaps {
		e.metrics.gapsSkipped.WithLabelValues(e.conversationID).Add(float64(gaps - e.reportedGaps))
		e.reportedGaps = gaps
	}
	e.metrics.openRequests.WithLabelValues(e.conversationID).Set(float64(len(e.requests.Pending())))
	e.metrics.bufferedEvents.WithLabelValues(e.conversationID).Set(float64(e.seq.Pending()))
}

// Duplicates returns the count of discarded duplicate or stale events.
func (e *Engine) Duplicates() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Duplicates()
}

// Gaps returns the count of gap-skips performed.
func (e *Engine) Gaps() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq.Gaps()
}
