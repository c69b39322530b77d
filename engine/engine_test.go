package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s1366560/agentline/event"
	"github.com/s1366560/agentline/execplan"
	"github.com/s1366560/agentline/hitl"
	"github.com/s1366560/agentline/planmode"
	"github.com/s1366560/agentline/timeline"
)

// testClock is a manually advanced clock so no test sleeps.
type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T, opts Options) (*Engine, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts.Clock = clock.Now
	return New("conv-1", opts), clock
}

func mkEvent(id string, typ event.Type, seq uint64, corr string, p any) event.Event {
	ev := event.Event{
		ID: id, Type: typ, Seq: seq, Timestamp: int64(seq) * 1000,
		CorrelationID: corr,
	}
	if p != nil {
		ev.Payload = event.MustMarshalPayload(p)
	}
	return ev
}

func TestEngine_OutOfOrderWithDuplicates(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	events := []event.Event{
		mkEvent("e3", event.TypeObserve, 3, "tc-1", &event.ObservePayload{Tool: "read_file", Output: "contents"}),
		mkEvent("e1", event.TypeUserMessage, 1, "", &event.MessagePayload{Content: "hello"}),
		mkEvent("e2", event.TypeAct, 2, "tc-1", &event.ActPayload{Tool: "read_file"}),
		mkEvent("e2", event.TypeAct, 2, "tc-1", &event.ActPayload{Tool: "read_file"}), // duplicate delivery
	}
	for _, ev := range events {
		require.NoError(t, e.Ingest(ev))
	}

	snap := e.Snapshot()
	require.Len(t, snap.Timeline, 2)
	assert.Equal(t, timeline.EntryMessage, snap.Timeline[0].Kind)
	assert.Equal(t, timeline.EntryTool, snap.Timeline[1].Kind)
	assert.Equal(t, timeline.StatusSuccess, snap.Timeline[1].Status)
	assert.Equal(t, "contents", snap.Timeline[1].Output)
	assert.Equal(t, uint64(1), e.Duplicates())
}

// Ingesting the same events in any order yields the same reduced state.
func TestEngine_OrderIndependence(t *testing.T) {
	events := []event.Event{
		mkEvent("e1", event.TypeUserMessage, 1, "", &event.MessagePayload{Content: "do it"}),
		mkEvent("e2", event.TypeAct, 2, "tc-1", &event.ActPayload{Tool: "edit_file"}),
		mkEvent("e3", event.TypeObserve, 3, "tc-1", &event.ObservePayload{Tool: "edit_file", Output: "ok"}),
		mkEvent("e4", event.TypeAssistantMessage, 4, "", &event.MessagePayload{Content: "done"}),
	}
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
	}

	var snapshots [][]byte
	for _, order := range orders {
		e, _ := newTestEngine(t, Options{})
		for _, i := range order {
			require.NoError(t, e.Ingest(events[i]))
		}
		snap := e.Snapshot()
		snap.TakenAt = time.Time{}
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		snapshots = append(snapshots, data)
	}
	for i := 1; i < len(snapshots); i++ {
		assert.JSONEq(t, string(snapshots[0]), string(snapshots[i]))
	}
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypeAct, 1, "tc-1", &event.ActPayload{Tool: "run_tests"})))

	before := e.Snapshot()
	require.Len(t, before.Timeline, 1)
	assert.Equal(t, timeline.StatusRunning, before.Timeline[0].Status)

	// The observe upgrades the live entry in place; the snapshot must not
	// see it.
	require.NoError(t, e.Ingest(mkEvent("e2", event.TypeObserve, 2, "tc-1", &event.ObservePayload{Tool: "run_tests", Output: "pass"})))

	assert.Equal(t, timeline.StatusRunning, before.Timeline[0].Status)
	after := e.Snapshot()
	assert.Equal(t, timeline.StatusSuccess, after.Timeline[0].Status)
	assert.Greater(t, after.Version, before.Version)
}

func TestEngine_DecisionPausesExecutionPlan(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypePlanExecutionStart, 1, "", &event.PlanExecutionPayload{
		PlanID: "p1",
		Steps:  []event.PlanStepDef{{StepID: "s1", ToolName: "run"}},
	})))
	require.NoError(t, e.Ingest(mkEvent("e2", event.TypeDecisionAsked, 2, "req-1", &event.AskPayload{
		Question: "Continue?",
		Options:  []event.Option{{ID: "yes"}, {ID: "no"}},
	})))

	snap := e.Snapshot()
	require.NotNil(t, snap.ExecutionPlan)
	assert.Equal(t, execplan.PlanPaused, snap.ExecutionPlan.Status)
	require.Len(t, snap.HITLRequests, 1)
	assert.Equal(t, hitl.StatusPending, snap.HITLRequests[0].Status)

	e.RespondToDecision("req-1", "yes")

	snap = e.Snapshot()
	assert.Equal(t, execplan.PlanExecuting, snap.ExecutionPlan.Status)
	assert.Empty(t, snap.HITLRequests)

	// The timeline's HITL entry upgraded in place.
	var hitlEntry *timeline.Entry
	for i := range snap.Timeline {
		if snap.Timeline[i].Kind == timeline.EntryHITL {
			hitlEntry = &snap.Timeline[i]
		}
	}
	require.NotNil(t, hitlEntry)
	assert.Equal(t, timeline.StatusSuccess, hitlEntry.Status)
	assert.Equal(t, "yes", hitlEntry.Output)
}

func TestEngine_AutoApproval(t *testing.T) {
	e, _ := newTestEngine(t, Options{AutoApprove: []string{"fs/**"}})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypeDecisionAsked, 1, "req-1", &event.AskPayload{
		Question:      "Allow fs/read_file?",
		Tool:          "fs/read_file",
		Options:       []event.Option{{ID: "allow"}, {ID: "deny"}},
		DefaultOption: "allow",
	})))

	snap := e.Snapshot()
	assert.Empty(t, snap.HITLRequests, "auto-approved request must not stay pending")

	var hitlEntry *timeline.Entry
	for i := range snap.Timeline {
		if snap.Timeline[i].Kind == timeline.EntryHITL {
			hitlEntry = &snap.Timeline[i]
		}
	}
	require.NotNil(t, hitlEntry)
	assert.Equal(t, timeline.StatusSuccess, hitlEntry.Status)
	assert.Equal(t, "allow", hitlEntry.Output)
}

func TestEngine_ExpireDueAppliesDefaultOrTimesOut(t *testing.T) {
	e, clock := newTestEngine(t, Options{HITLTimeout: 30 * time.Second})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypeDecisionAsked, 1, "req-default", &event.AskPayload{
		Question:      "Continue?",
		DefaultOption: "continue",
	})))
	require.NoError(t, e.Ingest(mkEvent("e2", event.TypeClarificationAsked, 2, "req-open", &event.AskPayload{
		Question: "Which file?",
	})))

	clock.Advance(time.Minute)
	e.ExpireDue(clock.Now())

	snap := e.Snapshot()
	assert.Empty(t, snap.HITLRequests)

	statuses := map[string]timeline.EntryStatus{}
	for _, entry := range snap.Timeline {
		if entry.Kind == timeline.EntryHITL {
			statuses[entry.CorrelationKey] = entry.Status
		}
	}
	assert.Equal(t, timeline.StatusSuccess, statuses["req-default"])
	assert.Equal(t, timeline.StatusTimeout, statuses["req-open"])
}

// An ask with no explicit correlation id keys by the tool-name fallback
// everywhere: the expiry must upgrade the timeline entry and close the
// pairing record, not leave the request running forever.
func TestEngine_TimeoutForAskWithoutCorrelationID(t *testing.T) {
	e, clock := newTestEngine(t, Options{HITLTimeout: 30 * time.Second})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypeDecisionAsked, 1, "", &event.AskPayload{
		Question: "Deploy to production?",
		Tool:     "deploy",
	})))

	clock.Advance(time.Minute)
	e.ExpireDue(clock.Now())

	snap := e.Snapshot()
	assert.Empty(t, snap.HITLRequests)

	var entry *timeline.Entry
	for i := range snap.Timeline {
		if snap.Timeline[i].Kind == timeline.EntryHITL {
			entry = &snap.Timeline[i]
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, timeline.StatusTimeout, entry.Status)
	assert.Equal(t, "tool:deploy", entry.CorrelationKey)
}

func TestEngine_ExpireDueSkipsGap(t *testing.T) {
	e, clock := newTestEngine(t, Options{MaxBufferAge: 2 * time.Second})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypeUserMessage, 1, "", &event.MessagePayload{Content: "hi"})))
	// seq 2 never arrives
	require.NoError(t, e.Ingest(mkEvent("e3", event.TypeAssistantMessage, 3, "", &event.MessagePayload{Content: "reply"})))

	snap := e.Snapshot()
	require.Len(t, snap.Timeline, 1, "out-of-order event must stay buffered")

	clock.Advance(3 * time.Second)
	e.ExpireDue(clock.Now())

	snap = e.Snapshot()
	require.Len(t, snap.Timeline, 3)
	assert.Equal(t, timeline.EntryGap, snap.Timeline[1].Kind)
	assert.Equal(t, uint64(1), e.Gaps())
}

func TestEngine_AbortFinalizesStreamsAndCancelsPlan(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypePlanExecutionStart, 1, "", &event.PlanExecutionPayload{
		PlanID: "p1",
		Steps:  []event.PlanStepDef{{StepID: "s1", ToolName: "run"}},
	})))
	require.NoError(t, e.Ingest(mkEvent("e2", event.TypeTextStart, 2, "", &event.TextPayload{MessageID: "m1"})))
	require.NoError(t, e.Ingest(mkEvent("e3", event.TypeTextDelta, 3, "", &event.TextPayload{MessageID: "m1", Content: "partial answ"})))

	e.Abort("user stopped")

	snap := e.Snapshot()
	require.NotNil(t, snap.ExecutionPlan)
	assert.Equal(t, execplan.PlanCancelled, snap.ExecutionPlan.Status)

	var stream *timeline.Entry
	for i := range snap.Timeline {
		if snap.Timeline[i].Kind == timeline.EntryMessage && snap.Timeline[i].Role == "assistant" {
			stream = &snap.Timeline[i]
		}
	}
	require.NotNil(t, stream)
	assert.False(t, stream.Streaming)
	assert.Equal(t, "partial answ", stream.Content)
}

func TestEngine_ExitPlanMode(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypePlanModeEnter, 1, "", &event.PlanModePayload{PlanID: "p1"})))
	require.NoError(t, e.Ingest(mkEvent("e2", event.TypePlanCreated, 2, "", &event.PlanDocumentPayload{PlanID: "p1", Version: 1, Content: "plan"})))

	assert.Equal(t, planmode.ModePlan, e.Snapshot().Mode)

	e.ExitPlanMode(true)

	snap := e.Snapshot()
	assert.Equal(t, planmode.ModeBuild, snap.Mode)
	require.NotNil(t, snap.PlanDocument)
	assert.Equal(t, planmode.DocumentApproved, snap.PlanDocument.Status)
}

func TestEngine_RespondToAdjustments(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	require.NoError(t, e.Ingest(mkEvent("e1", event.TypePlanExecutionStart, 1, "", &event.PlanExecutionPayload{
		PlanID: "p1",
		Steps: []event.PlanStepDef{
			{StepID: "s1", ToolName: "build"},
			{StepID: "s2", ToolName: "test", DependsOn: []string{"s1"}},
		},
	})))
	require.NoError(t, e.Ingest(mkEvent("e2", event.TypePlanStepReady, 2, "", &event.PlanStepPayload{PlanID: "p1", StepID: "s1"})))
	require.NoError(t, e.Ingest(mkEvent("e3", event.TypePlanStepComplete, 3, "", &event.PlanStepPayload{
		PlanID: "p1", StepID: "s1", Failed: true, Error: "compile error",
	})))

	e.RespondToAdjustments("p1", []event.StepAdjustment{
		{Type: event.AdjustRetry, StepID: "s1"},
	})

	snap := e.Snapshot()
	require.NotNil(t, snap.ExecutionPlan)
	assert.Equal(t, execplan.StepPending, snap.ExecutionPlan.Step("s1").Status)
	assert.Empty(t, snap.ExecutionPlan.FailedSteps)
}

func TestEngine_RejectsInvalidEvent(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	err := e.Ingest(event.Event{ID: "e1", Type: event.TypeUserMessage, Seq: 0})
	assert.Error(t, err, "non-synthetic events require a sequence number")
}

func TestManager_IndependentEngines(t *testing.T) {
	m := NewManager(Options{})

	a := m.Get("conv-a")
	b := m.Get("conv-b")
	assert.Same(t, a, m.Get("conv-a"))
	assert.NotSame(t, a, b)

	require.NoError(t, a.Ingest(mkEvent("e1", event.TypeUserMessage, 1, "", &event.MessagePayload{Content: "hi"})))
	assert.Len(t, a.Snapshot().Timeline, 1)
	assert.Empty(t, b.Snapshot().Timeline)

	assert.Equal(t, []string{"conv-a", "conv-b"}, m.Conversations())

	m.Remove("conv-a")
	_, ok := m.Lookup("conv-a")
	assert.False(t, ok)
}
