package hitl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s1366560/agentline/event"
)

func askEvent(id, corr string, typ event.Type, seq uint64, p *event.AskPayload) event.Event {
	return event.Event{
		ID: id, Type: typ, Seq: seq, Timestamp: int64(seq) * 1000,
		CorrelationID: corr,
		Payload:       event.MustMarshalPayload(p),
	}
}

func answerEvent(id, corr string, typ event.Type, seq uint64, p *event.AnswerPayload) event.Event {
	return event.Event{
		ID: id, Type: typ, Seq: seq, Timestamp: int64(seq) * 1000,
		CorrelationID: corr,
		Payload:       event.MustMarshalPayload(p),
	}
}

func TestTracker_AskAndAnswer(t *testing.T) {
	tr := NewTracker(0, nil, nil)

	synth := tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{
		Question: "Proceed with deletion?",
		Options:  []event.Option{{ID: "yes"}, {ID: "no"}},
	}))
	assert.Empty(t, synth)

	require.Len(t, tr.Pending(), 1)
	req := tr.Get("req-1")
	require.NotNil(t, req)
	assert.Equal(t, KindDecision, req.Kind)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, req.AskedAt.Add(DefaultTimeout), req.Deadline)

	tr.Apply(answerEvent("e2", "req-1", event.TypeDecisionAnswered, 2, &event.AnswerPayload{
		Option: "yes", AnsweredBy: "user",
	}))

	assert.Empty(t, tr.Pending())
	req = tr.Get("req-1")
	assert.Equal(t, StatusAnswered, req.Status)
	require.NotNil(t, req.Answer)
	assert.Equal(t, "yes", req.Answer.Option)
}

// A timeout racing a late user answer settles on whichever resolved first.
func TestTracker_AnswerAfterResolutionIsNoOp(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{Question: "q"}))
	tr.Apply(answerEvent("e2", "req-1", event.TypeDecisionAnswered, 2, &event.AnswerPayload{Option: "yes"}))

	// Duplicate delivery of the answer.
	tr.Apply(answerEvent("e2", "req-1", event.TypeDecisionAnswered, 2, &event.AnswerPayload{Option: "no"}))

	assert.Equal(t, "yes", tr.Get("req-1").Answer.Option)
}

func TestTracker_ExpireAppliesDefault(t *testing.T) {
	tr := NewTracker(30*time.Second, nil, nil)
	tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{
		Question:      "Continue?",
		Options:       []event.Option{{ID: "continue"}, {ID: "stop"}},
		DefaultOption: "continue",
	}))

	asked := tr.Get("req-1").AskedAt

	// Before the deadline nothing expires.
	assert.Empty(t, tr.ExpireDue(asked.Add(29*time.Second)))

	synth := tr.ExpireDue(asked.Add(31 * time.Second))
	require.Len(t, synth, 1)
	assert.Equal(t, event.TypeDecisionAnswered, synth[0].Type)
	assert.Equal(t, "req-1", synth[0].CorrelationID)

	payload, err := event.Decode(synth[0])
	require.NoError(t, err)
	answer := payload.(*event.AnswerPayload)
	assert.Equal(t, "continue", answer.Option)
	assert.Equal(t, "default", answer.AnsweredBy)

	// ExpireDue only synthesizes; the request resolves when the event is
	// fed back through Apply.
	assert.Equal(t, StatusPending, tr.Get("req-1").Status)
	tr.Apply(synth[0])
	assert.Equal(t, StatusAnswered, tr.Get("req-1").Status)
}

func TestTracker_ExpireWithoutDefaultTimesOut(t *testing.T) {
	tr := NewTracker(30*time.Second, nil, nil)
	tr.Apply(askEvent("e1", "req-1", event.TypeClarificationAsked, 1, &event.AskPayload{
		Question: "Which branch?",
	}))

	asked := tr.Get("req-1").AskedAt
	synth := tr.ExpireDue(asked.Add(time.Minute))
	require.Len(t, synth, 1)
	assert.Equal(t, event.TypeHITLTimeout, synth[0].Type)

	tr.Apply(synth[0])
	assert.Equal(t, StatusTimedOut, tr.Get("req-1").Status)
	assert.Empty(t, tr.Pending())
}

// Asks without an explicit correlation id key by the pairing fallback, so
// the synthesized timeout addresses the same record the ask opened.
func TestTracker_TimeoutWithoutCorrelationID(t *testing.T) {
	tr := NewTracker(30*time.Second, nil, nil)
	tr.Apply(askEvent("e1", "", event.TypeDecisionAsked, 1, &event.AskPayload{
		Question: "Deploy to production?",
		Tool:     "deploy",
	}))

	req := tr.Get("tool:deploy")
	require.NotNil(t, req)

	synth := tr.ExpireDue(req.AskedAt.Add(time.Minute))
	require.Len(t, synth, 1)
	assert.Equal(t, event.TypeHITLTimeout, synth[0].Type)
	assert.Equal(t, "tool:deploy", synth[0].CorrelationID)

	tr.Apply(synth[0])
	assert.Equal(t, StatusTimedOut, tr.Get("tool:deploy").Status)
	assert.Empty(t, tr.Pending())
}

func TestTracker_PerRequestTimeoutOverride(t *testing.T) {
	tr := NewTracker(time.Minute, nil, nil)
	tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{
		Question: "q", TimeoutSeconds: 5, DefaultOption: "ok",
	}))

	req := tr.Get("req-1")
	assert.Equal(t, req.AskedAt.Add(5*time.Second), req.Deadline)
}

func TestTracker_AutoApproval(t *testing.T) {
	tr := NewTracker(0, []string{"fs/read_*", "git/**"}, nil)

	synth := tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{
		Question:      "Allow tool?",
		Tool:          "git/push/origin",
		Options:       []event.Option{{ID: "allow"}, {ID: "deny"}},
		DefaultOption: "allow",
	}))
	require.Len(t, synth, 1)
	assert.Equal(t, event.TypeDecisionAnswered, synth[0].Type)

	payload, err := event.Decode(synth[0])
	require.NoError(t, err)
	answer := payload.(*event.AnswerPayload)
	assert.Equal(t, "allow", answer.Option)
	assert.Equal(t, "auto", answer.AnsweredBy)

	// Non-matching tools wait for the user.
	synth = tr.Apply(askEvent("e2", "req-2", event.TypeDecisionAsked, 2, &event.AskPayload{
		Question: "Allow tool?", Tool: "shell/exec",
		Options: []event.Option{{ID: "allow"}, {ID: "deny"}},
	}))
	assert.Empty(t, synth)

	// Clarifications are never auto-approved, regardless of tool.
	synth = tr.Apply(askEvent("e3", "req-3", event.TypeClarificationAsked, 3, &event.AskPayload{
		Question: "Which remote?", Tool: "git/push",
	}))
	assert.Empty(t, synth)
}

func TestTracker_AutoApprovalFallsBackToFirstOption(t *testing.T) {
	tr := NewTracker(0, []string{"fs/**"}, nil)
	synth := tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{
		Question: "Allow?", Tool: "fs/read_file",
		Options: []event.Option{{ID: "allow"}, {ID: "deny"}},
	}))
	require.Len(t, synth, 1)

	payload, err := event.Decode(synth[0])
	require.NoError(t, err)
	assert.Equal(t, "allow", payload.(*event.AnswerPayload).Option)
}

func TestTracker_DuplicateAskIgnored(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{Question: "first"}))
	tr.Apply(askEvent("e1", "req-1", event.TypeDecisionAsked, 1, &event.AskPayload{Question: "second"}))

	require.Len(t, tr.Pending(), 1)
	assert.Equal(t, "first", tr.Get("req-1").Question)
}

func TestTracker_EnvVarRequest(t *testing.T) {
	tr := NewTracker(0, nil, nil)
	tr.Apply(askEvent("e1", "req-1", event.TypeEnvVarRequested, 1, &event.AskPayload{
		Question: "API credentials needed",
		Names:    []string{"API_KEY", "API_SECRET"},
	}))

	req := tr.Get("req-1")
	require.NotNil(t, req)
	assert.Equal(t, KindEnvVar, req.Kind)
	assert.Equal(t, []string{"API_KEY", "API_SECRET"}, req.Names)

	tr.Apply(answerEvent("e2", "req-1", event.TypeEnvVarProvided, 2, &event.AnswerPayload{
		Values: map[string]string{"API_KEY": "k", "API_SECRET": "s"},
	}))
	assert.Equal(t, StatusAnswered, tr.Get("req-1").Status)
	assert.Equal(t, "k", tr.Get("req-1").Answer.Values["API_KEY"])
}
