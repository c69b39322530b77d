package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s1366560/agentline/engine"
	"github.com/s1366560/agentline/event"
	"github.com/s1366560/agentline/timeline"
)

func writeLog(t *testing.T, events []event.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, ev := range events {
		require.NoError(t, enc.Encode(ev))
	}
	return path
}

func logEvents() []event.Event {
	base := int64(1_700_000_000_000)
	return []event.Event{
		{ID: "e1", Type: event.TypeUserMessage, Seq: 1, Timestamp: base,
			Payload: event.MustMarshalPayload(&event.MessagePayload{Content: "list files"})},
		{ID: "e2", Type: event.TypeAct, Seq: 2, Timestamp: base + 100, CorrelationID: "tc-1",
			Payload: event.MustMarshalPayload(&event.ActPayload{Tool: "ls"})},
		{ID: "e3", Type: event.TypeObserve, Seq: 3, Timestamp: base + 900, CorrelationID: "tc-1",
			Payload: event.MustMarshalPayload(&event.ObservePayload{Tool: "ls", Output: "a.go b.go"})},
		{ID: "e4", Type: event.TypeAssistantMessage, Seq: 4, Timestamp: base + 1200,
			Payload: event.MustMarshalPayload(&event.MessagePayload{Content: "two files"})},
	}
}

func TestReadLog(t *testing.T) {
	path := writeLog(t, logEvents())

	events, err := ReadLog(path)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, event.TypeObserve, events[2].Type)
}

func TestReadLog_MalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"e1\",\"type\":\"user_message\",\"seq\":1}\nnot json\n"), 0644))

	_, err := ReadLog(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestReplayer_Deterministic(t *testing.T) {
	events := logEvents()

	reduce := func() []byte {
		r := NewReplayer("conv-1", engine.Options{})
		require.NoError(t, r.ApplyAll(events))
		snap := r.Snapshot()
		snap.TakenAt = time.Time{}
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		return data
	}

	first := reduce()
	second := reduce()
	assert.JSONEq(t, string(first), string(second))
}

// Gap-skips fire from log time, not wall time: a hole older than the
// buffer age at the next event's timestamp is skipped during replay.
func TestReplayer_LogDrivenGapSkip(t *testing.T) {
	base := int64(1_700_000_000_000)
	events := []event.Event{
		{ID: "e1", Type: event.TypeUserMessage, Seq: 1, Timestamp: base,
			Payload: event.MustMarshalPayload(&event.MessagePayload{Content: "hi"})},
		// seq 2 missing; seq 3 arrives, then ten log-seconds pass
		{ID: "e3", Type: event.TypeAssistantMessage, Seq: 3, Timestamp: base + 500,
			Payload: event.MustMarshalPayload(&event.MessagePayload{Content: "reply"})},
		{ID: "e4", Type: event.TypeUserMessage, Seq: 4, Timestamp: base + 10_000,
			Payload: event.MustMarshalPayload(&event.MessagePayload{Content: "still there?"})},
	}

	r := NewReplayer("conv-1", engine.Options{})
	require.NoError(t, r.ApplyAll(events))

	snap := r.Snapshot()
	require.Len(t, snap.Timeline, 4)
	assert.Equal(t, timeline.EntryGap, snap.Timeline[1].Kind)
	assert.Equal(t, uint64(1), r.Engine().Gaps())
}

func TestFollower_ReadNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	f := NewFollower(path, nil)

	events, err := f.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, events)

	// Append one full line and one partial line.
	full, _ := json.Marshal(logEvents()[0])
	partial := []byte(`{"id":"e2","type":"act","seq":2`)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.Write(append(append(full, '\n'), partial...))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	events, err = f.ReadNew()
	require.NoError(t, err)
	require.Len(t, events, 1, "partial line must be held back")
	assert.Equal(t, "e1", events[0].ID)

	// Complete the partial line.
	file, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.Write([]byte(",\"ts\":1700000000100,\"correlation_id\":\"tc-1\",\"payload\":{\"tool\":\"ls\"}}\n"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	events, err = f.ReadNew()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].ID)
	assert.Equal(t, event.TypeAct, events[0].Type)
}

func TestFollower_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := "garbage\n{\"id\":\"e1\",\"type\":\"user_message\",\"seq\":1,\"ts\":1}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	f := NewFollower(path, nil)
	events, err := f.ReadNew()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].ID)
}
