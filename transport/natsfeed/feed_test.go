package natsfeed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s1366560/agentline/event"
)

func TestConversationFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"agent.events.conv-42", "conv-42"},
		{"agent.events.team-a.conv-1", "conv-1"},
		{"conv-only", ""},
		{"agent.events.", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ConversationFromSubject(tt.subject), "subject %q", tt.subject)
	}
}

func TestDecodeEvent(t *testing.T) {
	data := []byte(`{
		"id": "e1",
		"type": "user_message",
		"seq": 1,
		"ts": 1700000000000,
		"payload": {"content": "hello"}
	}`)

	ev, err := DecodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "e1", ev.ID)
	assert.Equal(t, event.TypeUserMessage, ev.Type)
	assert.Equal(t, uint64(1), ev.Seq)

	payload, err := event.Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, "hello", payload.(*event.MessagePayload).Content)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed JSON", `{"id": "e1",`},
		{"missing type", `{"id": "e1", "seq": 1, "ts": 1}`},
		{"missing seq", `{"id": "e1", "type": "user_message", "ts": 1}`},
		{"missing id", `{"type": "user_message", "seq": 1, "ts": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
