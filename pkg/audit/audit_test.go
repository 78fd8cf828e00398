package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	ctx := WithActor(context.Background(), "agent-7")
	err := l.Record(ctx, EventMutation, "decision.admit", "evt-1", map[string]any{"sequence": 3})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &event))
	assert.Equal(t, "agent-7", event.ActorID)
	assert.Equal(t, EventMutation, event.Type)
	assert.Equal(t, "decision.admit", event.Action)
	assert.Equal(t, "evt-1", event.Resource)
	assert.NotEmpty(t, event.ID)
}

func TestActorDefaultsToSystem(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter(&buf)

	require.NoError(t, l.Record(context.Background(), EventSystem, "startup", "", nil))

	var event Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &event))
	assert.Equal(t, "system", event.ActorID)
}
