package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalPreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"text","data":"hello","vendorField":{"x":1},"another":"y"}`)

	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))

	assert.Equal(t, TypeText, ev.Type)
	assert.Equal(t, "hello", ev.Data)
	require.Len(t, ev.Extra, 2)
	assert.JSONEq(t, `{"x":1}`, string(ev.Extra["vendorField"]))
	assert.JSONEq(t, `"y"`, string(ev.Extra["another"]))
}

func TestMarshalRoundTripsExtra(t *testing.T) {
	raw := []byte(`{"type":"tool_use","tool":"bash","toolUseId":"tu-1","vendor":"v"}`)

	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))

	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "tool_use", m["type"])
	assert.Equal(t, "bash", m["tool"])
	assert.Equal(t, "v", m["vendor"])
}

func TestMarshalContractFieldsWinCollisions(t *testing.T) {
	ev := Event{Type: TypeResult, Result: "final"}
	ev.Extra = map[string]json.RawMessage{"result": json.RawMessage(`"stale"`)}

	out, err := json.Marshal(ev)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "final", m["result"])
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, TypeRequestID, RequestID("e1").Type)
	assert.Equal(t, "e1", RequestID("e1").Data)

	ev := ToolUse("bash", "tu-1", json.RawMessage(`{"command":"ls"}`))
	assert.Equal(t, "bash", ev.Tool)
	assert.Equal(t, "tu-1", ev.ToolUseID)

	done := Done("bye", true)
	assert.Equal(t, TypeDone, done.Type)
	assert.True(t, done.Aborted)
}
