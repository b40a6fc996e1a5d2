package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-dev/crewd/pkg/events"
)

func TestNormalizeSystemInit(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init","session_id":"cli-abc"}`)
	p, err := Normalize(Claude, line)
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, events.TypeInit, p.Events[0].Type)
	assert.Equal(t, "cli-abc", p.Events[0].SessionID)
}

func TestNormalizeAssistantBlocks(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"thinking","thinking":"hmm"},
		{"type":"text","text":"hello"},
		{"type":"tool_use","id":"tu-1","name":"Read","input":{"path":"main.go"}}
	]}}`)
	p, err := Normalize(Claude, line)
	require.NoError(t, err)
	require.Len(t, p.Events, 3)

	assert.Equal(t, events.TypeThinking, p.Events[0].Type)
	assert.Equal(t, "hmm", p.Events[0].Data)

	assert.Equal(t, events.TypeText, p.Events[1].Type)
	assert.Equal(t, "hello", p.Events[1].Data)

	assert.Equal(t, events.TypeToolUse, p.Events[2].Type)
	assert.Equal(t, "Read", p.Events[2].Tool)
	assert.Equal(t, "tu-1", p.Events[2].ToolUseID)
	assert.JSONEq(t, `{"path":"main.go"}`, string(p.Events[2].ToolInput))
}

func TestNormalizeToolResultStringAndBlocks(t *testing.T) {
	str := []byte(`{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu-1","content":"file body"}
	]}}`)
	p, err := Normalize(Claude, str)
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, events.TypeToolResult, p.Events[0].Type)
	assert.Equal(t, "tu-1", p.Events[0].ToolUseID)
	assert.Equal(t, "file body", p.Events[0].ToolOutput)

	blocks := []byte(`{"type":"user","message":{"role":"user","content":[
		{"type":"tool_result","tool_use_id":"tu-2","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}
	]}}`)
	p, err = Normalize(Claude, blocks)
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, "ab", p.Events[0].ToolOutput)
}

func TestNormalizeResult(t *testing.T) {
	line := []byte(`{"type":"result","subtype":"success","result":"all done",
		"total_cost_usd":0.042,"duration_ms":1234,
		"usage":{"input_tokens":100,"output_tokens":50,"cache_read_input_tokens":25}}`)
	p, err := Normalize(Claude, line)
	require.NoError(t, err)
	require.NotNil(t, p.Result)

	assert.Equal(t, "all done", p.Result.Text)
	assert.Equal(t, 0.042, p.Result.CostUSD)
	assert.Equal(t, int64(1234), p.Result.DurationMS)
	require.NotNil(t, p.Result.Usage)
	assert.Equal(t, int64(175), p.Result.Usage.TotalTokens)

	require.Len(t, p.Events, 1)
	assert.Equal(t, events.TypeResult, p.Events[0].Type)
	assert.Equal(t, "all done", p.Events[0].Result)
}

func TestNormalizeCostUSDTakesPrecedence(t *testing.T) {
	line := []byte(`{"type":"result","result":"ok","cost_usd":0.01,"total_cost_usd":0.02}`)
	p, err := Normalize(Claude, line)
	require.NoError(t, err)
	assert.Equal(t, 0.01, p.Result.CostUSD)
}

func TestNormalizeWaitingForAnswer(t *testing.T) {
	for _, line := range []string{
		`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool"}}`,
		`{"type":"waiting_for_answer"}`,
	} {
		p, err := Normalize(Claude, []byte(line))
		require.NoError(t, err)
		assert.True(t, p.WaitingForAnswer)
		assert.Empty(t, p.Events)
	}
}

func TestNormalizeUnknownTypePassthrough(t *testing.T) {
	line := []byte(`{"type":"telemetry_blip","payload":{"n":1}}`)
	p, err := Normalize(Claude, line)
	require.NoError(t, err)
	require.Len(t, p.Events, 1)

	ev := p.Events[0]
	assert.Equal(t, events.TypeUnknown, ev.Type)
	assert.Equal(t, "telemetry_blip", ev.Data)
	assert.Contains(t, ev.Extra, "payload")
}

func TestNormalizeMalformedLine(t *testing.T) {
	_, err := Normalize(Claude, []byte(`{"type": oops`))
	assert.Error(t, err)
}

func TestNormalizeCodexAgentMessage(t *testing.T) {
	line := []byte(`{"type":"item.completed","item":{"type":"agent_message","text":"answer"}}`)
	p, err := Normalize(Codex, line)
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, events.TypeText, p.Events[0].Type)
	assert.Equal(t, "answer", p.Events[0].Data)
}

func TestNormalizeCodexCommandExecution(t *testing.T) {
	line := []byte(`{"type":"item.completed","item":{"type":"command_execution","id":"item-7","command":"go vet ./...","aggregated_output":"ok","exit_code":0}}`)
	p, err := Normalize(Codex, line)
	require.NoError(t, err)
	require.Len(t, p.Events, 2)

	use, result := p.Events[0], p.Events[1]
	assert.Equal(t, events.TypeToolUse, use.Type)
	assert.Equal(t, "shell", use.Tool)
	assert.Equal(t, "item-7", use.ToolUseID)
	assert.JSONEq(t, `{"command":"go vet ./..."}`, string(use.ToolInput))

	assert.Equal(t, events.TypeToolResult, result.Type)
	assert.Equal(t, "item-7", result.ToolUseID)
	assert.Equal(t, "ok", result.ToolOutput)
}

func TestNormalizeCodexTurnCompleted(t *testing.T) {
	line := []byte(`{"type":"turn.completed","usage":{"input_tokens":200,"cached_input_tokens":50,"output_tokens":80}}`)
	p, err := Normalize(Codex, line)
	require.NoError(t, err)
	require.NotNil(t, p.Result)
	require.NotNil(t, p.Result.Usage)
	assert.Equal(t, int64(200), p.Result.Usage.InputTokens)
	assert.Equal(t, int64(50), p.Result.Usage.CacheReadTokens)
	assert.Equal(t, int64(280), p.Result.Usage.TotalTokens)
}

func TestNormalizeCodexLifecycleLinesIgnored(t *testing.T) {
	for _, line := range []string{
		`{"type":"thread.started"}`,
		`{"type":"turn.started"}`,
		`{"type":"item.started","item":{"type":"command_execution"}}`,
	} {
		p, err := Normalize(Codex, []byte(line))
		require.NoError(t, err)
		assert.Empty(t, p.Events)
		assert.Nil(t, p.Result)
	}
}

func TestNormalizeCodexTurnFailed(t *testing.T) {
	p, err := Normalize(Codex, []byte(`{"type":"turn.failed","error":{"message":"boom"}}`))
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, events.TypeError, p.Events[0].Type)
}
