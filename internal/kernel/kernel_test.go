package kernel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-dev/crewd/internal/common/config"
	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/execution"
	"github.com/crew-dev/crewd/internal/execution/bus"
	"github.com/crew-dev/crewd/internal/memory"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/internal/supervisor"
	"github.com/crew-dev/crewd/pkg/events"
)

// writeFakeCLI drops an executable shell script standing in for a CLI.
func writeFakeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testKernelConfig(t *testing.T, binary string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Store.ScratchDir = t.TempDir()
	cfg.Providers.Default = "claude"
	cfg.Providers.Claude.Binary = binary
	cfg.Providers.Codex.Binary = binary
	cfg.Limits.MaxContinueIterations = 1
	cfg.Context.MaxTokens = 200000
	cfg.Context.WarningThreshold = 0.70
	cfg.Context.CriticalThreshold = 0.85
	cfg.Context.EmergencyThreshold = 0.95
	cfg.Context.CompactionTarget = 0.60
	return cfg
}

func newTestKernel(t *testing.T, cfg *config.Config, mem memory.Collaborator) (*Kernel, *session.Store) {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), logger.Default())
	require.NoError(t, err)
	registry := execution.NewRegistry(execution.RegistryConfig{
		MaxActive:     4,
		TTL:           time.Minute,
		SweepInterval: time.Minute,
		RingSize:      64,
		QueueDepth:    64,
	}, logger.Default())
	sup := supervisor.New(supervisor.Config{GracefulGrace: 100 * time.Millisecond}, logger.Default())
	broadcaster := bus.NewMemoryBroadcaster(logger.Default())
	return New(cfg, store, registry, sup, nil, broadcaster, nil, mem, logger.Default()), store
}

// drain consumes the execution stream until the terminal event closes it.
func drain(exec *execution.Execution) []events.Event {
	var got []events.Event
	sub := exec.Stream.Subscribe()
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	return got
}

func TestStatusForAbort(t *testing.T) {
	tests := []struct {
		name   string
		reason error
		want   execution.Status
	}{
		{"user abort", nil, execution.StatusAborted},
		{"deadline", apperrors.New(apperrors.KindTimedOut, "ttl"), execution.StatusTimedOut},
		{"stall", apperrors.New(apperrors.KindStalled, "no output"), execution.StatusFailed},
		{"corrupt stream", apperrors.New(apperrors.KindProtocolError, "bad frames"), execution.StatusFailed},
		{"other", apperrors.New(apperrors.KindInternal, "x"), execution.StatusAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForAbort(tt.reason))
		})
	}
}

func TestRunStateObserve(t *testing.T) {
	st := &runState{openTools: make(map[string]struct{})}

	st.observe(events.ToolUse("Read", "t1", nil))
	st.observe(events.ToolUse("Read", "t2", nil))
	st.observe(events.ToolUse("Bash", "t3", nil))
	st.observe(events.ToolResult("Read", "t1", "ok"))

	assert.Equal(t, []string{"Read", "Bash"}, st.toolsUsed)
	assert.Len(t, st.openTools, 2)
	assert.Contains(t, st.openTools, "t2")
	assert.Len(t, st.trace, 4)
}

func TestAppendUnique(t *testing.T) {
	list := appendUnique(nil, "a")
	list = appendUnique(list, "b")
	list = appendUnique(list, "a")
	list = appendUnique(list, "")
	assert.Equal(t, []string{"a", "b"}, list)
}

func TestWorkDirFallback(t *testing.T) {
	sess := &session.Session{WorkDir: "/sessions/dir"}
	assert.Equal(t, "/req/dir", workDir(ExecuteRequest{WorkDir: "/req/dir"}, sess))
	assert.Equal(t, "/sessions/dir", workDir(ExecuteRequest{}, sess))
}

func TestDirectRunBackfillsTextOnlyResult(t *testing.T) {
	// Codex streams the reply as agent_message deltas and closes the turn
	// with a textless result.
	binary := writeFakeCLI(t, `
printf '%s\n' '{"type":"item.completed","item":{"type":"agent_message","text":"4"}}'
printf '%s\n' '{"type":"turn.completed","usage":{"input_tokens":3,"output_tokens":1}}'
`)
	cfg := testKernelConfig(t, binary)
	cfg.Providers.Default = "codex"
	k, store := newTestKernel(t, cfg, nil)

	exec, err := k.Execute(context.Background(), ExecuteRequest{Prompt: "What is 2+2?"})
	require.NoError(t, err)

	var resultText string
	for _, ev := range drain(exec) {
		if ev.Type == events.TypeResult {
			resultText = ev.Result
		}
	}
	assert.Equal(t, "4", resultText)

	sess, err := store.Get(exec.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)
	assert.Equal(t, "4", sess.Messages[1].Content)
}

type memoryStub struct {
	mu        sync.Mutex
	queries   []string
	extracted [][]session.Message
}

func (m *memoryStub) Inject(_ context.Context, query, _ string) (memory.Injection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, query)
	return memory.Injection{Context: "Known fact: deploys run from main."}, nil
}

func (m *memoryStub) Extract(_ context.Context, msgs []session.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extracted = append(m.extracted, msgs)
	return nil
}

func TestOrchestrateModeEnrichesPromptAndExtracts(t *testing.T) {
	promptFile := filepath.Join(t.TempDir(), "prompt.txt")
	// claude receives the prompt as the -p value, argv position two.
	binary := writeFakeCLI(t, `
printf '%s' "$2" > `+promptFile+`
printf '%s\n' '{"type":"result","result":"ok"}'
`)
	mem := &memoryStub{}
	k, store := newTestKernel(t, testKernelConfig(t, binary), mem)

	exec, err := k.Execute(context.Background(), ExecuteRequest{
		Prompt: "ship the release",
		Modes:  session.Modes{Orchestrate: true},
	})
	require.NoError(t, err)
	drain(exec)

	sent, err := os.ReadFile(promptFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sent), "Known fact: deploys run from main."))
	assert.Contains(t, string(sent), "ship the release")

	// The persisted user turn stays verbatim.
	sess, err := store.Get(exec.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, sess.Messages)
	assert.Equal(t, "ship the release", sess.Messages[0].Content)

	// The final transcript reached the memory subsystem.
	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Equal(t, []string{"ship the release"}, mem.queries)
	require.NotEmpty(t, mem.extracted)
	last := mem.extracted[len(mem.extracted)-1]
	require.NotEmpty(t, last)
	assert.Equal(t, session.RoleAssistant, last[len(last)-1].Role)
}

func TestInitialTokens(t *testing.T) {
	sess := &session.Session{Messages: []session.Message{
		{Content: "0123456789012345"},
		{Content: "01234567"},
	}}
	assert.Equal(t, int64(6), initialTokens(sess))
	assert.Zero(t, initialTokens(&session.Session{}))
}
