package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-dev/crewd/internal/common/config"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/expertise"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/internal/supervisor"
	"github.com/crew-dev/crewd/pkg/events"
)

// writeFakeBinary drops an executable shell script standing in for a CLI.
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newTestSpawner(t *testing.T, binary string) (*Spawner, *session.Store) {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), logger.Default())
	require.NoError(t, err)

	sup := supervisor.New(supervisor.Config{GracefulGrace: 100 * time.Millisecond}, logger.Default())
	providers := config.ProvidersConfig{Claude: config.ProviderConfig{Binary: binary}}
	return NewSpawner(sup, store, providers, 10*time.Second, 500, logger.Default()), store
}

func TestSpawnFullLifecycle(t *testing.T) {
	binary := writeFakeBinary(t, `
printf '%s\n' '{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read","input":{}}]}}'
printf '%s\n' '{"type":"result","result":"scouted the handler","usage":{"input_tokens":10,"output_tokens":5}}'
`)
	s, store := newTestSpawner(t, binary)
	sess, err := store.Create(session.CreateOptions{Name: "orchestrated"})
	require.NoError(t, err)

	var got []events.Event
	outcome := s.Spawn(context.Background(), SpawnRequest{
		Role:       "scout",
		TaskPrompt: "find the handler",
		SessionID:  sess.ID,
		ToolUseID:  "task-1",
	}, func(ev events.Event) { got = append(got, ev) })

	require.True(t, outcome.Success, "reason: %s", outcome.Reason)
	assert.Equal(t, "scouted the handler", outcome.Output)
	assert.Equal(t, 1, outcome.Metrics.ToolCalls)
	assert.Equal(t, int64(15), outcome.Metrics.TokensUsed)

	// The Task tool_use roots the subtree; every later event links back to it.
	require.NotEmpty(t, got)
	root := got[0]
	assert.Equal(t, events.TypeToolUse, root.Type)
	assert.Equal(t, "Task", root.Tool)
	assert.Equal(t, "task-1", root.ToolUseID)
	assert.Contains(t, string(root.ToolInput), "find the handler")

	var lifecycle []string
	for _, ev := range got[1:] {
		assert.Equal(t, "task-1", ev.ParentToolUseID)
		if ev.Type == events.TypeAgentEvent {
			lifecycle = append(lifecycle, ev.Event)
		}
	}
	assert.Equal(t, []string{events.AgentSpawned, events.AgentStarted, events.AgentCompleted}, lifecycle)

	// The durable record settled as completed.
	persisted, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Agents, 1)
	assert.Equal(t, session.AgentCompleted, persisted.Agents[0].Status)
	assert.Equal(t, "scouted the handler", persisted.Agents[0].Result)
	assert.Equal(t, "task-1", persisted.Agents[0].ToolUseID)
}

func TestSpawnExitWithoutResultFails(t *testing.T) {
	binary := writeFakeBinary(t, `exit 0`)
	s, store := newTestSpawner(t, binary)
	sess, err := store.Create(session.CreateOptions{})
	require.NoError(t, err)

	outcome := s.Spawn(context.Background(), SpawnRequest{
		Role: "builder", TaskPrompt: "do it", SessionID: sess.ID, ToolUseID: "task-2",
	}, func(events.Event) {})

	assert.False(t, outcome.Success)
	assert.Equal(t, "cli exited without a result", outcome.Reason)

	persisted, err := store.Get(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Agents, 1)
	assert.Equal(t, session.AgentFailed, persisted.Agents[0].Status)
}

func TestSpawnRefusesNestedAgents(t *testing.T) {
	s, _ := newTestSpawner(t, "/bin/false")

	var got []events.Event
	outcome := s.Spawn(context.Background(), SpawnRequest{
		Role: "builder", Depth: 1,
	}, func(ev events.Event) { got = append(got, ev) })

	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Reason, "nested agents")
	require.Len(t, got, 2)
	assert.Equal(t, events.TypeToolUse, got[0].Type)
	assert.Equal(t, events.AgentFailed, got[1].Event)
}

func TestEnrichPrompt(t *testing.T) {
	s, _ := newTestSpawner(t, "/bin/false")

	p := s.enrichPrompt(SpawnRequest{
		Role:       "scout",
		TaskPrompt: "map the storage layer",
		Pack: &expertise.Pack{
			Domain:     "database",
			Confidence: 0.9,
			Patterns:   []string{"queries go through sqlx"},
		},
	})
	assert.Contains(t, p, "You are a scout agent.")
	assert.Contains(t, p, "Domain expertise (database, confidence 0.90)")
	assert.Contains(t, p, "map the storage layer")
	assert.Contains(t, p, summaryInstruction)

	// Expert domains without a fixed preamble get the generic one.
	p = s.enrichPrompt(SpawnRequest{Role: "database", TaskPrompt: "t"})
	assert.Contains(t, p, "You are a domain expert agent for database.")
}
