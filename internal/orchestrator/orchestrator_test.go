package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crew-dev/crewd/internal/classifier"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/expertise"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/pkg/events"
)

func newTestOrchestrator(maxConcurrent int) *Orchestrator {
	return New(nil, expertise.NewLoader("", logger.Default()), maxConcurrent, logger.Default())
}

func TestPlanExpertsFirstDeduplicated(t *testing.T) {
	o := newTestOrchestrator(4)
	plan := o.plan(classifier.Classification{
		SuggestedExperts: []string{"database", "backend"},
		SuggestedAgents:  []string{"builder", "scout", "reviewer", "database"},
	})
	assert.Equal(t, []string{"database", "backend", "scout", "builder"}, plan)
}

func TestPlanCapsAtFourRegardlessOfConcurrency(t *testing.T) {
	o := newTestOrchestrator(2)
	plan := o.plan(classifier.Classification{
		SuggestedExperts: []string{"security"},
		SuggestedAgents:  []string{"builder", "scout", "reviewer", "planner"},
	})
	assert.Equal(t, []string{"security", "scout", "builder", "reviewer"}, plan)
}

func TestFanOutBoundsConcurrencyAndSettlesAll(t *testing.T) {
	binary := writeFakeBinary(t, `printf '%s\n' '{"type":"result","result":"ok"}'`)
	sp, store := newTestSpawner(t, binary)
	sess, err := store.Create(session.CreateOptions{})
	require.NoError(t, err)

	// One permit forces the planned agents through the semaphore one at a
	// time; all of them must still settle.
	o := New(sp, expertise.NewLoader("", logger.Default()), 1, logger.Default())
	outcomes := o.fanOut(context.Background(), Request{
		Prompt:    "check the build",
		SessionID: sess.ID,
	}, []string{"scout", "builder", "reviewer"}, func(events.Event) {})

	require.Len(t, outcomes, 3)
	for _, out := range outcomes {
		assert.True(t, out.Success, "%s: %s", out.Role, out.Reason)
	}
}

func TestPlanUnknownRolesSortLast(t *testing.T) {
	o := newTestOrchestrator(8)
	plan := o.plan(classifier.Classification{
		SuggestedAgents: []string{"builder", "scout", "reviewer", "planner"},
	})
	assert.Equal(t, []string{"scout", "builder", "reviewer", "planner"}, plan)
}

func TestInlineResponseNamesScore(t *testing.T) {
	got := inlineResponse(classifier.Classification{ComplexityScore: 12, Reasoning: "no heavy signals"})
	assert.Contains(t, got, "score 12")
	assert.Contains(t, got, "no heavy signals")
}

func TestSynthesizeSectionsAndTotals(t *testing.T) {
	out := synthesize(classifier.Classification{
		ComplexityScore: 64,
		Domains:         []string{"backend", "database"},
	}, []AgentOutcome{
		{
			Role: "scout", Success: true, Output: "found the handler in internal/api",
			Metrics: AgentMetrics{ToolCalls: 3, DurationMS: 1500, TokensUsed: 120},
		},
		{
			Role: "builder", Reason: "timeout",
			Metrics: AgentMetrics{ToolCalls: 7, DurationMS: 90000, TokensUsed: 400},
		},
	})

	assert.Contains(t, out, "## Summary")
	assert.Contains(t, out, "Ran 2 agents (1 succeeded) for a complexity score of 64.")
	assert.Contains(t, out, "Domains: backend, database.")

	assert.Contains(t, out, "## Per-Agent Results")
	assert.Contains(t, out, "### scout")
	assert.Contains(t, out, "found the handler in internal/api")
	assert.Contains(t, out, "### builder")
	assert.Contains(t, out, "Failed: timeout")

	assert.Contains(t, out, "## Metrics")
	assert.Contains(t, out, "- Tool calls: 10")
	assert.Contains(t, out, "- Tokens used: 520")

	assert.Contains(t, out, "## Failures")
	assert.Contains(t, out, "- builder: timeout")
}

func TestSynthesizeNoFailureSectionWhenClean(t *testing.T) {
	out := synthesize(classifier.Classification{}, []AgentOutcome{
		{Role: "builder", Success: true, Output: "done"},
	})
	assert.NotContains(t, out, "## Failures")
}

func TestTruncateTokens(t *testing.T) {
	text := strings.Repeat("a", 100)
	assert.Equal(t, text, truncateTokens(text, 25))
	assert.Equal(t, strings.Repeat("a", 80)+"…", truncateTokens(text, 20))
}
