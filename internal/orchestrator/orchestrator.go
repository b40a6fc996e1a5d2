// Package orchestrator implements the lead-orchestration path: classify the
// prompt, fan work out to sub-agents under a concurrency cap, and synthesize
// a single reply from their outcomes.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/crew-dev/crewd/internal/classifier"
	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/expertise"
	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/internal/supervisor"
	"github.com/crew-dev/crewd/pkg/events"
)

// rolePriority orders plan candidates. Expert domains rank highest and are
// handled separately; lower is sooner.
var rolePriority = map[string]int{
	"scout":     1,
	"architect": 2,
	"builder":   3,
	"reviewer":  4,
}

const otherPriority = 5

// maxPlannedAgents caps one orchestration's plan size. The concurrency limit
// bounds how many of the planned agents run at once.
const maxPlannedAgents = 4

// Orchestrator plans and runs sub-agent fan-outs.
type Orchestrator struct {
	spawner       *Spawner
	experts       *expertise.Loader
	maxConcurrent int
	logger        *logger.Logger
}

// New creates a lead orchestrator.
func New(spawner *Spawner, experts *expertise.Loader, maxConcurrent int, log *logger.Logger) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Orchestrator{
		spawner:       spawner,
		experts:       experts,
		maxConcurrent: maxConcurrent,
		logger:        log.WithFields(zap.String("component", "orchestrator")),
	}
}

// Request is one orchestrated execution.
type Request struct {
	Prompt    string
	SessionID string
	WorkDir   string
	Provider  provider.Provider
}

// Run executes the full orchestration and returns the synthesized reply.
// Events are emitted on the sink as the run progresses.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink supervisor.Sink) (string, error) {
	c := classifier.Classify(req.Prompt, o.experts.Domains())
	sink(events.Classified(c))

	if !c.RequiresDelegation {
		sink(events.Completed(map[string]any{"agentsUsed": 0}))
		return inlineResponse(c), nil
	}

	plan := o.plan(c)
	sink(events.Executing())
	o.logger.Info("orchestration plan",
		zap.String("session_id", req.SessionID),
		zap.Int("score", c.ComplexityScore),
		zap.Strings("roles", plan))

	outcomes := o.fanOut(ctx, req, plan, sink)

	failures := 0
	for _, out := range outcomes {
		if !out.Success {
			failures++
			sink(events.Error(apperrors.Newf(apperrors.KindSubAgentFailure,
				"agent %s (%s) failed: %s", out.AgentID, out.Role, out.Reason).Error()))
		}
	}
	sink(events.Completed(map[string]any{
		"agentsUsed": len(outcomes),
		"failed":     failures,
	}))

	if len(outcomes) > 0 && failures == len(outcomes) {
		return "", apperrors.Newf(apperrors.KindSubAgentFailure, "all %d sub-agents failed", failures)
	}
	return synthesize(c, outcomes), nil
}

// plan picks up to maxPlannedAgents roles from experts and suggested agents,
// expert matches first, deduplicated.
func (o *Orchestrator) plan(c classifier.Classification) []string {
	type candidate struct {
		role string
		prio int
	}
	var cands []candidate
	for _, expert := range c.SuggestedExperts {
		cands = append(cands, candidate{expert, 0})
	}
	for _, agent := range c.SuggestedAgents {
		prio, ok := rolePriority[agent]
		if !ok {
			prio = otherPriority
		}
		cands = append(cands, candidate{agent, prio})
	}

	// Stable insertion sort by priority keeps equal-priority candidates in
	// suggestion order.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].prio < cands[j-1].prio; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}

	seen := make(map[string]struct{})
	var plan []string
	for _, cand := range cands {
		if _, ok := seen[cand.role]; ok {
			continue
		}
		seen[cand.role] = struct{}{}
		plan = append(plan, cand.role)
		if len(plan) == maxPlannedAgents {
			break
		}
	}
	return plan
}

// fanOut launches every planned agent in parallel, at most maxConcurrent at
// a time, and collects all outcomes. One agent failing never cancels the
// others.
func (o *Orchestrator) fanOut(ctx context.Context, req Request, plan []string, sink supervisor.Sink) []AgentOutcome {
	sem := semaphore.NewWeighted(int64(o.maxConcurrent))
	outcomes := make([]AgentOutcome, len(plan))

	var g errgroup.Group
	for i, role := range plan {
		i, role := i, role
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes[i] = AgentOutcome{Role: role, Reason: "aborted before start"}
				return nil
			}
			defer sem.Release(1)

			var pack *expertise.Pack
			if p, err := o.experts.Load(role); err != nil {
				o.logger.Warn("failed to load expertise pack",
					zap.String("domain", role), zap.Error(err))
			} else {
				pack = p
			}

			outcomes[i] = o.spawner.Spawn(ctx, SpawnRequest{
				Role:       role,
				TaskPrompt: req.Prompt,
				SessionID:  req.SessionID,
				WorkDir:    req.WorkDir,
				Provider:   req.Provider,
				Pack:       pack,
				ToolUseID:  "task-" + uuid.New().String(),
			}, sink)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// inlineResponse is the direct reply for prompts under the delegation
// threshold.
func inlineResponse(c classifier.Classification) string {
	return fmt.Sprintf("Low complexity (score %d), handled inline without sub-agents. %s",
		c.ComplexityScore, c.Reasoning)
}

// synthesize renders the orchestration outcome as a Markdown document.
func synthesize(c classifier.Classification, outcomes []AgentOutcome) string {
	var totalTools int
	var totalDuration, totalTokens int64
	var failed []AgentOutcome
	for _, out := range outcomes {
		totalTools += out.Metrics.ToolCalls
		totalDuration += out.Metrics.DurationMS
		totalTokens += out.Metrics.TokensUsed
		if !out.Success {
			failed = append(failed, out)
		}
	}

	var b strings.Builder
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "Ran %d agents (%d succeeded) for a complexity score of %d.\n",
		len(outcomes), len(outcomes)-len(failed), c.ComplexityScore)
	if len(c.Domains) > 0 {
		fmt.Fprintf(&b, "Domains: %s.\n", strings.Join(c.Domains, ", "))
	}

	b.WriteString("\n## Per-Agent Results\n")
	for _, out := range outcomes {
		fmt.Fprintf(&b, "\n### %s\n\n", out.Role)
		if out.Success {
			b.WriteString(out.Output)
			b.WriteString("\n")
		} else {
			fmt.Fprintf(&b, "Failed: %s\n", out.Reason)
		}
	}

	b.WriteString("\n## Metrics\n\n")
	fmt.Fprintf(&b, "- Tool calls: %d\n", totalTools)
	fmt.Fprintf(&b, "- Total duration: %s\n", time.Duration(totalDuration)*time.Millisecond)
	fmt.Fprintf(&b, "- Tokens used: %d\n", totalTokens)

	if len(failed) > 0 {
		b.WriteString("\n## Failures\n\n")
		for _, out := range failed {
			fmt.Fprintf(&b, "- %s: %s\n", out.Role, out.Reason)
		}
	}
	return b.String()
}
