package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/config"
	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/expertise"
	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/internal/supervisor"
	"github.com/crew-dev/crewd/internal/telemetry"
	"github.com/crew-dev/crewd/pkg/events"
)

// rolePreambles are the fixed per-role prompt prefixes.
var rolePreambles = map[string]string{
	"builder":  "You are a builder agent. Implement the requested change directly and report what you changed.",
	"scout":    "You are a scout agent. Explore the codebase, locate the relevant files, and report findings. Do not modify anything.",
	"reviewer": "You are a reviewer agent. Review the relevant code for defects and risks. Do not modify anything.",
	"planner":  "You are a planner agent. Produce a step-by-step plan for the task. Do not modify anything.",
	"architect": "You are an architect agent. Assess the structural impact of the task and propose the design. " +
		"Do not modify anything.",
}

// expertPreamble is used for expert-domain roles that have no fixed preamble.
const expertPreamble = "You are a domain expert agent for %s. Apply your domain knowledge to the task and report concisely."

// summaryInstruction asks the sub-agent to keep its own output short; the
// spawner additionally truncates post-hoc.
const summaryInstruction = "End with a concise summary of your findings or changes, at most a few paragraphs."

// SpawnRequest describes one sub-agent to run.
type SpawnRequest struct {
	Role       string
	TaskPrompt string
	SessionID  string
	WorkDir    string
	Provider   provider.Provider
	Pack       *expertise.Pack
	// ToolUseID links the agent's events to the Task-style tool_use that
	// announced it.
	ToolUseID string
	// Depth is 0 for agents spawned by the orchestrator. Nested CLIs may
	// not spawn further agents.
	Depth int
}

// AgentMetrics aggregates one agent's resource footprint.
type AgentMetrics struct {
	ToolCalls  int   `json:"toolCalls"`
	DurationMS int64 `json:"durationMs"`
	TokensUsed int64 `json:"tokensUsed"`
}

// AgentOutcome is the settled result of one spawn.
type AgentOutcome struct {
	AgentID string       `json:"agentId"`
	Role    string       `json:"role"`
	Output  string       `json:"output"`
	Success bool         `json:"success"`
	Reason  string       `json:"reason,omitempty"`
	Metrics AgentMetrics `json:"metrics"`
}

// Spawner runs sub-agents as nested CLI invocations.
type Spawner struct {
	sup       *supervisor.Supervisor
	store     *session.Store
	providers config.ProvidersConfig
	softCap   time.Duration
	// summaryCap bounds the returned output, in tokens.
	summaryCap int
	logger     *logger.Logger
}

// NewSpawner creates a sub-agent spawner.
func NewSpawner(sup *supervisor.Supervisor, store *session.Store, providers config.ProvidersConfig, softCap time.Duration, summaryCapTokens int, log *logger.Logger) *Spawner {
	if softCap <= 0 {
		softCap = 90 * time.Second
	}
	if summaryCapTokens <= 0 {
		summaryCapTokens = 500
	}
	return &Spawner{
		sup:        sup,
		store:      store,
		providers:  providers,
		softCap:    softCap,
		summaryCap: summaryCapTokens,
		logger:     log.WithFields(zap.String("component", "spawner")),
	}
}

func (s *Spawner) providerConfig(p provider.Provider) config.ProviderConfig {
	switch p {
	case provider.Codex:
		return s.providers.Codex
	case provider.Gemini:
		return s.providers.Gemini
	default:
		return s.providers.Claude
	}
}

// Spawn runs one sub-agent to completion. All events are forwarded to the
// sink tagged with the agent id and the parent tool_use id. Spawn never
// returns an error: failures settle into the outcome.
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest, sink supervisor.Sink) AgentOutcome {
	agentID := uuid.New().String()
	outcome := AgentOutcome{AgentID: agentID, Role: req.Role}

	ctx, span := telemetry.Tracer("spawner").Start(ctx, "sub-agent",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("agent.role", req.Role),
		))
	defer span.End()

	// The Task tool_use anchors the agent's event subtree: every subsequent
	// event carries its id as parentToolUseId.
	input, _ := json.Marshal(map[string]string{"role": req.Role, "task": req.TaskPrompt})
	sink(events.ToolUse("Task", req.ToolUseID, input))

	if req.Depth > 0 {
		outcome.Reason = "nested agents may not spawn further agents"
		s.emitLifecycle(sink, events.AgentFailed, agentID, req, 0, outcome.Reason)
		return outcome
	}

	now := time.Now().UTC()
	record := session.PersistedAgent{
		ID:        agentID,
		Type:      req.Role,
		Task:      req.TaskPrompt,
		Status:    session.AgentPending,
		CreatedAt: now,
		ToolUseID: req.ToolUseID,
	}
	s.persistAgent(req.SessionID, record)
	s.emitLifecycle(sink, events.AgentSpawned, agentID, req, 0, "")

	inv := provider.BuildInvocation(req.Provider, s.providerConfig(req.Provider).Binary,
		s.providerConfig(req.Provider).ExtraArgs, provider.PromptBundle{
			Prompt:            s.enrichPrompt(req),
			SessionID:         req.SessionID,
			WorkDir:           req.WorkDir,
			BypassPermissions: true,
		})

	runCtx, cancel := context.WithTimeout(ctx, s.softCap)
	defer cancel()

	started := time.Now()
	proc, err := s.sup.Start(runCtx, req.Provider, inv)
	if err != nil {
		outcome.Reason = err.Error()
		record.Status = session.AgentFailed
		record.Error = outcome.Reason
		s.persistAgent(req.SessionID, record)
		s.emitLifecycle(sink, events.AgentFailed, agentID, req, 0, outcome.Reason)
		return outcome
	}

	record.Status = session.AgentActive
	record.StartedAt = &started
	s.persistAgent(req.SessionID, record)
	s.emitLifecycle(sink, events.AgentStarted, agentID, req, 0, "")

	var output strings.Builder
	res := proc.Wait(runCtx, func(ev events.Event) {
		ev.AgentID = agentID
		ev.ParentToolUseID = req.ToolUseID
		switch ev.Type {
		case events.TypeToolUse:
			outcome.Metrics.ToolCalls++
		case events.TypeText:
			output.WriteString(ev.Data)
		}
		sink(ev)
	})

	outcome.Metrics.DurationMS = time.Since(started).Milliseconds()
	if res.Result != nil {
		if res.Result.Text != "" {
			output.Reset()
			output.WriteString(res.Result.Text)
		}
		if res.Result.Usage != nil {
			outcome.Metrics.TokensUsed = res.Result.Usage.TotalTokens
		}
	}
	outcome.Output = truncateTokens(output.String(), s.summaryCap)

	completed := time.Now().UTC()
	record.CompletedAt = &completed
	record.TokensUsed = outcome.Metrics.TokensUsed
	record.Result = outcome.Output

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		outcome.Reason = "timeout"
	case res.Err != nil:
		outcome.Reason = apperrors.Wrap(res.Err, "sub-agent failed").Error()
	case !res.ResultSeen:
		outcome.Reason = "cli exited without a result"
	default:
		outcome.Success = true
	}

	if outcome.Success {
		record.Status = session.AgentCompleted
		s.persistAgent(req.SessionID, record)
		ev := events.AgentEvent(events.AgentCompleted, agentID, req.Role, req.TaskPrompt)
		ev.ParentToolUseID = req.ToolUseID
		ev.Result = outcome.Output
		ev.ToolCalls = outcome.Metrics.ToolCalls
		ev.DurationMS = outcome.Metrics.DurationMS
		sink(ev)
	} else {
		record.Status = session.AgentFailed
		record.Error = outcome.Reason
		s.persistAgent(req.SessionID, record)
		s.emitLifecycle(sink, events.AgentFailed, agentID, req, outcome.Metrics.DurationMS, outcome.Reason)
	}

	s.logger.Info("sub-agent settled",
		zap.String("agent_id", agentID),
		zap.String("role", req.Role),
		zap.Bool("success", outcome.Success),
		zap.String("reason", outcome.Reason))
	return outcome
}

func (s *Spawner) emitLifecycle(sink supervisor.Sink, subEvent, agentID string, req SpawnRequest, durationMS int64, errMsg string) {
	ev := events.AgentEvent(subEvent, agentID, req.Role, req.TaskPrompt)
	ev.ParentToolUseID = req.ToolUseID
	ev.DurationMS = durationMS
	ev.Error = errMsg
	sink(ev)
}

func (s *Spawner) persistAgent(sessionID string, record session.PersistedAgent) {
	if err := s.store.AppendAgent(sessionID, record); err != nil {
		s.logger.Warn("failed to persist agent record",
			zap.String("agent_id", record.ID),
			zap.Error(err))
	}
}

// enrichPrompt assembles preamble, expertise context, and the task.
func (s *Spawner) enrichPrompt(req SpawnRequest) string {
	var b strings.Builder
	if pre, ok := rolePreambles[req.Role]; ok {
		b.WriteString(pre)
	} else {
		fmt.Fprintf(&b, expertPreamble, req.Role)
	}
	b.WriteString("\n\n")
	if req.Pack != nil {
		b.WriteString(req.Pack.PromptSection())
		b.WriteString("\n")
	}
	b.WriteString(req.TaskPrompt)
	b.WriteString("\n\n")
	b.WriteString(summaryInstruction)
	return b.String()
}

// truncateTokens caps text to roughly capTokens worth of bytes.
func truncateTokens(text string, capTokens int) string {
	limit := capTokens * 4
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "…"
}
