// Package kernel drives executions end to end: admit, persist the user turn,
// run the CLI (directly or through the lead orchestrator), stream events,
// and apply the terminal side effects.
package kernel

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/config"
	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/contextwindow"
	"github.com/crew-dev/crewd/internal/continuation"
	"github.com/crew-dev/crewd/internal/execution"
	"github.com/crew-dev/crewd/internal/execution/bus"
	"github.com/crew-dev/crewd/internal/memory"
	"github.com/crew-dev/crewd/internal/orchestrator"
	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/internal/supervisor"
	"github.com/crew-dev/crewd/internal/telemetry"
	"github.com/crew-dev/crewd/internal/usage"
	"github.com/crew-dev/crewd/pkg/events"
)

// abortedByUserBody is the synthetic result emitted on a user abort.
const abortedByUserBody = "Execution aborted by user"

// Kernel is the execution core.
type Kernel struct {
	cfg         *config.Config
	store       *session.Store
	registry    *execution.Registry
	sup         *supervisor.Supervisor
	orch        *orchestrator.Orchestrator
	broadcaster bus.Broadcaster
	usage       *usage.Recorder
	memory      memory.Collaborator
	logger      *logger.Logger
}

// New wires a kernel. A nil memory collaborator falls back to the no-op.
func New(cfg *config.Config, store *session.Store, registry *execution.Registry,
	sup *supervisor.Supervisor, orch *orchestrator.Orchestrator,
	broadcaster bus.Broadcaster, rec *usage.Recorder, mem memory.Collaborator,
	log *logger.Logger) *Kernel {
	if mem == nil {
		mem = memory.Noop{}
	}
	return &Kernel{
		cfg:         cfg,
		store:       store,
		registry:    registry,
		sup:         sup,
		orch:        orch,
		broadcaster: broadcaster,
		usage:       rec,
		memory:      mem,
		logger:      log.WithFields(zap.String("component", "kernel")),
	}
}

// ExecuteRequest is one admitted user turn.
type ExecuteRequest struct {
	Prompt    string
	SessionID string
	WorkDir   string
	Resume    bool
	// Images are data URLs to be materialized as temp files.
	Images []string
	Modes  session.Modes
}

// Execute admits a new execution and starts its runner. The returned
// execution's stream carries every subsequent event; the first event is
// request_id.
func (k *Kernel) Execute(ctx context.Context, req ExecuteRequest) (*execution.Execution, error) {
	if req.Prompt == "" {
		return nil, apperrors.Validation("prompt", "must not be empty")
	}
	if req.Modes.Provider != "" && !req.Modes.Provider.Valid() {
		return nil, apperrors.Validation("provider", "must be one of: claude, codex, gemini")
	}

	sess, err := k.resolveSession(&req)
	if err != nil {
		return nil, err
	}

	exec, err := k.registry.Open(sess.ID)
	if err != nil {
		return nil, err
	}

	go k.run(exec, req, sess)
	return exec, nil
}

// resolveSession loads the target session, creating one when no id was given.
func (k *Kernel) resolveSession(req *ExecuteRequest) (*session.Session, error) {
	if req.SessionID != "" {
		return k.store.Get(req.SessionID)
	}
	prov, _ := provider.Parse(string(req.Modes.Provider), provider.Provider(k.cfg.Providers.Default))
	sess, err := k.store.Create(session.CreateOptions{
		WorkDir:  req.WorkDir,
		Provider: prov,
		Modes:    req.Modes,
	})
	if err != nil {
		return nil, err
	}
	req.SessionID = sess.ID
	return sess, nil
}

// runState accumulates what the terminal side effects need.
type runState struct {
	mu          sync.Mutex
	abortReason error
	userAborted bool

	resultSeen bool
	resultText string
	usage      *events.Usage
	costUSD    float64
	toolsUsed  []string
	openTools  map[string]struct{}
	trace      []events.Event
}

func (st *runState) observe(ev events.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch ev.Type {
	case events.TypeToolUse:
		st.toolsUsed = appendUnique(st.toolsUsed, ev.Tool)
		st.openTools[ev.ToolUseID] = struct{}{}
	case events.TypeToolResult:
		delete(st.openTools, ev.ToolUseID)
	}
	st.trace = append(st.trace, ev)
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// run is the kernel runner for one execution.
func (k *Kernel) run(exec *execution.Execution, req ExecuteRequest, sess *session.Session) {
	ctx, span := telemetry.Tracer("kernel").Start(context.Background(), "execution",
		trace.WithAttributes(
			attribute.String("execution.id", exec.ID),
			attribute.String("session.id", sess.ID),
		))
	defer span.End()

	log := k.logger.WithExecutionID(exec.ID).WithSessionID(sess.ID)
	st := &runState{openTools: make(map[string]struct{})}

	publish := func(ev events.Event) {
		st.observe(ev)
		exec.Stream.Publish(ev)
		if bus.Broadcastable(ev) {
			if err := k.broadcaster.Publish(ctx, sess.ID, ev); err != nil {
				log.Warn("session broadcast failed", zap.Error(err))
			}
		}
	}

	publish(events.RequestID(exec.ID))
	exec.SetStatus(execution.StatusRunning)

	userMsg := session.Message{Role: session.RoleUser, Content: req.Prompt, Images: req.Images}
	if _, err := k.store.AppendMessage(sess.ID, userMsg); err != nil {
		log.Error("failed to persist user turn", zap.Error(err))
		publish(events.Error(apperrors.Wrap(err, "failed to persist user turn").Error()))
	}

	// Orchestrate mode pre-enriches the prompt with memory context. The user
	// turn above is persisted verbatim; only the CLI sees the enrichment.
	if req.Modes.Orchestrate {
		inj, err := k.memory.Inject(ctx, req.Prompt, sess.ID)
		switch {
		case err != nil:
			log.Warn("memory injection failed", zap.Error(err))
		case inj.Context != "":
			req.Prompt = inj.Context + "\n\n" + req.Prompt
		}
	}

	monitor := contextwindow.NewMonitor(k.cfg.Context, k.store, sess.ID, publish, log)
	monitor.Init(initialTokens(sess))

	scratch := supervisor.NewImageScratch(k.cfg.Store.ScratchDir, log)
	imagePaths, err := scratch.Materialize(req.Images)
	if err != nil {
		publish(events.Error(err.Error()))
		k.finalize(exec, sess, st, scratch, execution.StatusFailed, publish, log)
		return
	}

	// Request mode wins, then the session's provider, then the default.
	sessProv, _ := provider.Parse(string(sess.Provider), provider.Provider(k.cfg.Providers.Default))
	prov, _ := provider.Parse(string(req.Modes.Provider), sessProv)

	var status execution.Status
	if req.Modes.LeadOrchestrate {
		status = k.runOrchestrated(ctx, exec, req, sess, prov, st, publish, log)
	} else {
		status = k.runDirect(ctx, exec, req, sess, prov, imagePaths, st, monitor, publish, log)
	}

	span.SetAttributes(attribute.String("execution.status", string(status)))
	k.finalize(exec, sess, st, scratch, status, publish, log)
}

// runOrchestrated takes the lead-orchestrator path.
func (k *Kernel) runOrchestrated(ctx context.Context, exec *execution.Execution, req ExecuteRequest,
	sess *session.Session, prov provider.Provider, st *runState,
	publish supervisor.Sink, log *logger.Logger) execution.Status {

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	exec.SetCapabilities(execution.Capabilities{
		Abort: func(reason error) {
			st.mu.Lock()
			st.abortReason = reason
			st.userAborted = reason == nil
			st.mu.Unlock()
			cancel()
		},
	})

	summary, err := k.orch.Run(runCtx, orchestrator.Request{
		Prompt:    req.Prompt,
		SessionID: sess.ID,
		WorkDir:   workDir(req, sess),
		Provider:  prov,
	}, publish)

	st.mu.Lock()
	userAborted := st.userAborted
	abortReason := st.abortReason
	st.mu.Unlock()

	if userAborted {
		k.emitUserAbort(publish)
		return execution.StatusAborted
	}
	if abortReason != nil {
		publish(events.Error(abortReason.Error()))
		return statusForAbort(abortReason)
	}
	if err != nil {
		log.Error("orchestration failed", zap.Error(err))
		publish(events.Error(err.Error()))
		return execution.StatusFailed
	}

	publish(events.Text(summary))
	st.mu.Lock()
	st.resultSeen = true
	st.resultText = summary
	st.mu.Unlock()
	publish(events.Result(summary))
	return execution.StatusSucceeded
}

// runDirect runs the CLI, looping under the auto-continuation rules.
func (k *Kernel) runDirect(ctx context.Context, exec *execution.Execution, req ExecuteRequest,
	sess *session.Session, prov provider.Provider, imagePaths []string, st *runState,
	monitor *contextwindow.Monitor, publish supervisor.Sink, log *logger.Logger) execution.Status {

	pcfg := k.providerConfig(prov)
	maxIter := k.cfg.Limits.MaxContinueIterations
	prompt := req.Prompt
	resume := req.Resume

	for iteration := 1; ; iteration++ {
		inv := provider.BuildInvocation(prov, pcfg.Binary, pcfg.ExtraArgs, provider.PromptBundle{
			Prompt:            prompt,
			SessionID:         sess.ID,
			WorkDir:           workDir(req, sess),
			Resume:            resume,
			ImagePaths:        imagePaths,
			Thinking:          req.Modes.Thinking,
			PlanMode:          req.Modes.PlanMode,
			BypassPermissions: req.Modes.BypassPermissions,
		})

		proc, err := k.sup.Start(ctx, prov, inv)
		if err != nil {
			publish(events.Error(err.Error()))
			return execution.StatusFailed
		}
		exec.SetCapabilities(execution.Capabilities{
			Abort: func(reason error) {
				st.mu.Lock()
				st.abortReason = reason
				st.userAborted = reason == nil
				st.mu.Unlock()
				proc.Abort(reason)
			},
			InjectAnswer: proc.InjectAnswer,
		})

		// Some CLIs stream the reply as text deltas and emit a textless
		// result; accumulate the deltas to backfill it.
		var iterText strings.Builder
		outcome := proc.Wait(ctx, func(ev events.Event) {
			monitor.ObserveBytes(len(ev.Data) + len(ev.ToolOutput))
			switch ev.Type {
			case events.TypeText:
				iterText.WriteString(ev.Data)
			case events.TypeResult:
				if ev.Result == "" {
					ev.Result = iterText.String()
				}
			}
			publish(ev)
		})

		var resultText string
		if outcome.ResultSeen {
			resultText = outcome.Result.Text
			if resultText == "" {
				resultText = iterText.String()
			}
		}

		st.mu.Lock()
		if outcome.ResultSeen {
			st.resultSeen = true
			st.resultText = resultText
			st.usage = outcome.Result.Usage
			st.costUSD += outcome.Result.CostUSD
		}
		userAborted := st.userAborted
		abortReason := st.abortReason
		openTools := len(st.openTools)
		st.mu.Unlock()

		if outcome.Result != nil {
			monitor.ObserveUsage(outcome.Result.Usage)
		}

		if outcome.Aborted || userAborted {
			if userAborted {
				k.emitUserAbort(publish)
				return execution.StatusAborted
			}
			if outcome.Err != nil {
				publish(events.Error(outcome.Err.Error()))
			}
			return statusForAbort(abortReason)
		}
		if outcome.Err != nil {
			publish(events.Error(outcome.Err.Error()))
			if apperrors.Terminal(apperrors.KindOf(outcome.Err)) {
				return statusForAbort(outcome.Err)
			}
			return execution.StatusFailed
		}
		if !outcome.ResultSeen {
			publish(events.Error(apperrors.New(apperrors.KindCLIFailed,
				"cli exited without emitting a result").Error()))
			return execution.StatusFailed
		}

		decision := continuation.Decide(resultText, iteration, maxIter, openTools)
		if !decision.Continue {
			if iteration > 1 {
				publish(events.Continuation(events.ContinuationCompleted, string(decision.Reason), nil))
			}
			return execution.StatusSucceeded
		}

		log.Info("auto-continuing",
			zap.Int("iteration", iteration+1),
			zap.String("reason", string(decision.Reason)))
		publish(events.Continuation(events.ContinuationIteration, string(decision.Reason),
			map[string]any{"currentIteration": iteration + 1}))

		select {
		case <-time.After(continuation.Pacing):
		case <-ctx.Done():
			return execution.StatusAborted
		}
		prompt = continuation.NextPrompt(resultText)
		resume = true
		imagePaths = nil
	}
}

// emitUserAbort publishes the synthetic abort result. It does not mark a
// result as seen: the assistant turn persists only when the CLI emitted a
// real result before the abort.
func (k *Kernel) emitUserAbort(publish supervisor.Sink) {
	publish(events.Result(abortedByUserBody))
}

// finalize applies the terminal side effects. Each step is attempted even if
// an earlier one fails.
func (k *Kernel) finalize(exec *execution.Execution, sess *session.Session, st *runState,
	scratch *supervisor.ImageScratch, status execution.Status,
	publish supervisor.Sink, log *logger.Logger) {

	st.mu.Lock()
	resultSeen := st.resultSeen
	resultText := st.resultText
	evUsage := st.usage
	cost := st.costUSD
	toolsUsed := st.toolsUsed
	trace := make([]events.Event, len(st.trace))
	copy(trace, st.trace)
	userAborted := st.userAborted
	st.mu.Unlock()

	if resultSeen {
		msg := session.Message{
			Role:            session.RoleAssistant,
			Content:         resultText,
			ToolsUsed:       toolsUsed,
			ExecutionEvents: trace,
			Usage:           evUsage,
			CostUSD:         cost,
		}
		if _, err := k.store.AppendMessage(sess.ID, msg); err != nil {
			log.Error("failed to persist assistant turn", zap.Error(err))
		}
	}

	// Hand the final transcript to the memory subsystem.
	if final, err := k.store.Get(sess.ID); err == nil {
		if err := k.memory.Extract(context.Background(), final.Messages); err != nil {
			log.Warn("memory extraction failed", zap.Error(err))
		}
	}

	scratch.Cleanup()

	aborted := status == execution.StatusAborted || status == execution.StatusTimedOut ||
		(userAborted && status != execution.StatusSucceeded)
	publish(events.Done("", aborted))

	k.registry.Close(exec.ID, status)

	rec := usage.Record{
		ExecutionID: exec.ID,
		SessionID:   sess.ID,
		Provider:    string(sess.Provider),
		CostUSD:     cost,
		DurationMS:  exec.Age().Milliseconds(),
		Status:      string(status),
	}
	if evUsage != nil {
		rec.InputTokens = evUsage.InputTokens
		rec.OutputTokens = evUsage.OutputTokens
		rec.TotalTokens = evUsage.TotalTokens
	}
	k.usage.Write(context.Background(), rec)

	log.Info("execution finished",
		zap.String("status", string(status)),
		zap.Bool("result_seen", resultSeen))
}

func (k *Kernel) providerConfig(p provider.Provider) config.ProviderConfig {
	switch p {
	case provider.Codex:
		return k.cfg.Providers.Codex
	case provider.Gemini:
		return k.cfg.Providers.Gemini
	default:
		return k.cfg.Providers.Claude
	}
}

// statusForAbort maps an abort reason to the terminal status.
func statusForAbort(reason error) execution.Status {
	switch apperrors.KindOf(reason) {
	case apperrors.KindTimedOut:
		return execution.StatusTimedOut
	case apperrors.KindStalled, apperrors.KindProtocolError:
		return execution.StatusFailed
	default:
		return execution.StatusAborted
	}
}

// workDir picks the request's working directory, falling back to the session's.
func workDir(req ExecuteRequest, sess *session.Session) string {
	if req.WorkDir != "" {
		return req.WorkDir
	}
	return sess.WorkDir
}

// initialTokens estimates the session's current context footprint.
func initialTokens(sess *session.Session) int64 {
	var total int64
	for i := range sess.Messages {
		total += session.MessageTokens(&sess.Messages[i])
	}
	return total
}
