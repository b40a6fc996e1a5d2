// Package events defines the wire-level event envelope emitted on execution
// streams. Every event is a JSON object discriminated by "type"; fields not
// recognized here are preserved and passed through unchanged.
package events

import "encoding/json"

// Type is the event discriminator.
type Type string

const (
	TypeRequestID     Type = "request_id"
	TypeInit          Type = "init"
	TypeText          Type = "text"
	TypeThinking      Type = "thinking"
	TypeToolUse       Type = "tool_use"
	TypeToolResult    Type = "tool_result"
	TypeContext       Type = "context"
	TypeAgentEvent    Type = "agent_event"
	TypeResult        Type = "result"
	TypeContextWindow Type = "context_window"
	TypeContinuation  Type = "continuation"
	TypeError         Type = "error"
	TypeDone          Type = "done"
	TypeUnknown       Type = "unknown"

	// Orchestration progress events.
	TypeClassified Type = "classified"
	TypeExecuting  Type = "executing"
	TypeCompleted  Type = "completed"
)

// Agent lifecycle sub-events carried in the Event field of agent_event.
const (
	AgentSpawned   = "spawned"
	AgentStarted   = "started"
	AgentCompleted = "completed"
	AgentFailed    = "failed"
)

// Context window sub-events carried in the Event field of context_window.
const (
	ContextWindowInit                = "init"
	ContextWindowStatusChanged       = "status_changed"
	ContextWindowThresholdWarning    = "threshold_warning"
	ContextWindowThresholdCritical   = "threshold_critical"
	ContextWindowCompactionStarted   = "compaction_started"
	ContextWindowCompactionCompleted = "compaction_completed"
)

// Continuation sub-events and stop reasons.
const (
	ContinuationIteration = "iteration"
	ContinuationCompleted = "completed"

	ReasonTruncated     = "truncated"
	ReasonCompleted     = "completed"
	ReasonMaxIterations = "max_iterations"
)

// Usage carries token accounting attached to result events.
type Usage struct {
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int64   `json:"cacheReadTokens,omitempty"`
	TotalTokens         int64   `json:"totalTokens"`
	ContextPercent      float64 `json:"contextPercent,omitempty"`
}

// Event is the envelope for one observable step of an execution.
// Only the fields relevant to the Type are populated; Extra holds any
// unrecognized fields from upstream so they survive re-marshaling.
type Event struct {
	Type Type   `json:"type"`
	Data string `json:"data,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	AgentID   string `json:"agentId,omitempty"`

	// tool_use / tool_result
	Tool            string          `json:"tool,omitempty"`
	ToolUseID       string          `json:"toolUseId,omitempty"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
	ToolInput       json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput      string          `json:"toolOutput,omitempty"`

	// context
	ContextType string   `json:"contextType,omitempty"`
	Name        string   `json:"name,omitempty"`
	Detail      string   `json:"detail,omitempty"`
	Status      string   `json:"status,omitempty"`
	Memories    []string `json:"memories,omitempty"`

	// agent_event / context_window / continuation sub-event
	Event     string `json:"event,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	Task      string `json:"task,omitempty"`
	Error     string `json:"error,omitempty"`
	ToolCalls int    `json:"toolCalls,omitempty"`

	// result
	Result     string  `json:"result,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	DurationMS int64   `json:"durationMs,omitempty"`

	// context_window / continuation
	State       any    `json:"state,omitempty"`
	TokensSaved int64  `json:"tokensSaved,omitempty"`
	Reason      string `json:"reason,omitempty"`

	// done
	Aborted bool `json:"aborted,omitempty"`

	// Extra holds upstream fields outside the contract, passed through as-is.
	Extra map[string]json.RawMessage `json:"-"`
}

// alias prevents recursion in the custom (un)marshalers.
type alias Event

var knownKeys = map[string]struct{}{
	"type": {}, "data": {}, "sessionId": {}, "agentId": {},
	"tool": {}, "toolUseId": {}, "parentToolUseId": {}, "toolInput": {}, "toolOutput": {},
	"contextType": {}, "name": {}, "detail": {}, "status": {}, "memories": {},
	"event": {}, "agentType": {}, "task": {}, "error": {}, "toolCalls": {},
	"result": {}, "usage": {}, "costUsd": {}, "durationMs": {},
	"state": {}, "tokensSaved": {}, "reason": {}, "aborted": {},
}

// UnmarshalJSON decodes the recognized fields and collects the rest in Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.Extra = raw
	}
	*e = Event(a)
	return nil
}

// MarshalJSON re-emits the recognized fields plus any Extra passthrough.
// Contract fields win on key collisions.
func (e Event) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// RequestID builds the first event of an execution, carrying its id.
func RequestID(executionID string) Event {
	return Event{Type: TypeRequestID, Data: executionID}
}

// Init signals that streaming started.
func Init(sessionID string) Event {
	return Event{Type: TypeInit, SessionID: sessionID}
}

// Text builds an assistant text delta.
func Text(data string) Event {
	return Event{Type: TypeText, Data: data}
}

// Thinking builds a model-internal reasoning delta.
func Thinking(data string) Event {
	return Event{Type: TypeThinking, Data: data}
}

// ToolUse builds a tool invocation event.
func ToolUse(tool, toolUseID string, input json.RawMessage) Event {
	return Event{Type: TypeToolUse, Tool: tool, ToolUseID: toolUseID, ToolInput: input}
}

// ToolResult builds a tool completion event.
func ToolResult(tool, toolUseID, output string) Event {
	return Event{Type: TypeToolResult, Tool: tool, ToolUseID: toolUseID, ToolOutput: output}
}

// AgentEvent builds a sub-agent lifecycle event.
func AgentEvent(subEvent, agentID, agentType, task string) Event {
	return Event{Type: TypeAgentEvent, Event: subEvent, AgentID: agentID, AgentType: agentType, Task: task}
}

// Result builds the final synthesized reply.
func Result(text string) Event {
	return Event{Type: TypeResult, Result: text}
}

// Classified reports the orchestrator's classification verdict.
func Classified(state any) Event {
	return Event{Type: TypeClassified, State: state}
}

// Executing signals that the orchestrator started its agent fan-out.
func Executing() Event {
	return Event{Type: TypeExecuting}
}

// Completed closes the orchestration phase; state carries the aggregates.
func Completed(state any) Event {
	return Event{Type: TypeCompleted, State: state}
}

// ContextWindow builds a context monitor event.
func ContextWindow(subEvent string, state any) Event {
	return Event{Type: TypeContextWindow, Event: subEvent, State: state}
}

// Continuation builds an auto-continuation event.
func Continuation(subEvent, reason string, state any) Event {
	return Event{Type: TypeContinuation, Event: subEvent, Reason: reason, State: state}
}

// Error builds a non-fatal error event surfaced to subscribers.
func Error(message string) Event {
	return Event{Type: TypeError, Data: message}
}

// Done builds the terminal event. No further events follow it.
func Done(data string, aborted bool) Event {
	return Event{Type: TypeDone, Data: data, Aborted: aborted}
}
