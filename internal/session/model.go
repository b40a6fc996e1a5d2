// Package session persists per-session conversation state. Each session is a
// single JSON document on disk, written atomically under a per-session mutex.
package session

import (
	"time"

	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/pkg/events"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// TagSummary marks the system message produced by history compaction.
const TagSummary = "summary"

// Modes is the per-session execution configuration record.
type Modes struct {
	Orchestrate       bool              `json:"orchestrate,omitempty"`
	LeadOrchestrate   bool              `json:"leadOrchestrate,omitempty"`
	Thinking          bool              `json:"thinking,omitempty"`
	PlanMode          bool              `json:"planMode,omitempty"`
	BypassPermissions bool              `json:"bypassPermissions,omitempty"`
	AllowFullPC       bool              `json:"allowFullPC,omitempty"`
	Provider          provider.Provider `json:"provider,omitempty"`
}

// ContextSnapshot names the context items active during a turn.
type ContextSnapshot struct {
	Rules        []string `json:"rules,omitempty"`
	Skills       []string `json:"skills,omitempty"`
	MCPs         []string `json:"mcps,omitempty"`
	ActiveAgents []string `json:"activeAgents,omitempty"`
}

// Message is one immutable turn of a session.
type Message struct {
	ID              string           `json:"id"`
	Role            Role             `json:"role"`
	Content         string           `json:"content"`
	Timestamp       time.Time        `json:"timestamp"`
	Tag             string           `json:"tag,omitempty"`
	Images          []string         `json:"images,omitempty"`
	ToolsUsed       []string         `json:"toolsUsed,omitempty"`
	ExecutionEvents []events.Event   `json:"executionEvents,omitempty"`
	Usage           *events.Usage    `json:"usage,omitempty"`
	CostUSD         float64          `json:"costUsd,omitempty"`
	ContextSnapshot *ContextSnapshot `json:"contextSnapshot,omitempty"`
}

// AgentStatus is the lifecycle state of a persisted sub-agent record.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentActive    AgentStatus = "active"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// rank orders agent statuses for the monotonic-advance invariant.
func (s AgentStatus) rank() int {
	switch s {
	case AgentPending:
		return 0
	case AgentActive:
		return 1
	case AgentCompleted, AgentFailed:
		return 2
	}
	return -1
}

// PersistedAgent records one sub-agent invocation on the session.
type PersistedAgent struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Task        string      `json:"task"`
	Status      AgentStatus `json:"status"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Result      string      `json:"result,omitempty"`
	TokensUsed  int64       `json:"tokensUsed,omitempty"`
	Error       string      `json:"error,omitempty"`
	ToolUseID   string      `json:"toolUseId,omitempty"`
}

// maxAgentResultBytes caps the persisted result excerpt.
const maxAgentResultBytes = 1024

// Session is the durable unit of user interaction.
type Session struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	WorkDir   string            `json:"workDir,omitempty"`
	Provider  provider.Provider `json:"provider"`
	Modes     Modes             `json:"modes"`
	Messages  []Message         `json:"messages"`
	Agents    []PersistedAgent  `json:"agents"`
}

// Meta is the metadata-only projection returned by List.
type Meta struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	WorkDir      string            `json:"workDir,omitempty"`
	Provider     provider.Provider `json:"provider"`
	MessageCount int               `json:"messageCount"`
	AgentCount   int               `json:"agentCount"`
}

// meta projects a session to its metadata.
func (s *Session) meta() Meta {
	return Meta{
		ID:           s.ID,
		Name:         s.Name,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		WorkDir:      s.WorkDir,
		Provider:     s.Provider,
		MessageCount: len(s.Messages),
		AgentCount:   len(s.Agents),
	}
}
