// Package ws defines the control message protocol for the bidirectional
// streaming socket. Inbound messages are JSON objects discriminated by "type"
// with their arguments under "data"; outbound traffic is the execution event
// envelope from pkg/events.
package ws

import "encoding/json"

// Inbound control message types.
const (
	TypeRegisterSession = "register-session"
	TypeExecuteCLI      = "execute-cli"
	TypeAbort           = "abort"
	TypeUserAnswer      = "user_answer"
)

// Message is the envelope for an inbound control message.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseData parses the data payload into the given struct.
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// RegisterSessionData attaches the channel to a session broadcast set.
type RegisterSessionData struct {
	SessionID string `json:"sessionId"`
}

// ExecuteCLIData opens an execution.
type ExecuteCLIData struct {
	Prompt            string   `json:"prompt"`
	SessionID         string   `json:"sessionId,omitempty"`
	WorkDir           string   `json:"workDir,omitempty"`
	Resume            bool     `json:"resume,omitempty"`
	Images            []string `json:"images,omitempty"`
	Orchestrate       bool     `json:"orchestrate,omitempty"`
	LeadOrchestrate   bool     `json:"leadOrchestrate,omitempty"`
	Thinking          bool     `json:"thinking,omitempty"`
	PlanMode          bool     `json:"planMode,omitempty"`
	BypassPermissions bool     `json:"bypassPermissions,omitempty"`
	AllowFullPC       bool     `json:"allowFullPC,omitempty"`
	Provider          string   `json:"provider,omitempty"`
}

// AbortData aborts an execution. An empty RequestID falls back to the most
// recent execution opened on this channel.
type AbortData struct {
	RequestID string `json:"requestId,omitempty"`
}

// UserAnswerData injects a line to the CLI stdin of an execution.
type UserAnswerData struct {
	RequestID string `json:"requestId,omitempty"`
	Answer    string `json:"answer"`
}
