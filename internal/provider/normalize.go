package provider

import (
	"encoding/json"

	"github.com/crew-dev/crewd/pkg/events"
)

// ResultInfo is the authoritative final reply extracted from a CLI stream.
type ResultInfo struct {
	Text       string
	Usage      *events.Usage
	CostUSD    float64
	DurationMS int64
	IsError    bool
}

// Parsed is the outcome of normalizing one stdout line.
type Parsed struct {
	Events []events.Event
	Result *ResultInfo
	// WaitingForAnswer is set when the CLI blocked on an ask-user prompt
	// (permission request or question) and expects a line on stdin.
	WaitingForAnswer bool
}

// cliMessage is the common shape of a stream-json line. The claude and
// gemini CLIs share this framing; codex uses its own (see codexMessage).
type cliMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *cliBody        `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	CostUSD    float64   `json:"cost_usd,omitempty"`
	TotalCost  float64   `json:"total_cost_usd,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Usage      *cliUsage `json:"usage,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`
}

type cliBody struct {
	Role    string            `json:"role"`
	Content []cliContentBlock `json:"content,omitempty"`
	Usage   *cliUsage         `json:"usage,omitempty"`
}

type cliContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type cliUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

func (u *cliUsage) toEvents() *events.Usage {
	if u == nil {
		return nil
	}
	return &events.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		TotalTokens:         u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
	}
}

// Normalize parses one newline-delimited stdout token into kernel events.
// A line that is not valid JSON returns an error; a valid JSON line of an
// unrecognized type is forwarded with the "unknown" fallback type, its
// payload preserved.
func Normalize(p Provider, line []byte) (Parsed, error) {
	if p == Codex {
		return normalizeCodex(line)
	}
	return normalizeStreamJSON(line)
}

// normalizeStreamJSON handles the claude-style stream-json protocol, which
// the gemini CLI also speaks.
func normalizeStreamJSON(line []byte) (Parsed, error) {
	var msg cliMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Parsed{}, err
	}

	switch msg.Type {
	case "system":
		return Parsed{Events: []events.Event{events.Init(msg.SessionID)}}, nil

	case "assistant", "user":
		var out Parsed
		if msg.Message == nil {
			return out, nil
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				out.Events = append(out.Events, events.Text(block.Text))
			case "thinking":
				out.Events = append(out.Events, events.Thinking(block.Thinking))
			case "tool_use":
				out.Events = append(out.Events, events.ToolUse(block.Name, block.ID, block.Input))
			case "tool_result":
				out.Events = append(out.Events, events.ToolResult("", block.ToolUseID, decodeToolContent(block.Content)))
			}
		}
		return out, nil

	case "result":
		info := &ResultInfo{
			Text:       decodeResultText(msg.Result),
			Usage:      msg.Usage.toEvents(),
			DurationMS: msg.DurationMS,
			IsError:    msg.IsError,
		}
		info.CostUSD = msg.CostUSD
		if info.CostUSD == 0 {
			info.CostUSD = msg.TotalCost
		}
		ev := events.Result(info.Text)
		ev.Usage = info.Usage
		ev.CostUSD = info.CostUSD
		ev.DurationMS = info.DurationMS
		return Parsed{Events: []events.Event{ev}, Result: info}, nil

	case "control_request":
		// Permission or question prompt: the CLI is blocked on stdin.
		return Parsed{WaitingForAnswer: true}, nil

	case "waiting_for_answer":
		return Parsed{WaitingForAnswer: true}, nil

	default:
		return Parsed{Events: []events.Event{unknownEvent(msg.Type, line)}}, nil
	}
}

// codexMessage is the shape of one codex exec --json line.
type codexMessage struct {
	Type string `json:"type"`
	Item *struct {
		Type     string `json:"type"`
		ID       string `json:"id,omitempty"`
		Text     string `json:"text,omitempty"`
		Command  string `json:"command,omitempty"`
		Output   string `json:"aggregated_output,omitempty"`
		ExitCode *int   `json:"exit_code,omitempty"`
	} `json:"item,omitempty"`
	Usage *struct {
		InputTokens       int64 `json:"input_tokens"`
		CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
		OutputTokens      int64 `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

func normalizeCodex(line []byte) (Parsed, error) {
	var msg codexMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Parsed{}, err
	}

	switch msg.Type {
	case "thread.started", "turn.started", "item.started":
		return Parsed{}, nil

	case "item.completed":
		if msg.Item == nil {
			return Parsed{}, nil
		}
		switch msg.Item.Type {
		case "agent_message":
			return Parsed{Events: []events.Event{events.Text(msg.Item.Text)}}, nil
		case "reasoning":
			return Parsed{Events: []events.Event{events.Thinking(msg.Item.Text)}}, nil
		case "command_execution":
			input, _ := json.Marshal(map[string]string{"command": msg.Item.Command})
			return Parsed{Events: []events.Event{
				events.ToolUse("shell", msg.Item.ID, input),
				events.ToolResult("shell", msg.Item.ID, msg.Item.Output),
			}}, nil
		default:
			return Parsed{Events: []events.Event{unknownEvent(msg.Item.Type, line)}}, nil
		}

	case "turn.completed":
		info := &ResultInfo{}
		if msg.Usage != nil {
			info.Usage = &events.Usage{
				InputTokens:     msg.Usage.InputTokens,
				OutputTokens:    msg.Usage.OutputTokens,
				CacheReadTokens: msg.Usage.CachedInputTokens,
				TotalTokens:     msg.Usage.InputTokens + msg.Usage.OutputTokens,
			}
		}
		ev := events.Result("")
		ev.Usage = info.Usage
		return Parsed{Events: []events.Event{ev}, Result: info}, nil

	case "turn.failed", "error":
		return Parsed{Events: []events.Event{events.Error(string(line))}}, nil

	default:
		return Parsed{Events: []events.Event{unknownEvent(msg.Type, line)}}, nil
	}
}

// unknownEvent forwards an unrecognized line with the fallback type, keeping
// the original payload in the passthrough fields.
func unknownEvent(originalType string, line []byte) events.Event {
	ev := events.Event{Type: events.TypeUnknown, Data: originalType}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err == nil {
		delete(raw, "type")
		delete(raw, "data")
		ev.Extra = raw
	}
	return ev
}

// decodeToolContent renders a tool_result content value, which may be a bare
// string or a structured block list, as text.
func decodeToolContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []cliContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

// decodeResultText renders the result field, which may be a string or an
// object with a text field.
func decodeResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text
	}
	return string(raw)
}
