package session

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// keepTailLen is the number of most recent messages compaction never touches.
const keepTailLen = 10

// EstimateTokens approximates the token count of a text as bytes/4.
// Authoritative usage from CLI result events supersedes this where available.
func EstimateTokens(text string) int64 {
	return int64(len(text)) / 4
}

// MessageTokens approximates the token footprint of one message.
func MessageTokens(m *Message) int64 {
	t := EstimateTokens(m.Content)
	for _, img := range m.Images {
		t += EstimateTokens(img)
	}
	return t
}

// sessionTokens sums the token estimate over all messages.
func sessionTokens(msgs []Message) int64 {
	var total int64
	for i := range msgs {
		total += MessageTokens(&msgs[i])
	}
	return total
}

// pathPattern matches file-path-looking tokens, used to decide which old user
// messages introduced files the recent conversation still references.
var pathPattern = regexp.MustCompile(`[\w./~-]*/[\w.-]+\.\w+|\b[\w-]+\.\w{1,5}\b`)

// CompactResult reports what a compaction pass did.
type CompactResult struct {
	TokensSaved int64
	Compacted   int // messages replaced by the summary
}

// Compact replaces the oldest span of messages with a single system summary
// so the session's estimated footprint drops to at most targetTokens.
// Preserved verbatim: the last 10 messages, user messages that introduced
// files still referenced by the kept tail, and (inside the summary) the
// cumulative set of tool names used.
//
// Compact is idempotent: when the session is already at or under target it
// does nothing, and a summary left by an earlier pass is never re-compacted
// even when the kept tail alone still exceeds the target. It is cancellable:
// a context cancellation before the final persist leaves the session
// untouched.
func (s *Store) Compact(ctx context.Context, id string, targetTokens int64) (CompactResult, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(id)
	if err != nil {
		return CompactResult{}, err
	}

	head := 0
	if len(sess.Messages) > 0 && sess.Messages[0].Tag == TagSummary {
		head = 1
	}

	before := sessionTokens(sess.Messages)
	if before <= targetTokens || len(sess.Messages)-head <= keepTailLen {
		return CompactResult{}, nil
	}

	cut := len(sess.Messages) - keepTailLen
	span := sess.Messages[head:cut]
	tail := sess.Messages[cut:]

	// Files still referenced by the kept tail.
	referenced := make(map[string]struct{})
	for i := range tail {
		for _, p := range pathPattern.FindAllString(tail[i].Content, -1) {
			referenced[p] = struct{}{}
		}
	}

	var preserved []Message
	toolSet := make(map[string]struct{})
	compacted := 0
	for i := range span {
		for _, tool := range span[i].ToolsUsed {
			toolSet[tool] = struct{}{}
		}
		if span[i].Role == RoleUser && mentionsAny(span[i].Content, referenced) {
			preserved = append(preserved, span[i])
			continue
		}
		compacted++
	}
	if compacted == 0 {
		return CompactResult{}, nil
	}

	summary := summarizeSpan(span, preserved, toolSet)

	rebuilt := make([]Message, 0, head+1+len(preserved)+len(tail))
	rebuilt = append(rebuilt, sess.Messages[:head]...)
	rebuilt = append(rebuilt, summary)
	rebuilt = append(rebuilt, preserved...)
	rebuilt = append(rebuilt, tail...)

	if err := ctx.Err(); err != nil {
		// Cancelled before persist; the on-disk session is unchanged.
		return CompactResult{}, err
	}

	sess.Messages = rebuilt
	sess.UpdatedAt = time.Now().UTC()
	if err := s.persist(sess); err != nil {
		return CompactResult{}, err
	}

	after := sessionTokens(rebuilt)
	return CompactResult{TokensSaved: before - after, Compacted: compacted}, nil
}

func mentionsAny(content string, refs map[string]struct{}) bool {
	if len(refs) == 0 {
		return false
	}
	for _, p := range pathPattern.FindAllString(content, -1) {
		if _, ok := refs[p]; ok {
			return true
		}
	}
	return false
}

// summarizeSpan produces the deterministic rule-based condensation of the
// compacted span as one system message tagged as a summary.
func summarizeSpan(span, preserved []Message, toolSet map[string]struct{}) Message {
	skip := make(map[string]struct{}, len(preserved))
	for i := range preserved {
		skip[preserved[i].ID] = struct{}{}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Earlier conversation compacted (%d messages).\n", len(span)-len(preserved))

	if len(toolSet) > 0 {
		tools := make([]string, 0, len(toolSet))
		for t := range toolSet {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		fmt.Fprintf(&b, "Tools used: %s.\n", strings.Join(tools, ", "))
	}

	b.WriteString("Topics:\n")
	for i := range span {
		if _, ok := skip[span[i].ID]; ok {
			continue
		}
		line := firstLine(span[i].Content)
		if len(line) > 120 {
			line = line[:120]
		}
		fmt.Fprintf(&b, "- [%s] %s\n", span[i].Role, line)
	}

	return Message{
		ID:        "summary-" + span[0].ID,
		Role:      RoleSystem,
		Tag:       TagSummary,
		Content:   b.String(),
		Timestamp: span[0].Timestamp,
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
