// Package continuation decides whether a CLI reply that stopped mid-thought
// should be automatically resumed, and builds the resume prompt.
package continuation

import (
	"strings"
	"time"
)

// MaxIterations is the default cap on automatic continuations per execution.
const MaxIterations = 5

// Pacing is the delay inserted before each automatic continuation.
const Pacing = time.Second

// completionMarkers end the loop immediately when present in the reply.
var completionMarkers = []string{
	"[DONE]",
	"</complete>",
	"<promise>DONE</promise>",
}

// truncationIndicators mark a reply that was cut off mid-generation.
var truncationIndicators = []string{
	"...",
	"[TRUNCATED]",
	"[CONTINUE]",
}

// Reason explains a continuation decision.
type Reason string

const (
	ReasonMaxIterations  Reason = "max_iterations"
	ReasonCompleted      Reason = "completed"
	ReasonTruncated      Reason = "truncated"
	ReasonCompleteEnough Reason = "complete_enough"
)

// Decision is the outcome of examining one reply.
type Decision struct {
	Continue bool
	Reason   Reason
}

// Decide examines the final reply of one iteration. iteration is 1-based;
// openToolUses is the count of tool_use events without a matching
// tool_result in the iteration's trace.
func Decide(result string, iteration, maxIterations, openToolUses int) Decision {
	if maxIterations <= 0 {
		maxIterations = MaxIterations
	}

	if iteration >= maxIterations {
		return Decision{Reason: ReasonMaxIterations}
	}

	for _, marker := range completionMarkers {
		if strings.Contains(result, marker) {
			return Decision{Reason: ReasonCompleted}
		}
	}

	if truncated(result, openToolUses) {
		return Decision{Continue: true, Reason: ReasonTruncated}
	}
	return Decision{Reason: ReasonCompleteEnough}
}

func truncated(result string, openToolUses int) bool {
	trimmed := strings.TrimRight(result, " \t\n")
	for _, ind := range truncationIndicators {
		if strings.HasSuffix(trimmed, ind) {
			return true
		}
	}
	if openToolUses > 0 {
		return true
	}
	return unterminated(trimmed)
}

// unterminated reports whether the reply's last non-empty line looks cut
// off: it exists and lacks terminal punctuation or a closing fence.
func unterminated(text string) bool {
	last := lastNonEmptyLine(text)
	if last == "" {
		return false
	}
	switch last[len(last)-1] {
	case '.', '!', '?', ':', '"', '`', ')', '}':
		return false
	}
	return true
}

// NextPrompt builds the resume prompt from the previous reply.
func NextPrompt(previousResult string) string {
	last := lastNonEmptyLine(previousResult)
	if len(last) > 200 {
		last = last[len(last)-200:]
	}
	return "Continue from where you left off. Previous response ended with: " + last
}

func lastNonEmptyLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, " \t\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
