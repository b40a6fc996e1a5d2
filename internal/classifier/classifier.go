// Package classifier scores incoming prompts so the orchestrator can decide
// between answering inline and delegating to sub-agents. Classification is
// pure: same prompt and expert set, same result.
package classifier

import (
	"fmt"
	"strings"
)

// trivialThreshold separates prompts answered inline from delegated ones.
const trivialThreshold = 50

// domainKeywords maps a domain tag to the lowercase keywords that signal it.
var domainKeywords = map[string][]string{
	"frontend":       {"react", "vue", "css", "component", "ui", "frontend", "browser"},
	"backend":        {"api", "endpoint", "server", "backend", "middleware", "handler"},
	"database":       {"database", "sql", "migration", "schema", "query", "index", "postgres", "sqlite"},
	"infrastructure": {"docker", "kubernetes", "deploy", "terraform", "ci", "pipeline", "infra"},
	"testing":        {"test", "coverage", "mock", "fixture", "regression"},
	"security":       {"auth", "token", "vulnerability", "security", "encrypt", "permission"},
	"performance":    {"performance", "latency", "profil", "optimize", "slow", "memory leak"},
	"networking":     {"websocket", "http", "grpc", "tcp", "socket", "network"},
}

// difficulty signals and their weights.
var difficultySignals = []struct {
	weight   int
	keywords []string
}{
	{25, []string{"refactor"}},
	{20, []string{"multi-file", "across"}},
	{15, []string{"integration"}},
	{10, []string{"debug", "investigate"}},
}

// extraDomainWeight is added for each matched domain beyond the first.
const extraDomainWeight = 8

// Classification is the classifier's verdict for one prompt.
type Classification struct {
	ComplexityScore    int      `json:"complexityScore"`
	Domains            []string `json:"domains"`
	EstimatedToolCalls int      `json:"estimatedToolCalls"`
	RequiresDelegation bool     `json:"requiresDelegation"`
	SuggestedExperts   []string `json:"suggestedExperts"`
	SuggestedAgents    []string `json:"suggestedAgents"`
	Reasoning          string   `json:"reasoning"`
}

// domainOrder fixes the iteration order over domainKeywords so results are
// deterministic, ordered by first match position in the prompt.
var domainOrder = []string{
	"frontend", "backend", "database", "infrastructure",
	"testing", "security", "performance", "networking",
}

// Classify scores a prompt against the available expert domain tags.
func Classify(prompt string, availableExperts []string) Classification {
	lower := strings.ToLower(prompt)

	// Domains ordered by where their first keyword appears.
	type match struct {
		domain string
		pos    int
	}
	var matches []match
	for _, domain := range domainOrder {
		best := -1
		for _, kw := range domainKeywords[domain] {
			if i := strings.Index(lower, kw); i >= 0 && (best < 0 || i < best) {
				best = i
			}
		}
		if best >= 0 {
			matches = append(matches, match{domain, best})
		}
	}
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].pos < matches[j-1].pos; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	domains := make([]string, 0, len(matches))
	for _, m := range matches {
		domains = append(domains, m.domain)
	}

	score := 10
	var signals []string
	for _, sig := range difficultySignals {
		for _, kw := range sig.keywords {
			if strings.Contains(lower, kw) {
				score += sig.weight
				signals = append(signals, kw)
				break
			}
		}
	}
	if len(domains) > 1 {
		score += extraDomainWeight * (len(domains) - 1)
	}
	if score > 100 {
		score = 100
	}

	c := Classification{
		ComplexityScore:    score,
		Domains:            domains,
		EstimatedToolCalls: 2 + score/10,
		RequiresDelegation: score > trivialThreshold,
		SuggestedExperts:   intersect(domains, availableExperts),
		SuggestedAgents:    suggestAgents(score),
		Reasoning:          reasoning(score, domains, signals),
	}
	return c
}

func suggestAgents(score int) []string {
	agents := []string{"builder"}
	if score > 40 {
		agents = append(agents, "scout")
	}
	if score > 70 {
		agents = append(agents, "reviewer")
	}
	if score > 80 {
		agents = append(agents, "planner")
	}
	return agents
}

// intersect keeps the matched domains that have an available expert, in
// match order.
func intersect(domains, available []string) []string {
	if len(available) == 0 {
		return nil
	}
	have := make(map[string]struct{}, len(available))
	for _, a := range available {
		have[a] = struct{}{}
	}
	var out []string
	for _, d := range domains {
		if _, ok := have[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

func reasoning(score int, domains, signals []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "score %d", score)
	if len(signals) > 0 {
		fmt.Fprintf(&b, "; difficulty signals: %s", strings.Join(signals, ", "))
	}
	if len(domains) > 0 {
		fmt.Fprintf(&b, "; domains: %s", strings.Join(domains, ", "))
	}
	if score > trivialThreshold {
		b.WriteString("; delegating to sub-agents")
	} else {
		b.WriteString("; handling inline")
	}
	return b.String()
}
