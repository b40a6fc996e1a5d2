// Package memory is the port to the external memory/knowledge subsystem.
// The core treats it as an opaque service: Inject pulls ranked context for a
// prompt, Extract hands a finished transcript over for knowledge capture.
package memory

import (
	"context"

	"github.com/crew-dev/crewd/internal/session"
)

// Injection is the context returned for one prompt.
type Injection struct {
	Context string
	Refs    []string
}

// Collaborator is implemented by the memory service client.
type Collaborator interface {
	// Inject returns context relevant to the query, scoped to the session.
	Inject(ctx context.Context, query, sessionID string) (Injection, error)
	// Extract hands the final transcript over after an execution settles.
	Extract(ctx context.Context, messages []session.Message) error
}

// Noop is the collaborator used when no memory service is configured.
type Noop struct{}

func (Noop) Inject(context.Context, string, string) (Injection, error) { return Injection{}, nil }

func (Noop) Extract(context.Context, []session.Message) error { return nil }
