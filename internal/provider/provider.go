// Package provider identifies the external assistant CLIs crewd can drive and
// builds their invocation argument vectors.
package provider

// Provider is the identity of an external assistant CLI.
type Provider string

const (
	Claude Provider = "claude"
	Codex  Provider = "codex"
	Gemini Provider = "gemini"
)

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case Claude, Codex, Gemini:
		return true
	}
	return false
}

// Parse returns the provider for the given name, or fallback when name is
// empty. Invalid names return ok=false.
func Parse(name string, fallback Provider) (Provider, bool) {
	if name == "" {
		return fallback, true
	}
	p := Provider(name)
	return p, p.Valid()
}
