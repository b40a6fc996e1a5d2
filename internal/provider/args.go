package provider

// PromptBundle carries everything a single CLI invocation needs.
type PromptBundle struct {
	Prompt     string
	SessionID  string
	WorkDir    string
	Resume     bool
	ImagePaths []string

	Thinking          bool
	PlanMode          bool
	BypassPermissions bool
}

// Invocation is a ready-to-spawn CLI command.
type Invocation struct {
	Binary string
	Args   []string
	Dir    string
}

// BuildInvocation constructs the argument vector for one provider.
// Shared invariants: the prompt is a single -p argument, history is resumed
// via the provider's resume flag with the session id, images are repeated
// --image arguments, and output is requested as streaming JSON.
func BuildInvocation(p Provider, binary string, extraArgs []string, b PromptBundle) Invocation {
	if binary == "" {
		binary = string(p)
	}

	var args []string
	switch p {
	case Codex:
		args = codexArgs(b)
	case Gemini:
		args = geminiArgs(b)
	default:
		args = claudeArgs(b)
	}
	args = append(args, extraArgs...)

	return Invocation{Binary: binary, Args: args, Dir: b.WorkDir}
}

func claudeArgs(b PromptBundle) []string {
	args := []string{"-p", b.Prompt, "--output-format", "stream-json", "--verbose"}
	if b.Resume && b.SessionID != "" {
		args = append(args, "--resume", b.SessionID)
	}
	if b.PlanMode {
		args = append(args, "--permission-mode", "plan")
	} else if b.BypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if b.Thinking {
		args = append(args, "--include-partial-messages")
	}
	for _, img := range b.ImagePaths {
		args = append(args, "--image", img)
	}
	return args
}

func codexArgs(b PromptBundle) []string {
	args := []string{"exec", "--json"}
	if b.Resume && b.SessionID != "" {
		args = append(args, "resume", b.SessionID)
	}
	if b.BypassPermissions {
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	}
	for _, img := range b.ImagePaths {
		args = append(args, "--image", img)
	}
	args = append(args, b.Prompt)
	return args
}

func geminiArgs(b PromptBundle) []string {
	args := []string{"-p", b.Prompt, "--output-format", "stream-json"}
	if b.Resume && b.SessionID != "" {
		args = append(args, "--resume", b.SessionID)
	}
	if b.BypassPermissions {
		args = append(args, "--yolo")
	}
	for _, img := range b.ImagePaths {
		args = append(args, "--image", img)
	}
	return args
}
