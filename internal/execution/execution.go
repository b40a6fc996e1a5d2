// Package execution tracks live in-flight turns: admission control,
// cancellation plumbing, and garbage collection.
package execution

import (
	"sync"
	"time"

	"github.com/crew-dev/crewd/internal/execution/bus"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusAborting  Status = "aborting"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether the status ends the execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusTimedOut:
		return true
	}
	return false
}

// Capabilities are the control hooks attached to a live execution.
// Abort must be idempotent; InjectAnswer feeds one line to the CLI stdin.
type Capabilities struct {
	Abort        func(reason error)
	InjectAnswer func(line string) error
}

// Execution is one live in-flight turn.
type Execution struct {
	ID         string
	SessionID  string
	StartedAt  time.Time
	DeadlineAt time.Time
	Stream     *bus.Stream

	mu          sync.Mutex
	status      Status
	caps        Capabilities
	aborted     bool
	abortReason error
}

// Status returns the current lifecycle state.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// SetStatus records a lifecycle transition.
func (e *Execution) SetStatus(s Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
}

// SetCapabilities attaches the control hooks once the underlying process
// exists. If an abort raced ahead of attachment, the abort hook fires
// immediately with the original reason.
func (e *Execution) SetCapabilities(caps Capabilities) {
	e.mu.Lock()
	pendingAbort := e.aborted
	reason := e.abortReason
	e.caps = caps
	e.mu.Unlock()

	if pendingAbort && caps.Abort != nil {
		caps.Abort(reason)
	}
}

// abort invokes the abort capability exactly once.
func (e *Execution) abort(reason error) bool {
	e.mu.Lock()
	if e.aborted || e.status.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.aborted = true
	e.abortReason = reason
	e.status = StatusAborting
	abortFn := e.caps.Abort
	e.mu.Unlock()

	if abortFn != nil {
		abortFn(reason)
	}
	return true
}

// injectAnswer forwards a line to the CLI stdin when the capability exists.
// It is silently ignored otherwise.
func (e *Execution) injectAnswer(line string) error {
	e.mu.Lock()
	inject := e.caps.InjectAnswer
	e.mu.Unlock()

	if inject == nil {
		return nil
	}
	return inject(line)
}

// Age returns the time since the execution was opened.
func (e *Execution) Age() time.Duration {
	return time.Since(e.StartedAt)
}
