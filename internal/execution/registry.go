package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/execution/bus"
)

// RegistryConfig tunes the registry caps.
type RegistryConfig struct {
	MaxActive     int
	TTL           time.Duration
	SweepInterval time.Duration
	RingSize      int
	QueueDepth    int
}

// Registry owns all live execution records. At most one non-terminal
// execution exists per session, and at most MaxActive globally.
type Registry struct {
	cfg    RegistryConfig
	logger *logger.Logger

	mu        sync.Mutex
	byID      map[string]*Execution
	bySession map[string]*Execution
}

// NewRegistry creates an execution registry.
func NewRegistry(cfg RegistryConfig, log *logger.Logger) *Registry {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 64
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Registry{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "execution-registry")),
		byID:      make(map[string]*Execution),
		bySession: make(map[string]*Execution),
	}
}

// Open admits a new execution for a session. It refuses with Busy when a
// prior execution for the session is still live, and with AtCapacity when
// the global cap is reached.
func (r *Registry) Open(sessionID string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bySession[sessionID]; ok && !prev.Status().Terminal() {
		return nil, apperrors.Busy(sessionID)
	}
	if len(r.byID) >= r.cfg.MaxActive {
		return nil, apperrors.AtCapacity(r.cfg.MaxActive)
	}

	now := time.Now().UTC()
	exec := &Execution{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		StartedAt:  now,
		DeadlineAt: now.Add(r.cfg.TTL),
		status:     StatusPending,
	}
	exec.Stream = bus.NewStream(exec.ID, r.cfg.RingSize, r.cfg.QueueDepth, r.logger)

	r.byID[exec.ID] = exec
	r.bySession[sessionID] = exec

	r.logger.Info("execution opened",
		zap.String("execution_id", exec.ID),
		zap.String("session_id", sessionID),
		zap.Int("live", len(r.byID)))
	return exec, nil
}

// Get returns a live execution by id.
func (r *Registry) Get(id string) (*Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.byID[id]
	if !ok {
		return nil, apperrors.NotFound("execution", id)
	}
	return exec, nil
}

// ForSession returns the live execution for a session, if any.
func (r *Registry) ForSession(sessionID string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.bySession[sessionID]
	if !ok || exec.Status().Terminal() {
		return nil, false
	}
	return exec, true
}

// List returns all live executions.
func (r *Registry) List() []*Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Execution, 0, len(r.byID))
	for _, exec := range r.byID {
		out = append(out, exec)
	}
	return out
}

// Abort transitions an execution to aborting and fires its abort capability.
// A second abort for the same execution is a no-op.
func (r *Registry) Abort(id string, reason error) error {
	exec, err := r.Get(id)
	if err != nil {
		return err
	}
	if exec.abort(reason) {
		r.logger.Info("execution aborting",
			zap.String("execution_id", id),
			zap.NamedError("reason", reason))
	}
	return nil
}

// InjectAnswer feeds a line to the execution's CLI stdin. It only takes
// effect while the CLI is blocked on an ask-user prompt; otherwise the
// supervisor buffers or discards it.
func (r *Registry) InjectAnswer(id, line string) error {
	exec, err := r.Get(id)
	if err != nil {
		return err
	}
	return exec.injectAnswer(line)
}

// Close moves an execution out of the registry with its terminal status.
// After close, the session may open a new execution.
func (r *Registry) Close(id string, terminal Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.byID[id]
	if !ok {
		return
	}
	exec.SetStatus(terminal)
	delete(r.byID, id)
	if cur, ok := r.bySession[exec.SessionID]; ok && cur.ID == id {
		delete(r.bySession, exec.SessionID)
	}
	r.logger.Info("execution closed",
		zap.String("execution_id", id),
		zap.String("status", string(terminal)),
		zap.Int("live", len(r.byID)))
}

// Run sweeps the registry until the context ends, aborting any execution
// that outlived its TTL.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep aborts executions past their deadline.
func (r *Registry) sweep() {
	now := time.Now().UTC()

	r.mu.Lock()
	var expired []*Execution
	for _, exec := range r.byID {
		if !exec.Status().Terminal() && now.After(exec.DeadlineAt) {
			expired = append(expired, exec)
		}
	}
	r.mu.Unlock()

	for _, exec := range expired {
		r.logger.Warn("execution exceeded ttl, aborting",
			zap.String("execution_id", exec.ID),
			zap.Duration("age", exec.Age()))
		exec.abort(apperrors.Newf(apperrors.KindTimedOut, "execution exceeded ttl of %s", r.cfg.TTL))
	}
}
