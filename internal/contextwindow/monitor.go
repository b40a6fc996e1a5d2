// Package contextwindow tracks how full an execution's model context is and
// drives compaction before it overflows.
package contextwindow

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/config"
	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/pkg/events"
)

// State is the monitor's coarse fullness classification.
type State string

const (
	StateSafe       State = "safe"
	StateWarning    State = "warning"
	StateCritical   State = "critical"
	StateCompacting State = "compacting"
)

// hysteresis keeps the state from flapping: a downgrade requires the usage
// ratio to fall this far below the threshold that raised it.
const hysteresis = 0.05

// Snapshot is the monitor state carried in context_window events.
type Snapshot struct {
	State      State   `json:"state"`
	UsedTokens int64   `json:"usedTokens"`
	MaxTokens  int64   `json:"maxTokens"`
	Percent    float64 `json:"percent"`
}

// Emitter receives the monitor's context_window events.
type Emitter func(ev events.Event)

// Monitor watches one execution's token consumption. Byte-based estimates
// accumulate between CLI results; an authoritative usage report replaces the
// running estimate entirely.
type Monitor struct {
	cfg       config.ContextConfig
	store     *session.Store
	sessionID string
	emit      Emitter
	logger    *logger.Logger

	mu         sync.Mutex
	used       int64
	state      State
	compacting bool
}

// NewMonitor creates a monitor for one execution over a session.
func NewMonitor(cfg config.ContextConfig, store *session.Store, sessionID string, emit Emitter, log *logger.Logger) *Monitor {
	return &Monitor{
		cfg:       cfg,
		store:     store,
		sessionID: sessionID,
		emit:      emit,
		logger: log.WithFields(
			zap.String("component", "context-monitor"),
			zap.String("session_id", sessionID)),
		state: StateSafe,
	}
}

// Init seeds the monitor with the session's current footprint and announces
// the starting state.
func (m *Monitor) Init(initialTokens int64) {
	m.mu.Lock()
	m.used = initialTokens
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(events.ContextWindow(events.ContextWindowInit, snap))
	m.evaluate()
}

// ObserveBytes folds streamed output into the running estimate.
func (m *Monitor) ObserveBytes(n int) {
	m.mu.Lock()
	m.used += int64(n) / 4
	m.mu.Unlock()
	m.evaluate()
}

// ObserveUsage replaces the estimate with the CLI's own accounting.
func (m *Monitor) ObserveUsage(u *events.Usage) {
	if u == nil || u.TotalTokens == 0 {
		return
	}
	m.mu.Lock()
	m.used = u.TotalTokens
	m.mu.Unlock()
	m.evaluate()
}

// Snapshot returns the current state for reporting.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	max := int64(m.cfg.MaxTokens)
	var pct float64
	if max > 0 {
		pct = float64(m.used) / float64(max)
	}
	return Snapshot{State: m.state, UsedTokens: m.used, MaxTokens: max, Percent: pct}
}

// evaluate recomputes the state and emits transitions. Crossing the critical
// threshold also starts a compaction unless one is already running.
func (m *Monitor) evaluate() {
	m.mu.Lock()
	if m.compacting {
		m.mu.Unlock()
		return
	}

	pct := m.snapshotLocked().Percent
	prev := m.state
	next := m.classify(prev, pct)
	m.state = next
	snap := m.snapshotLocked()
	startCompaction := next == StateCritical && prev != StateCritical
	if startCompaction {
		m.compacting = true
		m.state = StateCompacting
		snap.State = StateCompacting
	}
	m.mu.Unlock()

	if next != prev {
		m.emit(events.ContextWindow(events.ContextWindowStatusChanged, snap))
		switch next {
		case StateWarning:
			m.emit(events.ContextWindow(events.ContextWindowThresholdWarning, snap))
		case StateCritical:
			m.emit(events.ContextWindow(events.ContextWindowThresholdCritical, snap))
		}
	}
	if startCompaction {
		go m.runCompaction()
	}
}

// classify maps a usage ratio to a state, with hysteresis on the way down.
func (m *Monitor) classify(prev State, pct float64) State {
	switch {
	case pct >= m.cfg.CriticalThreshold:
		return StateCritical
	case pct >= m.cfg.WarningThreshold:
		if prev == StateCritical && pct > m.cfg.CriticalThreshold-hysteresis {
			return StateCritical
		}
		return StateWarning
	default:
		if prev != StateSafe && pct > m.cfg.WarningThreshold-hysteresis {
			return StateWarning
		}
		return StateSafe
	}
}

// runCompaction compacts the session down to the configured target and
// reports the result.
func (m *Monitor) runCompaction() {
	snap := m.Snapshot()
	m.emit(events.ContextWindow(events.ContextWindowCompactionStarted, snap))

	target := int64(float64(m.cfg.MaxTokens) * m.cfg.CompactionTarget)
	res, err := m.store.Compact(context.Background(), m.sessionID, target)

	m.mu.Lock()
	m.compacting = false
	if err != nil {
		m.state = StateCritical
	} else {
		m.used -= res.TokensSaved
		if m.used < 0 {
			m.used = 0
		}
		m.state = m.classify(StateSafe, m.snapshotLocked().Percent)
	}
	snap = m.snapshotLocked()
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("compaction failed", zap.Error(err))
		appErr := &apperrors.AppError{
			Kind:    apperrors.KindCompactionFailed,
			Message: "context compaction failed",
			Err:     err,
		}
		m.emit(events.Error(appErr.Error()))
		return
	}

	m.logger.Info("compaction completed",
		zap.Int64("tokens_saved", res.TokensSaved),
		zap.Int("messages_compacted", res.Compacted))
	ev := events.ContextWindow(events.ContextWindowCompactionCompleted, snap)
	ev.TokensSaved = res.TokensSaved
	m.emit(ev)
}
