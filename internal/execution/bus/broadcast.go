package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/pkg/events"
)

// BroadcastHandler handles one event delivered on a session channel.
type BroadcastHandler func(ctx context.Context, sessionID string, ev events.Event)

// BroadcastSubscription is an active session channel subscription.
type BroadcastSubscription interface {
	Unsubscribe() error
}

// Broadcaster is the session-scoped broadcast channel. Selected events
// (agent lifecycle and events carrying a parent tool-use id) are published
// here so secondary clients tracking a session receive them regardless of
// which execution they subscribed to.
type Broadcaster interface {
	Publish(ctx context.Context, sessionID string, ev events.Event) error
	Subscribe(sessionID string, handler BroadcastHandler) (BroadcastSubscription, error)
	Close()
}

// Broadcastable reports whether an event belongs on the session channel.
func Broadcastable(ev events.Event) bool {
	return ev.Type == events.TypeAgentEvent || ev.ParentToolUseID != ""
}

// MemoryBroadcaster implements Broadcaster with in-process delivery.
type MemoryBroadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*memoryBroadcastSub
	nextID int
	closed bool
	logger *logger.Logger
}

type memoryBroadcastSub struct {
	b         *MemoryBroadcaster
	sessionID string
	id        int
	handler   BroadcastHandler
}

// Unsubscribe removes the subscription.
func (s *memoryBroadcastSub) Unsubscribe() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if subs, ok := s.b.subs[s.sessionID]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.b.subs, s.sessionID)
		}
	}
	return nil
}

// NewMemoryBroadcaster creates an in-memory session broadcaster.
func NewMemoryBroadcaster(log *logger.Logger) *MemoryBroadcaster {
	return &MemoryBroadcaster{
		subs:   make(map[string]map[int]*memoryBroadcastSub),
		logger: log.WithFields(zap.String("component", "session-broadcast")),
	}
}

// Publish delivers an event to every subscriber of the session channel.
func (b *MemoryBroadcaster) Publish(ctx context.Context, sessionID string, ev events.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("broadcaster is closed")
	}
	for _, sub := range b.subs[sessionID] {
		go sub.handler(ctx, sessionID, ev)
	}
	return nil
}

// Subscribe attaches a handler to a session channel.
func (b *MemoryBroadcaster) Subscribe(sessionID string, handler BroadcastHandler) (BroadcastSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broadcaster is closed")
	}
	b.nextID++
	sub := &memoryBroadcastSub{b: b, sessionID: sessionID, id: b.nextID, handler: handler}
	if _, ok := b.subs[sessionID]; !ok {
		b.subs[sessionID] = make(map[int]*memoryBroadcastSub)
	}
	b.subs[sessionID][sub.id] = sub
	return sub, nil
}

// Close drops all subscriptions.
func (b *MemoryBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]*memoryBroadcastSub)
}
