// Package bus fans one execution's upstream event sequence out to N
// subscribers with bounded queues, and broadcasts selected events on a
// session-scoped channel.
package bus

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/pkg/events"
)

const (
	// DefaultRingSize is the number of events retained for late joiners.
	DefaultRingSize = 1024
	// DefaultQueueDepth is the per-subscriber bounded queue depth.
	DefaultQueueDepth = 256
)

// Subscription is one subscriber's view of an execution stream.
// Events() delivers the ring buffer replay followed by the live tail in
// emission order, and is closed on terminal emission or on drop.
type Subscription struct {
	id string
	ch chan events.Event

	mu     sync.Mutex
	err    error
	closed bool
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Err reports why the channel closed. A Lagged error means the subscriber's
// queue overflowed and it was dropped; nil means normal terminal emission.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// close closes the delivery channel once, recording the reason.
func (s *Subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Stream is the per-execution event fan-out: a ring buffer of the most
// recent events plus a set of subscribers with bounded queues. A slow
// subscriber is dropped, never the upstream.
type Stream struct {
	executionID string
	ringSize    int
	queueDepth  int
	logger      *logger.Logger

	mu       sync.Mutex
	ring     []events.Event
	subs     map[string]*Subscription
	terminal bool
	nextSub  int
}

// NewStream creates a fan-out stream for one execution.
func NewStream(executionID string, ringSize, queueDepth int, log *logger.Logger) *Stream {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Stream{
		executionID: executionID,
		ringSize:    ringSize,
		queueDepth:  queueDepth,
		logger:      log.WithFields(zap.String("component", "event-stream"), zap.String("execution_id", executionID)),
		subs:        make(map[string]*Subscription),
	}
}

// Publish appends an event to the ring and delivers it to every subscriber.
// A subscriber whose queue is full is dropped with a Lagged error; upstream
// is never blocked. Publishing after terminal emission is a no-op.
func (s *Stream) Publish(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminal {
		return
	}

	s.ring = append(s.ring, ev)
	if len(s.ring) > s.ringSize {
		s.ring = s.ring[len(s.ring)-s.ringSize:]
	}

	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(s.subs, id)
			sub.close(apperrors.New(apperrors.KindLagged, "subscriber queue overflow"))
			s.logger.Warn("dropped lagging subscriber", zap.String("subscriber_id", id))
		}
	}

	if ev.Type == events.TypeDone {
		s.terminal = true
		for id, sub := range s.subs {
			delete(s.subs, id)
			sub.close(nil)
		}
	}
}

// Subscribe attaches a new subscriber. The buffered events are replayed
// oldest to newest before any live event. Subscribing after terminal
// emission yields the buffer (which ends with the done event) and a closed
// channel.
func (s *Stream) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	// The replay must fit ahead of the live queue allotment.
	sub := &Subscription{
		id: s.nextSubID(),
		ch: make(chan events.Event, len(s.ring)+s.queueDepth),
	}
	for _, ev := range s.ring {
		sub.ch <- ev
	}

	if s.terminal {
		sub.close(nil)
		return sub
	}

	s.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches a subscriber and closes its channel.
func (s *Stream) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub.id)
	sub.close(nil)
}

// Terminal reports whether the done event has been published.
func (s *Stream) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Buffered returns a copy of the current ring buffer contents.
func (s *Stream) Buffered() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.ring))
	copy(out, s.ring)
	return out
}

// SubscriberCount returns the number of live subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Stream) nextSubID() string {
	s.nextSub++
	return s.executionID + "-sub-" + strconv.Itoa(s.nextSub)
}
