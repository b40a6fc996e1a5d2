package ws

import "context"

// Conn is the per-channel state available to control message handlers.
type Conn interface {
	// Send queues one outbound JSON value. It must not block; a full
	// channel drops the value.
	Send(v any)
	// BindExecution records id as the channel's most recent execution, the
	// fallback target for abort and user_answer.
	BindExecution(id string)
	// BoundExecution returns the channel's most recent execution id.
	BoundExecution() string
}

// Handler is the interface for control message handlers.
type Handler interface {
	// Handle processes a control message. Any returned error is surfaced to
	// the client as an error event.
	Handle(ctx context.Context, conn Conn, msg *Message) error
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, conn Conn, msg *Message) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, conn Conn, msg *Message) error {
	return f(ctx, conn, msg)
}

// Dispatcher routes control messages to handlers by message type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes a message to the appropriate handler.
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, msg *Message) error {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return ErrUnknownType{Type: msg.Type}
	}
	return handler.Handle(ctx, conn, msg)
}

// HasHandler returns true if a handler is registered for the message type.
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}

// ErrUnknownType is returned for messages with no registered handler.
type ErrUnknownType struct {
	Type string
}

func (e ErrUnknownType) Error() string {
	return "unknown control message type: " + e.Type
}
