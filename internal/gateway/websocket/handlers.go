package websocket

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/crew-dev/crewd/internal/common/errors"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/internal/execution"
	"github.com/crew-dev/crewd/internal/execution/bus"
	"github.com/crew-dev/crewd/internal/kernel"
	"github.com/crew-dev/crewd/internal/provider"
	"github.com/crew-dev/crewd/internal/session"
	"github.com/crew-dev/crewd/pkg/events"
	"github.com/crew-dev/crewd/pkg/ws"
)

// Controller implements the four control message handlers.
type Controller struct {
	kernel      *kernel.Kernel
	registry    *execution.Registry
	broadcaster bus.Broadcaster
	logger      *logger.Logger
}

// NewController wires the control message handlers.
func NewController(k *kernel.Kernel, reg *execution.Registry, b bus.Broadcaster, log *logger.Logger) *Controller {
	return &Controller{
		kernel:      k,
		registry:    reg,
		broadcaster: b,
		logger:      log.WithFields(zap.String("component", "ws_controller")),
	}
}

// RegisterHandlers attaches the handlers to the dispatcher.
func (c *Controller) RegisterHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.TypeRegisterSession, c.handleRegisterSession)
	d.RegisterFunc(ws.TypeExecuteCLI, c.handleExecuteCLI)
	d.RegisterFunc(ws.TypeAbort, c.handleAbort)
	d.RegisterFunc(ws.TypeUserAnswer, c.handleUserAnswer)
}

// handleRegisterSession attaches the channel to a session's broadcast set.
func (c *Controller) handleRegisterSession(ctx context.Context, conn ws.Conn, msg *ws.Message) error {
	var data ws.RegisterSessionData
	if err := msg.ParseData(&data); err != nil {
		return apperrors.Validation("data", "invalid register-session payload: "+err.Error())
	}
	if data.SessionID == "" {
		return apperrors.Validation("sessionId", "is required")
	}

	sub, err := c.broadcaster.Subscribe(data.SessionID, func(ctx context.Context, sessionID string, ev events.Event) {
		conn.Send(ev)
	})
	if err != nil {
		return apperrors.Wrap(err, "failed to register session")
	}
	if client, ok := conn.(*Client); ok {
		client.addSessionSub(sub)
	}

	c.logger.Debug("channel attached to session", zap.String("session_id", data.SessionID))
	return nil
}

// handleExecuteCLI opens an execution and starts the fan-out writer that
// copies its stream onto this channel.
func (c *Controller) handleExecuteCLI(ctx context.Context, conn ws.Conn, msg *ws.Message) error {
	var data ws.ExecuteCLIData
	if err := msg.ParseData(&data); err != nil {
		return apperrors.Validation("data", "invalid execute-cli payload: "+err.Error())
	}

	exec, err := c.kernel.Execute(ctx, kernel.ExecuteRequest{
		Prompt:    data.Prompt,
		SessionID: data.SessionID,
		WorkDir:   data.WorkDir,
		Resume:    data.Resume,
		Images:    data.Images,
		Modes: session.Modes{
			Orchestrate:       data.Orchestrate,
			LeadOrchestrate:   data.LeadOrchestrate,
			Thinking:          data.Thinking,
			PlanMode:          data.PlanMode,
			BypassPermissions: data.BypassPermissions,
			AllowFullPC:       data.AllowFullPC,
			Provider:          provider.Provider(data.Provider),
		},
	})
	if err != nil {
		return err
	}

	conn.BindExecution(exec.ID)
	sub := exec.Stream.Subscribe()
	go c.fanOut(conn, sub)
	return nil
}

// fanOut copies one subscription onto the channel until the stream ends.
// A lagged subscription is closed with an error and a synthetic done; the
// execution itself continues for other subscribers.
func (c *Controller) fanOut(conn ws.Conn, sub *bus.Subscription) {
	for ev := range sub.Events() {
		conn.Send(ev)
	}
	if err := sub.Err(); err != nil {
		conn.Send(events.Error(err.Error()))
		conn.Send(events.Done("", true))
	}
}

// handleAbort aborts the referenced execution, falling back to the most
// recent one opened on this channel.
func (c *Controller) handleAbort(ctx context.Context, conn ws.Conn, msg *ws.Message) error {
	var data ws.AbortData
	if err := msg.ParseData(&data); err != nil {
		return apperrors.Validation("data", "invalid abort payload: "+err.Error())
	}

	id := data.RequestID
	if id == "" {
		id = conn.BoundExecution()
	}
	if id == "" {
		return apperrors.Validation("requestId", "no execution to abort on this channel")
	}
	return c.registry.Abort(id, nil)
}

// handleUserAnswer injects a line into the CLI stdin of an execution.
func (c *Controller) handleUserAnswer(ctx context.Context, conn ws.Conn, msg *ws.Message) error {
	var data ws.UserAnswerData
	if err := msg.ParseData(&data); err != nil {
		return apperrors.Validation("data", "invalid user_answer payload: "+err.Error())
	}

	id := data.RequestID
	if id == "" {
		id = conn.BoundExecution()
	}
	if id == "" {
		return apperrors.Validation("requestId", "no execution bound to this channel")
	}
	return c.registry.InjectAnswer(id, data.Answer)
}
