package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/crew-dev/crewd/internal/common/config"
	"github.com/crew-dev/crewd/internal/common/logger"
	"github.com/crew-dev/crewd/pkg/events"
)

// NATSBroadcaster implements Broadcaster over a NATS connection, letting
// multiple crewd instances share session channels.
type NATSBroadcaster struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// sessionSubject builds the NATS subject for one session's channel.
func sessionSubject(sessionID string) string {
	return "crewd.session." + sessionID + ".events"
}

// NewNATSBroadcaster connects to NATS with reconnection logic.
func NewNATSBroadcaster(cfg config.NATSConfig, log *logger.Logger) (*NATSBroadcaster, error) {
	opts := []nats.Option{
		nats.Name("crewd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return &NATSBroadcaster{conn: conn, logger: log}, nil
}

// Publish sends an event on the session's subject.
func (b *NATSBroadcaster) Publish(ctx context.Context, sessionID string, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(sessionSubject(sessionID), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

type natsBroadcastSub struct {
	sub *nats.Subscription
}

func (s *natsBroadcastSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Subscribe attaches a handler to a session's subject.
func (b *NATSBroadcaster) Subscribe(sessionID string, handler BroadcastHandler) (BroadcastSubscription, error) {
	sub, err := b.conn.Subscribe(sessionSubject(sessionID), func(msg *nats.Msg) {
		var ev events.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Error("failed to unmarshal broadcast event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		handler(context.Background(), sessionID, ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to session %s: %w", sessionID, err)
	}
	return &natsBroadcastSub{sub: sub}, nil
}

// Close drains and closes the NATS connection.
func (b *NATSBroadcaster) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// NewBroadcaster returns a NATS broadcaster when a URL is configured, and the
// in-memory broadcaster otherwise.
func NewBroadcaster(cfg config.NATSConfig, log *logger.Logger) (Broadcaster, error) {
	if cfg.URL == "" {
		return NewMemoryBroadcaster(log), nil
	}
	return NewNATSBroadcaster(cfg, log)
}
