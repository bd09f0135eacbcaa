package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes events on "<subject>.<event type>". The NATS client
// buffers writes, so Publish does not wait for the server.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

func NewNATSPublisher(conn *nats.Conn, subject string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NATSPublisher{conn: conn, subject: subject, logger: logger}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t Type) string {
	return p.subject + "." + string(t)
}

func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.Subject(event.EventType()), payload); err != nil {
		p.logger.WarnContext(ctx, "nats publish failed",
			"event_type", event.EventType(),
			"error", err,
		)
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe feeds events from the broker into h, in a queue group so only one
// process instance handles each event.
func (p *NATSPublisher) Subscribe(t Type, queue string, h Handler) (*nats.Subscription, error) {
	return p.conn.QueueSubscribe(p.Subject(t), queue, func(msg *nats.Msg) {
		event, err := Decode(msg.Data)
		if err != nil {
			p.logger.Error("discarding undecodable event", "subject", msg.Subject, "error", err)
			return
		}
		if err := h(context.Background(), event); err != nil {
			p.logger.Error("event handler failed", "subject", msg.Subject, "error", err)
		}
	})
}
