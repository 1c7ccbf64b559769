package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/italolelis/ftransfer/internal/registry"
	"github.com/nats-io/nats.go"
)

const DefaultNATSSubject = "ftransfer.transfers"

// Publisher is the part of *nats.Conn the NATS notifier uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes every finished transfer as JSON on
// <subject>.<direction>.<phase>.
type NATSNotifier struct {
	conn    Publisher
	subject string
}

// EventEnvelope is the message body published on NATS.
type EventEnvelope struct {
	Type       string            `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Transfer   registry.Snapshot `json:"transfer"`
}

func NewNATSNotifier(conn Publisher, subject string) *NATSNotifier {
	if subject == "" {
		subject = DefaultNATSSubject
	}

	return &NATSNotifier{conn: conn, subject: subject}
}

// ConnectNATS dials url and returns the connection with a cleanup that
// drains it.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("ftransfer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	cleanup := func() {
		if err := nc.Drain(); err != nil {
			logger.Error("failed to drain NATS connection", "err", err)
		}
	}

	return nc, cleanup, nil
}

func (n *NATSNotifier) Subject(s registry.Snapshot) string {
	return fmt.Sprintf("%s.%s.%s", n.subject, s.Direction, s.PhaseName)
}

func (n *NATSNotifier) Notify(ctx context.Context, s registry.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(EventEnvelope{
		Type:       "transfer." + s.PhaseName,
		OccurredAt: time.Now().UTC(),
		Transfer:   s,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(n.Subject(s))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, s.ID+"."+s.PhaseName)

	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
