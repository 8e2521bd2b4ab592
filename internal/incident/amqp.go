package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ShoraBot/internal/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Defaults for the incident event exchange.
const (
	DefaultExchange   = "shora.incidents"
	RoutingKeyCreated = "incident.reported"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes incident events to a durable topic exchange.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
}

// NewAMQPNotifier dials url and declares the exchange.
func NewAMQPNotifier(url, exchange string) (*AMQPNotifier, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	slog.Info("AMQPNotifier: connected", "exchange", exchange)
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name implements Notifier.
func (a *AMQPNotifier) Name() string { return "amqp" }

// Notify implements Notifier.
func (a *AMQPNotifier) Notify(ctx context.Context, notice models.IncidentNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, RoutingKeyCreated, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    notice.IncidentID,
		Timestamp:    notice.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish incident %s: %w", notice.IncidentID, err)
	}
	return nil
}

// Close closes the broker connection.
func (a *AMQPNotifier) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
