package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange session events are published to.
const DefaultExchange = "pulsepay.sessions"

// Channel is the subset of *amqp091.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPNotifier publishes messages as JSON to a durable topic exchange,
// routed by message kind.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  Channel
	exchange string
	declared bool
	logger   *slog.Logger
}

// DialAMQP connects to the broker with a bounded dial timeout.
func DialAMQP(rawURL, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	clean := strings.Trim(strings.TrimSpace(rawURL), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return nil, errors.New("AMQP scheme must be amqp:// or amqps://")
	}
	conn, err := amqp091.DialConfig(clean, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	n := NewAMQPNotifier(ch, exchange, logger)
	n.conn = conn
	return n, nil
}

// NewAMQPNotifier wraps an open channel.
func NewAMQPNotifier(ch Channel, exchange string, logger *slog.Logger) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{channel: ch, exchange: exchange, logger: logger}
}

// Send publishes the message with its kind as the routing key.
func (n *AMQPNotifier) Send(ctx context.Context, message Message) error {
	if message.OccurredAt.IsZero() {
		message.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.declared {
		if err := n.channel.ExchangeDeclare(n.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", n.exchange, err)
		}
		n.declared = true
	}
	err = n.channel.PublishWithContext(ctx, n.exchange, message.Kind, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    message.SessionID + ":" + message.Kind,
		Timestamp:    message.OccurredAt,
		Body:         body,
	})
	if err != nil {
		n.logger.Warn("event publish failed", "exchange", n.exchange, "routing_key", message.Kind, "error", err)
		return err
	}
	return nil
}

// Close closes the channel and connection.
func (n *AMQPNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.channel != nil {
		_ = n.channel.Close()
	}
	if n.conn != nil {
		_ = n.conn.Close()
	}
}
