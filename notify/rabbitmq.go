/*
Package notify delivers marketplace notifications.

PURPOSE:
  Implementations of marketplace.Notifier. The engine never sends email
  itself: it publishes a notification event and a mail worker renders the
  template and sends it.

IMPLEMENTATIONS:
  RabbitMQ: publishes JSON to a durable topic exchange, routing key
            "notification.<template>"
  Log:      writes the notification to the structured log (dev, tests)

FAILURE:
  Send returns the publish error. Retry and give-up are handled by
  marketplace.Dispatcher, never here.
*/
package notify

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

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/warp/mentor-marketplace/marketplace"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "marketplace_notifications"

// Event is the message body published for one notification.
type Event struct {
	ID        string         `json:"id"`
	Template  string         `json:"template"`
	To        string         `json:"to"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// RabbitMQ publishes notifications to a topic exchange.
type RabbitMQ struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	logger   *slog.Logger
}

// NewRabbitMQ dials the broker and declares the exchange.
func NewRabbitMQ(amqpURL, exchange string, logger *slog.Logger) (*RabbitMQ, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Bounded dial timeout so startup does not hang.
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	r := &RabbitMQ{conn: conn, channel: ch, exchange: exchange, logger: logger}
	if err := r.declare(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQ) declare() error {
	return r.channel.ExchangeDeclare(
		r.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // autoDelete
		false,      // internal
		false,      // noWait
		nil,        // args
	)
}

// Send publishes n. A failed publish reopens the channel once and retries.
func (r *RabbitMQ) Send(ctx context.Context, n marketplace.Notification) error {
	body, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Template:  n.Template,
		To:        n.To,
		Subject:   n.Subject,
		Data:      n.Data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	key := RoutingKey(n.Template)

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.publish(ctx, key, body)
	if err == nil {
		return nil
	}
	r.logger.Warn("publish failed; reopening channel",
		"component", "rabbitmq_producer", "exchange", r.exchange, "routing_key", key, "error", err)

	ch, chErr := r.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	r.channel = ch
	if err := r.declare(); err != nil {
		return err
	}
	return r.publish(ctx, key, body)
}

func (r *RabbitMQ) publish(ctx context.Context, key string, body []byte) error {
	return r.channel.PublishWithContext(ctx,
		r.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close closes the channel and connection.
func (r *RabbitMQ) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

// RoutingKey maps a template name to a topic routing key.
func RoutingKey(template string) string {
	t := strings.ToLower(strings.TrimSpace(template))
	if t == "" {
		t = "generic"
	}
	return "notification." + strings.ReplaceAll(t, "_", ".")
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// Drop stray characters before the scheme.
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// Log writes notifications to a logger instead of delivering them.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Send(_ context.Context, n marketplace.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"component", "notify", "to", n.To, "subject", n.Subject,
		"template", n.Template, "routing_key", RoutingKey(n.Template))
	return nil
}

var (
	_ marketplace.Notifier = (*RabbitMQ)(nil)
	_ marketplace.Notifier = Log{}
)
