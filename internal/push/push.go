// ABOUTME: Push notification collaborators for recipients without a live session
// ABOUTME: AMQPNotifier publishes to a RabbitMQ topic exchange; LogNotifier only logs

package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RoutingKey is the topic the push worker binds to.
const RoutingKey = "pairchat.push.message"

// Notifier tells an offline user that something arrived.
type Notifier interface {
	Notify(ctx context.Context, userID, preview string) error
}

// ClosableNotifier is a Notifier that holds resources.
type ClosableNotifier interface {
	Notifier
	Close() error
}

// Notification is the JSON body published for each push.
type Notification struct {
	UserID  string    `json:"user_id"`
	Preview string    `json:"preview"`
	SentAt  time.Time `json:"sent_at"`
}

// publisher is the subset of *amqp.Channel the notifier uses.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes notifications as persistent JSON messages.
type AMQPNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  publisher
	exchange string
	logger   *slog.Logger
}

// NewAMQPNotifier dials url and declares a durable topic exchange.
func NewAMQPNotifier(url, exchange string, logger *slog.Logger) (*AMQPNotifier, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %q: %w", exchange, err)
	}

	n := newAMQPNotifier(ch, exchange, logger)
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch publisher, exchange string, logger *slog.Logger) *AMQPNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPNotifier{
		channel:  ch,
		exchange: exchange,
		logger:   logger.With("component", "push"),
	}
}

// Notify publishes one notification.
func (n *AMQPNotifier) Notify(ctx context.Context, userID, preview string) error {
	body, err := json.Marshal(Notification{
		UserID:  userID,
		Preview: preview,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	err = n.channel.PublishWithContext(ctx, n.exchange, RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      amqp.Table{"user_id": userID},
	})
	if err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}
	n.logger.Debug("push published", "user_id", userID)
	return nil
}

// Close closes the channel and connection.
func (n *AMQPNotifier) Close() error {
	var errs []error
	if n.channel != nil {
		errs = append(errs, n.channel.Close())
	}
	if n.conn != nil {
		errs = append(errs, n.conn.Close())
	}
	return errors.Join(errs...)
}

// LogNotifier logs notifications instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. Pass nil logger for default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "push")}
}

func (l *LogNotifier) Notify(ctx context.Context, userID, preview string) error {
	l.logger.Info("push notification", "user_id", userID, "preview", preview)
	return nil
}

func (l *LogNotifier) Close() error { return nil }

// New returns an AMQPNotifier when url is set and reachable, otherwise a
// LogNotifier.
func New(url, exchange string, logger *slog.Logger) ClosableNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if url == "" {
		return NewLogNotifier(logger)
	}
	n, err := NewAMQPNotifier(url, exchange, logger)
	if err != nil {
		logger.Warn("amqp unavailable, push notifications will only be logged", "error", err)
		return NewLogNotifier(logger)
	}
	return n
}
