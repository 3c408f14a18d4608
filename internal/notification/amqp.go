package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bher20/utilitycost/internal/storage"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Connection wraps a RabbitMQ connection.
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials url and closes the connection when the fx app stops.
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url string) (*Connection, error) {
	logger.Info("connecting to rabbitmq")

	conn, err := amqp.Dial(url)
	if err != nil {
		logger.Error("rabbitmq connection failed", zap.Error(err))
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := conn.Close(); err != nil {
				logger.Error("failed to close rabbitmq connection", zap.Error(err))
				return err
			}
			logger.Info("rabbitmq connection closed")
			return nil
		},
	})

	return &Connection{conn: conn}, nil
}

// Channel opens a new RabbitMQ channel.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// publishChannel is the subset of *amqp.Channel used for publishing.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher is the AMQP notification channel. Each notification becomes one
// persistent message on a topic exchange.
type Publisher struct {
	channel    publishChannel
	exchange   string
	routingKey string
	logger     *zap.Logger
}

// NewPublisher opens a channel on conn and declares the topic exchange.
func NewPublisher(conn *Connection, exchange, routingKey string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.Named("amqp"),
	}, nil
}

// Message is the JSON body published for a notification.
type Message struct {
	NotificationID   string    `json:"notification_id"`
	UserID           string    `json:"user_id"`
	UtilityType      string    `json:"utility_type"`
	BillingMonth     string    `json:"billing_month"`
	NotificationType string    `json:"notification_type"`
	OldRateVersionID string    `json:"old_rate_version_id"`
	NewRateVersionID string    `json:"new_rate_version_id"`
	OldCost          string    `json:"old_cost"`
	NewCost          string    `json:"new_cost"`
	CostDelta        string    `json:"cost_delta"`
	OldRateSource    string    `json:"old_rate_source"`
	NewRateSource    string    `json:"new_rate_source"`
	CreatedAt        time.Time `json:"created_at"`
}

func messageFor(n storage.RateUpdateNotification) Message {
	return Message{
		NotificationID:   n.ID,
		UserID:           n.UserID,
		UtilityType:      n.UtilityType,
		BillingMonth:     n.BillingMonth,
		NotificationType: n.NotificationType,
		OldRateVersionID: n.OldRateVersionID,
		NewRateVersionID: n.NewRateVersionID,
		OldCost:          n.OldCost.StringFixed(2),
		NewCost:          n.NewCost.StringFixed(2),
		CostDelta:        n.CostDelta.StringFixed(2),
		OldRateSource:    n.OldRateSource,
		NewRateSource:    n.NewRateSource,
		CreatedAt:        n.CreatedAt,
	}
}

func (p *Publisher) Name() string { return "amqp" }

// Deliver publishes n. The notification id doubles as the message id so
// consumers can drop redeliveries.
func (p *Publisher) Deliver(ctx context.Context, n storage.RateUpdateNotification) error {
	body, err := json.Marshal(messageFor(n))
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    n.ID,
			Timestamp:    n.CreatedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	p.logger.Debug("published notification",
		zap.String("routing_key", p.routingKey),
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
	)
	return nil
}

// Close closes the publisher channel.
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
