package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"framegeist/internal/models"
)

// RabbitMQConfig holds broker settings
type RabbitMQConfig struct {
	URL        string // RabbitMQ connection URL
	Exchange   string // Topic exchange name
	Queue      string // Queue bound to every lifecycle event
	RoutingKey string // Routing key prefix, the status is appended
}

// RabbitPublisher publishes lifecycle events as JSON to a topic exchange,
// routed by "<prefix>.<status>".
type RabbitPublisher struct {
	config  RabbitMQConfig
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
}

// NewRabbitPublisher connects and declares the exchange, queue and binding.
func NewRabbitPublisher(config RabbitMQConfig) (*RabbitPublisher, error) {
	p := &RabbitPublisher{config: config}
	if err := p.init(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *RabbitPublisher) init() error {
	var err error
	p.conn, err = amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = p.channel.ExchangeDeclare(
		p.config.Exchange, // name
		"topic",           // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = p.channel.QueueDeclare(
		p.config.Queue, // name
		true,           // durable
		false,          // delete when unused
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = p.channel.QueueBind(
		p.config.Queue,           // queue name
		p.config.RoutingKey+".#", // binding key
		p.config.Exchange,        // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	slog.Info("events: rabbitmq initialized",
		"exchange", p.config.Exchange,
		"queue", p.config.Queue,
		"routing_key", p.config.RoutingKey+".#",
	)
	return nil
}

func (p *RabbitPublisher) Name() string {
	return "rabbitmq"
}

// Publish sends one persistent message
func (p *RabbitPublisher) Publish(ctx context.Context, event models.SessionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return fmt.Errorf("rabbitmq channel is closed")
	}

	return p.channel.PublishWithContext(ctx,
		p.config.Exchange,                      // exchange
		RoutingKey(p.config.RoutingKey, event), // routing key
		false,                                  // mandatory
		false,                                  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    event.EventID,
			Timestamp:    event.OccurredAt,
			Type:         "stream." + event.Status.String(),
		},
	)
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// RoutingKey is the topic key an event is published under.
func RoutingKey(prefix string, event models.SessionEvent) string {
	return prefix + "." + event.Status.String()
}
