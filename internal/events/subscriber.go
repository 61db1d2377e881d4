package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/config"
)

// EventHandler is a function that processes received events.
type EventHandler func(routingKey string, body []byte) error

// Subscriber provides event subscription.
type Subscriber interface {
	// Subscribe starts delivering events matching routingKeys to handler.
	Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error

	// Close stops delivery.
	Close() error
}

// RabbitMQSubscriber consumes events from a queue bound to the exchange.
type RabbitMQSubscriber struct {
	conn   *connection
	queue  string
	logger *zap.Logger

	mu          sync.Mutex
	routingKeys []string
	handler     EventHandler
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRabbitMQSubscriber connects to RabbitMQ and declares a temporary queue.
func NewRabbitMQSubscriber(cfg *config.RabbitMQConfig, queueName string, logger *zap.Logger) (*RabbitMQSubscriber, error) {
	logger = logger.With(zap.String("component", "event_subscriber"), zap.String("queue", queueName))
	s := &RabbitMQSubscriber{queue: queueName, logger: logger}
	s.conn = &connection{
		cfg:         cfg,
		logger:      logger,
		setup:       s.declare,
		onReconnect: s.resume,
	}
	if err := s.conn.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// declare sets up the queue and re-binds any keys already subscribed.
func (s *RabbitMQSubscriber) declare(ch *amqp.Channel) error {
	_, err := ch.QueueDeclare(
		s.queue, // name
		false,   // durable
		true,    // auto-delete when no consumers
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	s.mu.Lock()
	keys := append([]string(nil), s.routingKeys...)
	s.mu.Unlock()
	if err := s.bind(ch, keys); err != nil {
		return err
	}

	if err := ch.Qos(s.conn.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

func (s *RabbitMQSubscriber) bind(ch *amqp.Channel, keys []string) error {
	for _, key := range keys {
		if err := ch.QueueBind(s.queue, key, s.conn.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue to routing key %s: %w", key, err)
		}
	}
	return nil
}

// Subscribe starts consuming messages from RabbitMQ.
func (s *RabbitMQSubscriber) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	ch, err := s.conn.current()
	if err != nil {
		return err
	}
	if err := s.bind(ch, routingKeys); err != nil {
		return err
	}

	s.mu.Lock()
	s.routingKeys = append(s.routingKeys, routingKeys...)
	s.handler = handler
	s.ctx, s.cancel = context.WithCancel(ctx)
	consumeCtx := s.ctx
	s.mu.Unlock()

	s.logger.Info("Subscribed to routing keys", zap.Strings("routing_keys", routingKeys))
	go s.consume(consumeCtx, handler)
	return nil
}

// resume restarts consumption after a reconnect.
func (s *RabbitMQSubscriber) resume() {
	s.mu.Lock()
	handler, ctx := s.handler, s.ctx
	s.mu.Unlock()

	if handler != nil && ctx != nil && ctx.Err() == nil {
		go s.consume(ctx, handler)
	}
}

func (s *RabbitMQSubscriber) consume(ctx context.Context, handler EventHandler) {
	ch, err := s.conn.current()
	if err != nil {
		return
	}

	msgs, err := ch.Consume(
		s.queue, // queue
		"",      // consumer tag
		false,   // auto-ack
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		s.logger.Error("Failed to start consuming", zap.Error(err))
		return
	}

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := deliver(handler, msg.RoutingKey, msg.Body); err != nil {
				s.logger.Warn("Dropping event", zap.Error(err), zap.String("routing_key", msg.RoutingKey))
				// Events are notifications; a bad one is not worth redelivering.
				msg.Nack(false, false)
				continue
			}
			msg.Ack(false)

		case <-ctx.Done():
			return
		}
	}
}

func deliver(handler EventHandler, routingKey string, body []byte) error {
	if !json.Valid(body) {
		return fmt.Errorf("invalid JSON in message body")
	}
	if err := handler(routingKey, body); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}
	return nil
}

// Close stops consumption and closes the connection.
func (s *RabbitMQSubscriber) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	err := s.conn.close()
	s.logger.Info("RabbitMQ subscriber closed")
	return err
}

var _ Subscriber = (*RabbitMQSubscriber)(nil)
