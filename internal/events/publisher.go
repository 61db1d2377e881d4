package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/config"
	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// Publisher publishes backtest lifecycle events.
type Publisher interface {
	// Publish publishes an event with the given routing key.
	Publish(ctx context.Context, routingKey string, event any) error

	// PublishBacktestCompleted publishes a backtest.completed event.
	PublishBacktestCompleted(ctx context.Context, run *domain.BacktestRun, metrics domain.Metrics) error

	// PublishBacktestFailed publishes a backtest.failed event.
	PublishBacktestFailed(ctx context.Context, run *domain.BacktestRun, cause error) error

	// Close closes the publisher connection.
	Close() error
}

// RabbitMQPublisher implements Publisher using a RabbitMQ topic exchange.
type RabbitMQPublisher struct {
	conn   *connection
	logger *zap.Logger
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the exchange.
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	logger = logger.With(zap.String("component", "event_publisher"))
	p := &RabbitMQPublisher{
		conn:   &connection{cfg: cfg, logger: logger},
		logger: logger,
	}
	if err := p.conn.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish publishes an event with the given routing key.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	channel, err := p.conn.current()
	if err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = channel.PublishWithContext(
		ctx,
		p.conn.cfg.Exchange, // exchange
		routingKey,          // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		zap.String("routing_key", routingKey),
		zap.Int("body_size", len(body)),
	)
	return nil
}

// PublishBacktestCompleted publishes a backtest.completed event.
func (p *RabbitMQPublisher) PublishBacktestCompleted(ctx context.Context, run *domain.BacktestRun, metrics domain.Metrics) error {
	return p.Publish(ctx, RoutingKeyBacktestCompleted, NewBacktestCompletedEvent(run, metrics))
}

// PublishBacktestFailed publishes a backtest.failed event.
func (p *RabbitMQPublisher) PublishBacktestFailed(ctx context.Context, run *domain.BacktestRun, cause error) error {
	return p.Publish(ctx, RoutingKeyBacktestFailed, NewBacktestFailedEvent(run, cause))
}

// Close closes the publisher connection.
func (p *RabbitMQPublisher) Close() error {
	err := p.conn.close()
	p.logger.Info("RabbitMQ publisher closed")
	return err
}

// NoOpPublisher is a publisher that does nothing (for testing or when events disabled).
type NoOpPublisher struct{}

// NewNoOpPublisher creates a new no-op publisher.
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

func (p *NoOpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return nil
}

func (p *NoOpPublisher) PublishBacktestCompleted(ctx context.Context, run *domain.BacktestRun, metrics domain.Metrics) error {
	return nil
}

func (p *NoOpPublisher) PublishBacktestFailed(ctx context.Context, run *domain.BacktestRun, cause error) error {
	return nil
}

func (p *NoOpPublisher) Close() error {
	return nil
}

// Ensure interface compliance
var _ Publisher = (*RabbitMQPublisher)(nil)
var _ Publisher = (*NoOpPublisher)(nil)
