package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/config"
)

var errClosed = errors.New("connection is closed")

// connection owns one AMQP connection and channel with the topic exchange
// declared, and reconnects with exponential backoff when the broker drops it.
type connection struct {
	cfg    *config.RabbitMQConfig
	logger *zap.Logger

	// setup runs on every fresh channel, after the exchange is declared.
	setup func(ch *amqp.Channel) error
	// onReconnect runs after a successful reconnect.
	onReconnect func()

	mu           sync.RWMutex
	conn         *amqp.Connection
	channel      *amqp.Channel
	closed       bool
	reconnecting bool
}

func (c *connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		c.cfg.Exchange, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if c.setup != nil {
		if err := c.setup(ch); err != nil {
			ch.Close()
			conn.Close()
			return err
		}
	}

	c.conn, c.channel = conn, ch

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)
	go c.handleClose(closeChan)

	c.logger.Info("Connected to RabbitMQ", zap.String("exchange", c.cfg.Exchange))
	return nil
}

func (c *connection) handleClose(closeChan chan *amqp.Error) {
	err := <-closeChan
	if err == nil {
		return // graceful close
	}

	c.logger.Warn("RabbitMQ connection closed", zap.Error(err))
	c.reconnect()
}

func (c *connection) reconnect() {
	c.mu.Lock()
	if c.closed || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := parseDelay(c.cfg.ReconnectDelay, 5*time.Second)
	maxWait := parseDelay(c.cfg.MaxReconnectWait, 30*time.Second)

	for {
		if c.isClosed() {
			return
		}

		time.Sleep(delay)

		if err := c.connect(); err != nil {
			if errors.Is(err, errClosed) {
				return
			}
			c.logger.Warn("Reconnection failed", zap.Error(err), zap.Duration("next_attempt", delay*2))
			delay = min(delay*2, maxWait)
			continue
		}

		c.logger.Info("Reconnected to RabbitMQ")
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return
	}
}

// current returns the live channel.
func (c *connection) current() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, errClosed
	}
	if c.channel == nil {
		return nil, errors.New("channel not available")
	}
	return c.channel, nil
}

func (c *connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.channel != nil {
		errs = append(errs, c.channel.Close())
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}

func parseDelay(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}
