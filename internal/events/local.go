package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// LocalBus is an in-process Publisher and Subscriber. It backs the websocket
// feed when no broker is configured and can wrap a broker publisher so local
// listeners see events without a round trip.
type LocalBus struct {
	next   Publisher
	logger *zap.Logger

	mu   sync.RWMutex
	subs []*localSub
}

type localSub struct {
	ctx     context.Context
	keys    []string
	handler EventHandler
	stop    func() bool
}

// NewLocalBus creates a bus. next, when non-nil, also receives every event.
func NewLocalBus(next Publisher, logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{next: next, logger: logger.With(zap.String("component", "local_bus"))}
}

// Subscribe implements Subscriber. The subscription is removed when ctx is
// done.
func (b *LocalBus) Subscribe(ctx context.Context, routingKeys []string, handler EventHandler) error {
	sub := &localSub{ctx: ctx, keys: routingKeys, handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	sub.stop = context.AfterFunc(ctx, func() { b.remove(sub) })
	return nil
}

func (b *LocalBus) remove(sub *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// subscriptions returns the number of live subscriptions.
func (b *LocalBus) subscriptions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish implements Publisher. Handlers run synchronously and their errors
// are logged, not returned.
func (b *LocalBus) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b.mu.RLock()
	subs := append([]*localSub(nil), b.subs...)
	b.mu.RUnlock()

	for _, s := range subs {
		// Removal runs asynchronously after cancel.
		if s.ctx.Err() != nil || !matchesAny(s.keys, routingKey) {
			continue
		}
		if err := deliver(s.handler, routingKey, body); err != nil {
			b.logger.Warn("Local handler failed", zap.String("routing_key", routingKey), zap.Error(err))
		}
	}

	if b.next != nil {
		return b.next.Publish(ctx, routingKey, event)
	}
	return nil
}

// PublishBacktestCompleted implements Publisher.
func (b *LocalBus) PublishBacktestCompleted(ctx context.Context, run *domain.BacktestRun, metrics domain.Metrics) error {
	return b.Publish(ctx, RoutingKeyBacktestCompleted, NewBacktestCompletedEvent(run, metrics))
}

// PublishBacktestFailed implements Publisher.
func (b *LocalBus) PublishBacktestFailed(ctx context.Context, run *domain.BacktestRun, cause error) error {
	return b.Publish(ctx, RoutingKeyBacktestFailed, NewBacktestFailedEvent(run, cause))
}

// Close drops all subscriptions and closes the wrapped publisher.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	if b.next != nil {
		return b.next.Close()
	}
	return nil
}

var (
	_ Publisher  = (*LocalBus)(nil)
	_ Subscriber = (*LocalBus)(nil)
)

func matchesAny(patterns []string, key string) bool {
	for _, p := range patterns {
		if TopicMatch(p, key) {
			return true
		}
	}
	return false
}

// TopicMatch reports whether key matches an AMQP topic pattern, where "*"
// matches exactly one word and "#" matches zero or more.
func TopicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || k[0] != p[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
