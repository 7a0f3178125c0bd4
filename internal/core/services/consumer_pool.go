package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/manthysbr/jobrelay/internal/core/ports"
	"golang.org/x/sync/semaphore"
)

// PoolConfig bounds how many deliveries are processed at once.
type PoolConfig struct {
	MaxInFlight int64
}

// DeliveryHandler processes and settles one delivery.
type DeliveryHandler interface {
	HandleDelivery(ctx context.Context, d ports.Delivery)
}

// ConsumerPool drains a subscriber's deliveries into a bounded set of
// concurrent handlers.
type ConsumerPool struct {
	logger     *slog.Logger
	subscriber ports.Subscriber
	handler    DeliveryHandler
	semaphore  *semaphore.Weighted
}

func NewConsumerPool(logger *slog.Logger, subscriber ports.Subscriber, handler DeliveryHandler, cfg PoolConfig) *ConsumerPool {
	limit := cfg.MaxInFlight
	if limit <= 0 {
		limit = 8
	}
	return &ConsumerPool{
		logger:     logger,
		subscriber: subscriber,
		handler:    handler,
		semaphore:  semaphore.NewWeighted(limit),
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes, then
// waits for in-flight handlers to finish.
func (p *ConsumerPool) Run(ctx context.Context) error {
	deliveries, err := p.subscriber.Consume(ctx)
	if err != nil {
		return fmt.Errorf("start consuming responses: %w", err)
	}
	p.logger.Info("response consumer started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("response consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				p.logger.Warn("response delivery channel closed")
				return nil
			}
			if err := p.semaphore.Acquire(ctx, 1); err != nil {
				// Unsettled deliveries return to the queue when the
				// channel closes.
				nack(p.logger, d, true)
				return nil
			}
			wg.Add(1)
			go func(d ports.Delivery) {
				defer wg.Done()
				defer p.semaphore.Release(1)
				p.handler.HandleDelivery(ctx, d)
			}(d)
		}
	}
}
