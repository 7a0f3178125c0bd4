// Package memqueue is an in-process broker for development mode and tests.
// Requests are recorded, responses are injected with Deliver.
package memqueue

import (
	"context"
	"errors"
	"sync"

	"github.com/manthysbr/jobrelay/internal/core/ports"
)

var ErrClosed = errors.New("memqueue: broker closed")

// Stats counts how deliveries were settled.
type Stats struct {
	Acked       int
	Requeued    int
	DeadLetters int
}

type Broker struct {
	mu          sync.Mutex
	published   []ports.Message
	deadLetters [][]byte
	stats       Stats
	publishErr  error
	onPublish   func(ports.Message)
	closed      bool

	queue chan ports.Delivery
	done  chan struct{}
}

func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{
		queue: make(chan ports.Delivery, buffer),
		done:  make(chan struct{}),
	}
}

var (
	_ ports.Publisher  = (*Broker)(nil)
	_ ports.Subscriber = (*Broker)(nil)
)

func (b *Broker) Publish(ctx context.Context, msg ports.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	msg.Body = append([]byte(nil), msg.Body...)
	b.published = append(b.published, msg)
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

// Consume returns the shared response channel. It is closed by Close.
func (b *Broker) Consume(ctx context.Context) (<-chan ports.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make(chan ports.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case d := <-b.queue:
				select {
				case out <- d:
				case <-ctx.Done():
					b.requeue(d)
					return
				case <-b.done:
					return
				}
			}
		}
	}()
	return out, nil
}

// Deliver enqueues a response body as if a worker had published it.
func (b *Broker) Deliver(ctx context.Context, correlationID string, body []byte) error {
	return b.enqueue(ctx, ports.Message{
		RoutingKey:    "response",
		CorrelationID: correlationID,
		ContentType:   "application/json",
		Body:          append([]byte(nil), body...),
	}, false)
}

func (b *Broker) enqueue(ctx context.Context, msg ports.Message, redelivered bool) error {
	var once sync.Once
	d := ports.Delivery{Message: msg, Redelivered: redelivered}
	d.Ack = func() error {
		once.Do(func() {
			b.mu.Lock()
			b.stats.Acked++
			b.mu.Unlock()
		})
		return nil
	}
	d.Nack = func(requeue bool) error {
		var err error
		once.Do(func() {
			b.mu.Lock()
			if requeue {
				b.stats.Requeued++
			} else {
				b.stats.DeadLetters++
				b.deadLetters = append(b.deadLetters, msg.Body)
			}
			b.mu.Unlock()
			if requeue {
				err = b.enqueue(context.Background(), msg, true)
			}
		})
		return err
	}

	select {
	case b.queue <- d:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) requeue(d ports.Delivery) {
	select {
	case b.queue <- d:
	default:
	}
}

// OnPublish installs a hook run after every successful publish, which lets
// a test or a dev worker answer requests.
func (b *Broker) OnPublish(fn func(ports.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = fn
}

// FailPublish makes every following Publish return err. nil restores it.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *Broker) Published() []ports.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ports.Message(nil), b.published...)
}

func (b *Broker) DeadLetters() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.deadLetters...)
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
