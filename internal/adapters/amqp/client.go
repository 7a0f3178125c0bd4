// Package amqp connects the job relay to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/manthysbr/jobrelay/internal/core/ports"
)

var ErrNotConfirmed = errors.New("broker did not confirm publish")

type Config struct {
	URL                string
	Exchange           string
	ResponseQueue      string
	ResponseBinding    string
	DeadLetterExchange string
	Prefetch           int
	ConsumerTag        string
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "research.jobs"
	}
	if c.ResponseQueue == "" {
		c.ResponseQueue = c.Exchange + ".responses"
	}
	if c.ResponseBinding == "" {
		c.ResponseBinding = "response.#"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 16
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "jobrelay"
	}
	return c
}

// Client publishes requests and consumes responses over one connection with
// a channel for each direction.
type Client struct {
	logger *slog.Logger
	cfg    Config
	conn   *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel
	subCh *amqp.Channel
}

var (
	_ ports.Publisher  = (*Client)(nil)
	_ ports.Subscriber = (*Client)(nil)
)

// Dial connects and declares the exchange, the response queue and its
// binding. With DeadLetterExchange set, rejected responses are routed there.
func Dial(logger *slog.Logger, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	c := &Client{logger: logger, cfg: cfg, conn: conn}
	if err := c.setup(); err != nil {
		conn.Close()
		return nil, err
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if err, ok := <-closed; ok && err != nil {
			logger.Error("broker connection closed", "error", err)
		}
	}()
	return c, nil
}

func (c *Client) setup() error {
	var err error
	if c.pubCh, err = c.conn.Channel(); err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := c.pubCh.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	if c.subCh, err = c.conn.Channel(); err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}

	if err := c.pubCh.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}

	var args amqp.Table
	if c.cfg.DeadLetterExchange != "" {
		if err := c.pubCh.ExchangeDeclare(c.cfg.DeadLetterExchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
		dlq := c.cfg.ResponseQueue + ".dead"
		if _, err := c.pubCh.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := c.pubCh.QueueBind(dlq, "", c.cfg.DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind dead-letter queue: %w", err)
		}
		args = amqp.Table{"x-dead-letter-exchange": c.cfg.DeadLetterExchange}
	}

	if _, err := c.subCh.QueueDeclare(c.cfg.ResponseQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", c.cfg.ResponseQueue, err)
	}
	if err := c.subCh.QueueBind(c.cfg.ResponseQueue, c.cfg.ResponseBinding, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", c.cfg.ResponseQueue, err)
	}
	if err := c.subCh.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	return nil
}

// Publish sends a persistent message and waits for the broker's confirm.
func (c *Client) Publish(ctx context.Context, msg ports.Message) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	dc, err := c.pubCh.PublishWithDeferredConfirmWithContext(ctx, c.cfg.Exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.RoutingKey, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", msg.CorrelationID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, msg.CorrelationID)
	}
	return nil
}

// Consume starts a manual-ack consumer on the response queue. The returned
// channel closes when ctx ends or the broker channel goes away.
func (c *Client) Consume(ctx context.Context) (<-chan ports.Delivery, error) {
	raw, err := c.subCh.Consume(c.cfg.ResponseQueue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.cfg.ResponseQueue, err)
	}

	out := make(chan ports.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				if err := c.subCh.Cancel(c.cfg.ConsumerTag, false); err != nil {
					c.logger.Warn("cancel consumer", "error", err)
				}
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- toDelivery(d):
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func toDelivery(d amqp.Delivery) ports.Delivery {
	return ports.Delivery{
		Message: ports.Message{
			RoutingKey:    d.RoutingKey,
			CorrelationID: d.CorrelationId,
			ContentType:   d.ContentType,
			Body:          d.Body,
		},
		Redelivered: d.Redelivered,
		Ack:         func() error { return d.Ack(false) },
		Nack:        func(requeue bool) error { return d.Nack(false, requeue) },
	}
}

// Healthy reports whether the connection is still open.
func (c *Client) Healthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) Close() error {
	var errs []error
	if c.subCh != nil {
		errs = append(errs, c.subCh.Close())
	}
	if c.pubCh != nil {
		errs = append(errs, c.pubCh.Close())
	}
	if c.conn != nil && !c.conn.IsClosed() {
		errs = append(errs, c.conn.Close())
	}
	return errors.Join(errs...)
}
