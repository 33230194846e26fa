package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sudo-init-do/strathshare/internal/alerts"
)

// Default bindings cover every lifecycle event the API publishes.
var DefaultBindings = []string{"request.*", "payment.*", "review.*"}

type Config struct {
	URL      string
	Exchange string
	Queue    string
	Bindings []string
	Prefetch int
	// DLX, when set, dead-letters messages the handler rejects for good.
	DLX string
}

// HandlerFunc reacts to one event. A returned error requeues the delivery.
type HandlerFunc func(ctx context.Context, ev alerts.Event) error

type Consumer struct {
	cfg    Config
	handle HandlerFunc
	log    *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(cfg Config, h HandlerFunc, log *slog.Logger) *Consumer {
	if len(cfg.Bindings) == 0 {
		cfg.Bindings = DefaultBindings
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	return &Consumer{cfg: cfg, handle: h, log: log}
}

func (c *Consumer) Connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	fail := func(err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err))
	}
	args := amqp.Table{}
	if c.cfg.DLX != "" {
		args["x-dead-letter-exchange"] = c.cfg.DLX
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, args)
	if err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	for _, rk := range c.cfg.Bindings {
		if err := ch.QueueBind(q.Name, rk, c.cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind %s: %w", rk, err))
		}
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}
	c.conn, c.ch = conn, ch
	c.cfg.Queue = q.Name
	return nil
}

// Run consumes until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if c.ch == nil {
		if err := c.Connect(); err != nil {
			return err
		}
	}
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.log.Info("event consumer started", "queue", c.cfg.Queue, "bindings", c.cfg.Bindings)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			c.settle(ctx, d, c.dispatch(ctx, d.RoutingKey, d.Body))
		}
	}
}

type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// outcome of a single delivery
type outcome int

const (
	ack outcome = iota
	requeue
	reject
)

func (c *Consumer) settle(_ context.Context, d acker, o outcome) {
	switch o {
	case ack:
		_ = d.Ack(false)
	case requeue:
		_ = d.Nack(false, true)
	case reject:
		_ = d.Nack(false, false)
	}
}

func (c *Consumer) dispatch(ctx context.Context, key string, body []byte) outcome {
	var ev alerts.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		c.log.Warn("dropping malformed event", "key", key, "error", err)
		return reject
	}
	if ev.Key == "" {
		ev.Key = key
	}
	if err := c.handle(ctx, ev); err != nil {
		c.log.Error("event handler failed, requeueing", "key", key, "request_id", ev.RequestID, "error", err)
		return requeue
	}
	return ack
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
