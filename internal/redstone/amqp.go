package redstone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultExchange    = "redstone.events"
	DefaultDLXExchange = "redstone.events.dlx"
)

// AMQPBroker publishes to a topic exchange keyed by event type. Each consumer
// group owns a durable queue whose rejected deliveries go to a per-group
// dead-letter queue on the DLX.
type AMQPBroker struct {
	conn     *amqp.Connection
	exchange string
	dlx      string
	log      *Logger

	mu    sync.Mutex
	pubCh *amqp.Channel
}

func NewAMQPBroker(url string, log *Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	b := &AMQPBroker{conn: conn, exchange: DefaultExchange, dlx: DefaultDLXExchange, log: log}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(b.dlx, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare dlx: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	b.pubCh = ch
	return b, nil
}

func (b *AMQPBroker) Close() error { return b.conn.Close() }

// Publish returns once the broker has confirmed the message.
func (b *AMQPBroker) Publish(ctx context.Context, m Message) error {
	headers := amqp.Table{}
	for k, v := range m.Headers {
		headers[k] = v
	}
	b.mu.Lock()
	dc, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.exchange, m.EventType(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    m.Header(HeaderEventID),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         m.Value,
		Type:         m.EventType(),
	})
	b.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: publish nacked", ErrBrokerUnavailable)
	}
	return nil
}

func (b *AMQPBroker) Subscribe(ctx context.Context, sub Subscription, h HandlerFunc) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := b.declareQueue(ch, sub); err != nil {
		return err
	}
	n := sub.Concurrency
	if n < 1 {
		n = 1
	}
	if err := ch.Qos(n, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, sub.Group, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Group, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						if ctx.Err() != nil {
							return nil
						}
						return errors.New("amqp delivery channel closed")
					}
					if err := deliver(ctx, b.log, fromDelivery(d), h); err != nil {
						_ = d.Nack(false, true)
						return err
					}
					if ctx.Err() != nil {
						_ = d.Nack(false, true)
						return nil
					}
					if err := d.Ack(false); err != nil {
						b.log.Error("amqp ack failed", map[string]any{"err": err.Error(), "group": sub.Group})
					}
				}
			}
		})
	}
	return g.Wait()
}

func (b *AMQPBroker) declareQueue(ch *amqp.Channel, sub Subscription) error {
	dlq := sub.Group + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, sub.Group, b.dlx, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", dlq, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    b.dlx,
		"x-dead-letter-routing-key": sub.Group,
	}
	if _, err := ch.QueueDeclare(sub.Group, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare %s: %w", sub.Group, err)
	}
	for _, t := range sub.EventTypes {
		if err := ch.QueueBind(sub.Group, t, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", sub.Group, t, err)
		}
	}
	return nil
}

func fromDelivery(d amqp.Delivery) Message {
	h := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		h[k] = fmt.Sprint(v)
	}
	return Message{Topic: d.RoutingKey, Key: h[HeaderAggregateID], Value: d.Body, Headers: h}
}
