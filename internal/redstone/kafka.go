package redstone

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// KafkaBroker writes every event type to its domain topic and reads with one
// reader per partition slot, so ordering per key is kept within a group.
type KafkaBroker struct {
	brokers []string
	router  Router
	w       *kafka.Writer
	log     *Logger
}

func NewKafkaBroker(brokers []string, router Router, log *Logger) *KafkaBroker {
	return &KafkaBroker{
		brokers: brokers,
		router:  router,
		log:     log,
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}
}

func (b *KafkaBroker) Close() error { return b.w.Close() }

func (b *KafkaBroker) Publish(ctx context.Context, m Message) error {
	topic := m.Topic
	if topic == "" {
		topic = b.router.Topic(m.EventType())
	}
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return b.w.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(m.Key),
		Value:   m.Value,
		Headers: headers,
		Time:    time.Now(),
	})
}

func (b *KafkaBroker) Subscribe(ctx context.Context, sub Subscription, h HandlerFunc) error {
	n := sub.Concurrency
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range b.router.Topics(sub.EventTypes) {
		for i := 0; i < n; i++ {
			c := newConsumer(b.brokers, topic, sub.Group)
			g.Go(func() error {
				defer c.Close()
				return b.consume(ctx, c, sub, h)
			})
		}
	}
	return g.Wait()
}

func (b *KafkaBroker) consume(ctx context.Context, c *consumer, sub Subscription, h HandlerFunc) error {
	for {
		km, err := c.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.Error("kafka fetch failed", map[string]any{"err": err.Error(), "group": sub.Group})
			_ = SleepWithContext(ctx, 500*time.Millisecond)
			continue
		}

		m := fromKafka(km)
		if sub.wants(m.EventType()) {
			if err := deliver(ctx, b.log, m, h); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := c.Commit(ctx, km); err != nil {
			b.log.Error("kafka commit failed", map[string]any{"err": err.Error(), "topic": km.Topic, "offset": km.Offset})
		}
	}
}

// deliver hands m to h until it is accepted. Handler errors here are
// infrastructure failures (the retry manager absorbs everything else), so
// the message is held rather than skipped.
func deliver(ctx context.Context, log *Logger, m Message, h HandlerFunc) error {
	for attempt := 0; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return err
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil
		}
		log.Warn("handler failed, holding message", map[string]any{
			"err": err.Error(), "event_type": m.EventType(), "attempt": attempt,
		})
		if SleepWithContext(ctx, Capped(200*time.Millisecond, attempt, 10*time.Second)) != nil {
			return nil
		}
	}
}

func fromKafka(km kafka.Message) Message {
	h := make(map[string]string, len(km.Headers))
	for _, kh := range km.Headers {
		h[kh.Key] = string(kh.Value)
	}
	return Message{Topic: km.Topic, Key: string(km.Key), Value: km.Value, Headers: h}
}

type consumer struct {
	r *kafka.Reader
}

func newConsumer(brokers []string, topic, groupID string) *consumer {
	return &consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
	}
}

func (c *consumer) Close() error { return c.r.Close() }

func (c *consumer) Fetch(ctx context.Context) (kafka.Message, error) {
	return c.r.FetchMessage(ctx)
}

func (c *consumer) Commit(ctx context.Context, m kafka.Message) error {
	return c.r.CommitMessages(ctx, m)
}
