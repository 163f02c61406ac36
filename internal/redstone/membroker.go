package redstone

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process broker. Published messages are queued per
// consumer group and handed out by Deliver, which keeps tests deterministic.
type MemoryBroker struct {
	mu        sync.Mutex
	groups    map[string]*memGroup
	order     []string
	published []Message
	failures  func(Message) error
}

type memGroup struct {
	sub     Subscription
	handler HandlerFunc
	queue   []Message
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{groups: map[string]*memGroup{}}
}

// FailWith makes Publish return fn's error for every message it rejects.
// Pass nil to restore normal behaviour.
func (b *MemoryBroker) FailWith(fn func(Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = fn
}

func (b *MemoryBroker) Publish(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures != nil {
		if err := b.failures(m); err != nil {
			return err
		}
	}
	b.published = append(b.published, m)
	for _, name := range b.order {
		g := b.groups[name]
		if g.sub.wants(m.EventType()) {
			g.queue = append(g.queue, m)
		}
	}
	return nil
}

// Attach registers h for sub without blocking. Re-attaching a group keeps
// its queued messages.
func (b *MemoryBroker) Attach(sub Subscription, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[sub.Group]; ok {
		g.sub, g.handler = sub, h
		return
	}
	b.order = append(b.order, sub.Group)
	b.groups[sub.Group] = &memGroup{sub: sub, handler: h}
}

// Deliver drains every group queue, including messages published by the
// handlers it runs, and reports how many deliveries were made. A handler
// error leaves the message at the head of its queue.
func (b *MemoryBroker) Deliver(ctx context.Context) (int, error) {
	delivered := 0
	for {
		m, g, ok := b.next()
		if !ok {
			return delivered, nil
		}
		if err := g.handler(ctx, m); err != nil {
			return delivered, err
		}
		b.mu.Lock()
		g.queue = g.queue[1:]
		b.mu.Unlock()
		delivered++
	}
}

func (b *MemoryBroker) next() (Message, *memGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range b.order {
		g := b.groups[name]
		if len(g.queue) > 0 {
			return g.queue[0], g, true
		}
	}
	return Message{}, nil, false
}

// Subscribe attaches h and delivers on a short tick. Other handler errors
// leave the message queued for the next tick; a fatal one is returned.
func (b *MemoryBroker) Subscribe(ctx context.Context, sub Subscription, h HandlerFunc) error {
	b.Attach(sub, h)
	return Poll(ctx, 10*time.Millisecond, func(ctx context.Context) error {
		if _, err := b.Deliver(ctx); IsFatal(err) {
			return err
		}
		return nil
	})
}

// Published returns every accepted message in publish order.
func (b *MemoryBroker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedOfType filters Published by event type.
func (b *MemoryBroker) PublishedOfType(eventType string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if m.EventType() == eventType {
			out = append(out, m)
		}
	}
	return out
}

func (b *MemoryBroker) Close() error { return nil }
