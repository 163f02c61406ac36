package redstone

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Header names carried on every broker message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderCorrelationID = "correlation_id"
	HeaderSchemaVersion = "schema_version"
	HeaderRetryCount    = "x-retry-count"
)

var (
	ErrFatal             = errors.New("fatal")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// Fatal marks err as unrecoverable. Consumers stop and the process exits.
func Fatal(err error) error {
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// Message is the transport-neutral unit exchanged with a broker.
type Message struct {
	Topic   string            `json:"topic,omitempty"`
	Key     string            `json:"key"`
	Value   []byte            `json:"value"`
	Headers map[string]string `json:"headers"`
}

func (m Message) Header(k string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[k]
}

func (m Message) EventType() string { return m.Header(HeaderEventType) }

// RetryCount reads x-retry-count. Missing or malformed values count as zero.
func (m Message) RetryCount() int {
	n, err := strconv.Atoi(m.Header(HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithHeader returns a copy of m with k set to v.
func (m Message) WithHeader(k, v string) Message {
	h := make(map[string]string, len(m.Headers)+1)
	for key, val := range m.Headers {
		h[key] = val
	}
	h[k] = v
	m.Headers = h
	return m
}

func (m Message) WithRetryCount(n int) Message {
	return m.WithHeader(HeaderRetryCount, strconv.Itoa(n))
}

type HandlerFunc func(ctx context.Context, m Message) error

type Publisher interface {
	Publish(ctx context.Context, m Message) error
}

// Subscription names a consumer group and the event types it wants.
type Subscription struct {
	Group       string
	EventTypes  []string
	Concurrency int
}

func (s Subscription) wants(eventType string) bool {
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

type Subscriber interface {
	// Subscribe blocks until ctx is done or the handler returns a fatal error.
	Subscribe(ctx context.Context, sub Subscription, h HandlerFunc) error
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Router maps event types onto kafka topics, one topic per domain.
type Router struct {
	Prefix string
}

func (r Router) Topic(eventType string) string {
	domain, _, _ := strings.Cut(eventType, ".")
	switch domain {
	case "order":
		domain = "orders"
	case "payment":
		domain = "payments"
	}
	if r.Prefix == "" {
		return domain
	}
	return r.Prefix + "." + domain
}

// Topics returns the distinct topics that carry eventTypes, in first-seen order.
func (r Router) Topics(eventTypes []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range eventTypes {
		topic := r.Topic(t)
		if !seen[topic] {
			seen[topic] = true
			out = append(out, topic)
		}
	}
	return out
}
