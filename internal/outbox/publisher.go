package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redstone/ordersaga/internal/redstone"
)

type Config struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Lease        time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		BatchSize:    100,
		MaxAttempts:  5,
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		Lease:        30 * time.Second,
	}
}

// FailureSink receives entries that used up their publish attempts.
type FailureSink interface {
	RecordPublishFailure(ctx context.Context, e Entry, cause error) error
}

type Option func(*Publisher)

func WithClock(c redstone.Clock) Option { return func(p *Publisher) { p.clock = c } }

func WithFailureSink(s FailureSink) Option { return func(p *Publisher) { p.sink = s } }

func WithLogger(l *redstone.Logger) Option { return func(p *Publisher) { p.log = l } }

func WithMetrics(m *redstone.Metrics) Option { return func(p *Publisher) { p.metrics = m } }

// Publisher relays pending outbox entries to the broker.
type Publisher struct {
	store   Store
	broker  redstone.Publisher
	cfg     Config
	clock   redstone.Clock
	sink    FailureSink
	log     *redstone.Logger
	metrics *redstone.Metrics
}

func NewPublisher(store Store, broker redstone.Publisher, cfg Config, opts ...Option) *Publisher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	p := &Publisher{
		store:  store,
		broker: broker,
		cfg:    cfg,
		clock:  redstone.SystemClock{},
		log:    redstone.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.WorkerID == "" {
		p.cfg.WorkerID = redstone.UUIDGenerator{}.NewID()
	}
	return p
}

func (p *Publisher) Run(ctx context.Context) error {
	p.log.Info("outbox publisher started", map[string]any{"worker": p.cfg.WorkerID, "interval": p.cfg.PollInterval.String()})
	return redstone.Every(ctx, p.cfg.PollInterval, func(ctx context.Context) {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("outbox poll failed", map[string]any{"err": err.Error()})
		}
	})
}

// RunOnce claims one batch and publishes it. It returns how many entries
// were published.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	now := p.clock.Now()
	batch, err := p.store.Claim(ctx, ClaimRequest{
		Worker: p.cfg.WorkerID,
		Limit:  p.cfg.BatchSize,
		Now:    now,
		Lease:  p.cfg.Lease,
	})
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}

	blocked := map[string]bool{}
	published := 0
	for _, e := range batch {
		if ctx.Err() != nil {
			// Unpublished entries become claimable again when their lease runs out.
			return published, ctx.Err()
		}
		if blocked[e.AggregateID] {
			if err := p.store.Release(ctx, e.ID, p.cfg.WorkerID); err != nil {
				p.log.Warn("outbox release failed", map[string]any{"err": err.Error(), "id": e.ID})
			}
			continue
		}
		if err := p.publish(ctx, e); err != nil {
			blocked[e.AggregateID] = true
			p.fail(ctx, e, err)
			continue
		}
		if err := p.store.MarkPublished(ctx, e.ID, p.cfg.WorkerID, p.clock.Now()); err != nil {
			// Downstream idempotency absorbs the second publish if another
			// worker picks this entry up again.
			p.log.Warn("outbox mark published failed", map[string]any{"err": err.Error(), "id": e.ID})
			continue
		}
		published++
		p.metrics.Published(string(e.EventType))
	}

	p.reportDepth(ctx)
	return published, nil
}

func (p *Publisher) publish(ctx context.Context, e Entry) error {
	m := e.Message()
	ctx, span := redstone.StartPublishSpan(ctx, m)
	defer span.End()
	if err := p.broker.Publish(ctx, m); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (p *Publisher) fail(ctx context.Context, e Entry, cause error) {
	p.metrics.PublishFailed(string(e.EventType))
	e.RetryCount++
	e.LastError = cause.Error()
	fields := map[string]any{
		"id": e.ID, "event_id": e.EventID, "event_type": string(e.EventType),
		"aggregate_id": e.AggregateID, "retry_count": e.RetryCount, "err": e.LastError,
	}

	if e.RetryCount >= p.cfg.MaxAttempts {
		if err := p.store.MarkFailed(ctx, e.ID, p.cfg.WorkerID, e.RetryCount, e.LastError); err != nil {
			p.log.Error("outbox mark failed failed", map[string]any{"err": err.Error(), "id": e.ID})
			return
		}
		e.Status = StatusFailed
		p.log.Error("outbox entry failed permanently", fields)
		if p.sink != nil {
			if err := p.sink.RecordPublishFailure(ctx, e, cause); err != nil {
				p.log.Error("outbox failure hand-off failed", map[string]any{"err": err.Error(), "id": e.ID})
			}
		}
		return
	}

	next := p.clock.Now().Add(p.Backoff(e.RetryCount))
	if err := p.store.MarkRetry(ctx, e.ID, p.cfg.WorkerID, e.RetryCount, e.LastError, next); err != nil {
		p.log.Error("outbox mark retry failed", map[string]any{"err": err.Error(), "id": e.ID})
		return
	}
	fields["next_attempt_at"] = next
	if errors.Is(cause, redstone.ErrBrokerUnavailable) {
		p.log.Warn("broker unavailable, outbox entry backing off", fields)
		return
	}
	p.log.Warn("outbox publish failed, backing off", fields)
}

// Backoff is the wait before attempt retryCount+1: the base delay doubled
// per attempt, capped at MaxDelay.
func (p *Publisher) Backoff(retryCount int) time.Duration {
	return redstone.Capped(p.cfg.BaseDelay, retryCount-1, p.cfg.MaxDelay)
}

func (p *Publisher) reportDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	d, err := p.store.Depth(ctx)
	if err != nil {
		return
	}
	p.metrics.OutboxDepth(string(StatusPending), d.Pending)
	p.metrics.OutboxDepth(string(StatusFailed), d.Failed)
}
