package deadletter

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redstone/ordersaga/internal/event"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/redstone"
)

// Handler processes one decoded event. Returning a Poison error parks the
// message at once; any other error schedules a retry.
type Handler func(ctx context.Context, e event.Envelope) error

type Config struct {
	Group        string
	WorkerID     string
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

func DefaultConfig(group string) Config {
	return Config{
		Group:        group,
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     time.Minute,
		PollInterval: time.Second,
		BatchSize:    50,
		Lease:        30 * time.Second,
	}
}

type Option func(*Manager)

func WithClock(c redstone.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithIDGenerator(g redstone.IDGenerator) Option { return func(m *Manager) { m.ids = g } }

func WithLogger(l *redstone.Logger) Option { return func(m *Manager) { m.log = l } }

func WithMetrics(mt *redstone.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithRequeuer lets the manager replay letters that came from the outbox.
func WithRequeuer(r Requeuer) Option { return func(m *Manager) { m.requeuer = r } }

// Manager runs the per-message retry state machine for one consumer group.
type Manager struct {
	cfg      Config
	codec    *event.Registry
	letters  Store
	retries  RetryStore
	requeuer Requeuer
	handlers map[event.Type]Handler
	clock    redstone.Clock
	ids      redstone.IDGenerator
	log      *redstone.Logger
	metrics  *redstone.Metrics
}

func NewManager(cfg Config, codec *event.Registry, letters Store, retries RetryStore, opts ...Option) *Manager {
	def := DefaultConfig(cfg.Group)
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	m := &Manager{
		cfg:      cfg,
		codec:    codec,
		letters:  letters,
		retries:  retries,
		handlers: map[event.Type]Handler{},
		clock:    redstone.SystemClock{},
		ids:      redstone.UUIDGenerator{},
		log:      redstone.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.WorkerID == "" {
		m.cfg.WorkerID = m.ids.NewID()
	}
	return m
}

func (m *Manager) Register(t event.Type, h Handler) {
	m.handlers[t] = h
}

// Subscription covers every registered event type.
func (m *Manager) Subscription(concurrency int) redstone.Subscription {
	types := make([]string, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return redstone.Subscription{Group: m.cfg.Group, EventTypes: types, Concurrency: concurrency}
}

// Delay is the wait before retry number attempt (1-based): base * 2^attempt,
// capped.
func (m *Manager) Delay(attempt int) time.Duration {
	return redstone.Capped(m.cfg.BaseDelay, attempt, m.cfg.MaxDelay)
}

// Handle is the broker-facing entry point. It only fails when the outcome
// could not be recorded, in which case the broker must redeliver.
func (m *Manager) Handle(ctx context.Context, msg redstone.Message) error {
	_, err := m.process(ctx, msg, nil)
	return err
}

func (m *Manager) process(ctx context.Context, msg redstone.Message, pending *Retry) (State, error) {
	attempt := msg.RetryCount()
	ctx, span := redstone.StartConsumeSpan(ctx, m.cfg.Group, msg)
	defer span.End()

	e, err := m.codec.Deserialize(msg.Value)
	if err != nil {
		return m.deadLetter(ctx, msg, attempt, ReasonPoison, err, pending)
	}
	h, ok := m.handlers[e.Type]
	if !ok {
		m.log.Debug("no handler for event type", map[string]any{"event_type": string(e.Type), "group": m.cfg.Group})
		if err := m.resolve(ctx, pending); err != nil {
			return "", err
		}
		return m.observe(e.Type, StateSkipped), nil
	}

	herr := h(ctx, e)
	if herr == nil {
		if err := m.resolve(ctx, pending); err != nil {
			return "", err
		}
		return m.observe(e.Type, StateSucceeded), nil
	}
	span.RecordError(herr)
	if redstone.IsFatal(herr) {
		m.log.Error("fatal handler error", map[string]any{"err": herr.Error(), "event_id": e.EventID, "event_type": string(e.Type)})
		return "", herr
	}
	if IsPoison(herr) {
		return m.deadLetter(ctx, msg, attempt, ReasonPoison, herr, pending)
	}

	next := attempt + 1
	if next > m.cfg.MaxRetries {
		return m.deadLetter(ctx, msg, attempt, ReasonExhausted, herr, pending)
	}
	now := m.clock.Now()
	due := now.Add(m.Delay(next))
	if pending != nil {
		err = m.retries.RescheduleRetry(ctx, pending.ID, next, due, herr.Error())
	} else {
		err = m.retries.ScheduleRetry(ctx, Retry{
			ID:        m.ids.NewID(),
			Group:     m.cfg.Group,
			Message:   msg.WithRetryCount(next),
			Attempt:   next,
			DueAt:     due,
			LastError: herr.Error(),
			CreatedAt: now,
		})
	}
	if err != nil {
		return "", fmt.Errorf("schedule retry: %w", err)
	}
	m.log.Warn("handler failed, retry scheduled", map[string]any{
		"event_id": e.EventID, "event_type": string(e.Type), "aggregate_id": e.AggregateID,
		"attempt": next, "due_at": due, "err": herr.Error(),
	})
	return m.observe(e.Type, StateRetrying), nil
}

func (m *Manager) deadLetter(ctx context.Context, msg redstone.Message, attempt int, reason Reason, cause error, pending *Retry) (State, error) {
	l := Letter{
		ID:             m.ids.NewID(),
		Source:         SourceConsumer,
		Group:          m.cfg.Group,
		Message:        msg,
		Attempts:       attempt + 1,
		Reason:         reason,
		LastError:      cause.Error(),
		DeadLetteredAt: m.clock.Now(),
	}
	if err := m.letters.PutDeadLetter(ctx, l); err != nil {
		return "", fmt.Errorf("store dead letter: %w", err)
	}
	if err := m.resolve(ctx, pending); err != nil {
		return "", err
	}
	m.metrics.DeadLettered(string(reason))
	m.log.Error("message dead-lettered", map[string]any{
		"dead_letter_id": l.ID, "group": m.cfg.Group, "event_type": msg.EventType(),
		"event_id": msg.Header(redstone.HeaderEventID), "attempts": l.Attempts, "reason": string(reason), "err": l.LastError,
	})
	return m.observe(event.Type(msg.EventType()), StateDeadLettered), nil
}

func (m *Manager) resolve(ctx context.Context, pending *Retry) error {
	if pending == nil {
		return nil
	}
	if err := m.retries.DeleteRetry(ctx, pending.ID); err != nil {
		return fmt.Errorf("delete retry %s: %w", pending.ID, err)
	}
	return nil
}

func (m *Manager) observe(t event.Type, s State) State {
	m.metrics.Consumed(string(t), string(s))
	return s
}

// Run polls for due retries until ctx is done. A fatal error stops the
// loop and is returned.
func (m *Manager) Run(ctx context.Context) error {
	return redstone.Poll(ctx, m.cfg.PollInterval, func(ctx context.Context) error {
		if _, err := m.RunRetriesOnce(ctx); err != nil && ctx.Err() == nil {
			if redstone.IsFatal(err) {
				m.log.Error("retry poll stopped", map[string]any{"err": err.Error(), "group": m.cfg.Group})
				return err
			}
			m.log.Error("retry poll failed", map[string]any{"err": err.Error(), "group": m.cfg.Group})
		}
		return nil
	})
}

// RunRetriesOnce redelivers every due retry once and reports how many were
// processed.
func (m *Manager) RunRetriesOnce(ctx context.Context) (int, error) {
	due, err := m.retries.ClaimDueRetries(ctx, m.cfg.Group, m.cfg.WorkerID, m.clock.Now(), m.cfg.Lease, m.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim retries: %w", err)
	}
	n := 0
	for i := range due {
		r := due[i]
		if _, err := m.process(ctx, r.Message.WithRetryCount(r.Attempt), &r); err != nil {
			if redstone.IsFatal(err) {
				return n, err
			}
			m.log.Error("retry delivery failed", map[string]any{"err": err.Error(), "retry_id": r.ID})
			continue
		}
		n++
	}
	return n, nil
}

// RecordPublishFailure parks an outbox entry that ran out of publish
// attempts.
func (m *Manager) RecordPublishFailure(ctx context.Context, e outbox.Entry, cause error) error {
	l := Letter{
		ID:             m.ids.NewID(),
		Source:         SourceOutbox,
		Group:          m.cfg.Group,
		Message:        e.Message(),
		Attempts:       e.RetryCount,
		Reason:         ReasonPublishFailed,
		LastError:      cause.Error(),
		OutboxID:       e.ID,
		DeadLetteredAt: m.clock.Now(),
	}
	if err := m.letters.PutDeadLetter(ctx, l); err != nil {
		return err
	}
	m.metrics.DeadLettered(string(ReasonPublishFailed))
	return nil
}

func (m *Manager) List(ctx context.Context, limit int) ([]Letter, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.letters.ListDeadLetters(ctx, limit)
}

func (m *Manager) Get(ctx context.Context, id string) (Letter, error) {
	return m.letters.GetDeadLetter(ctx, id)
}

// Replay re-injects a letter. Consumer letters run through the handler chain
// again at attempt zero, so idempotency still applies; outbox letters have
// their entry requeued.
func (m *Manager) Replay(ctx context.Context, id string) (State, error) {
	l, err := m.letters.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}

	var state State
	switch l.Source {
	case SourceOutbox:
		if m.requeuer == nil {
			return "", ErrNoRequeuer
		}
		if err := m.requeuer.Requeue(ctx, l.OutboxID, m.clock.Now()); err != nil {
			return "", fmt.Errorf("requeue outbox entry %s: %w", l.OutboxID, err)
		}
		state = StateRequeued
	default:
		state, err = m.process(ctx, l.Message.WithRetryCount(0), nil)
		if err != nil {
			return "", err
		}
	}

	if err := m.letters.MarkReplayed(ctx, l.ID, m.clock.Now()); err != nil {
		return "", fmt.Errorf("mark replayed: %w", err)
	}
	m.log.Info("dead letter replayed", map[string]any{"dead_letter_id": l.ID, "state": string(state)})
	return state, nil
}

type Depth struct {
	DeadLetters    int `json:"dead_letters"`
	RetriesPending int `json:"retries_pending"`
}

func (m *Manager) Depth(ctx context.Context) (Depth, error) {
	letters, err := m.letters.CountDeadLetters(ctx)
	if err != nil {
		return Depth{}, err
	}
	retries, err := m.retries.CountRetries(ctx)
	if err != nil {
		return Depth{}, err
	}
	return Depth{DeadLetters: letters, RetriesPending: retries}, nil
}
