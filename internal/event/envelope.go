package event

import "time"

// Envelope is the immutable wrapper around every payload. Corrections are
// new events, never edits.
type Envelope struct {
	EventID       string
	Type          Type
	AggregateID   string
	CorrelationID string
	// CausationID is empty for events that start a saga.
	CausationID   string
	Timestamp     time.Time
	SchemaVersion int
	Payload       Payload
}

// New starts a causal chain.
func New(id, aggregateID, correlationID string, p Payload, at time.Time) Envelope {
	return Envelope{
		EventID:       id,
		Type:          p.EventType(),
		AggregateID:   aggregateID,
		CorrelationID: correlationID,
		Timestamp:     at.UTC(),
		SchemaVersion: p.SchemaVersion(),
		Payload:       p,
	}
}

// Caused builds an event produced in reaction to e. It keeps the aggregate
// and correlation id and records e as its cause.
func (e Envelope) Caused(id string, p Payload, at time.Time) Envelope {
	out := New(id, e.AggregateID, e.CorrelationID, p, at)
	out.CausationID = e.EventID
	return out
}
