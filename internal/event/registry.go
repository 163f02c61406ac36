package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrUnknownVersion   = errors.New("unknown schema version")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrPayloadMismatch  = errors.New("payload does not match envelope")
)

type Decoder func(data []byte) (Payload, error)

// Upcaster converts a payload at version N into version N+1. It must be
// pure and total.
type Upcaster func(Payload) (Payload, error)

type schema struct {
	latest    int
	decoders  map[int]Decoder
	upcasters map[int]Upcaster
}

// Registry maps (type, version) to decoders and per-type upcast chains.
type Registry struct {
	types map[Type]*schema
}

func NewRegistry() *Registry {
	return &Registry{types: map[Type]*schema{}}
}

// Register adds a JSON decoder for P at P's own type and version.
func Register[P Payload](r *Registry) {
	var zero P
	s := r.schema(zero.EventType())
	v := zero.SchemaVersion()
	s.decoders[v] = func(data []byte) (Payload, error) {
		var p P
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s v%d: %v", ErrMalformedEvent, zero.EventType(), v, err)
		}
		return p, nil
	}
	if v > s.latest {
		s.latest = v
	}
}

// Upcast registers the step from version `from` to from+1 for t.
func (r *Registry) Upcast(t Type, from int, f Upcaster) {
	r.schema(t).upcasters[from] = f
}

func (r *Registry) schema(t Type) *schema {
	s, ok := r.types[t]
	if !ok {
		s = &schema{decoders: map[int]Decoder{}, upcasters: map[int]Upcaster{}}
		r.types[t] = s
	}
	return s
}

// Validate checks that every registered version can reach the latest one.
func (r *Registry) Validate() error {
	var errs []error
	for t, s := range r.types {
		for v := range s.decoders {
			for step := v; step < s.latest; step++ {
				if _, ok := s.upcasters[step]; !ok {
					errs = append(errs, fmt.Errorf("%s: no upcaster from v%d", t, step))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Latest(t Type) (int, bool) {
	s, ok := r.types[t]
	if !ok {
		return 0, false
	}
	return s.latest, true
}

// Types lists registered event types, sorted.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UpcastToLatest runs the upcast chain until p is at the latest version.
func (r *Registry) UpcastToLatest(p Payload) (Payload, error) {
	s, ok := r.types[p.EventType()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, p.EventType())
	}
	for p.SchemaVersion() < s.latest {
		v := p.SchemaVersion()
		up, ok := s.upcasters[v]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no upcaster from v%d", ErrUnknownVersion, p.EventType(), v)
		}
		next, err := up(p)
		if err != nil {
			return nil, fmt.Errorf("upcast %s v%d: %w", p.EventType(), v, err)
		}
		if next.SchemaVersion() != v+1 || next.EventType() != p.EventType() {
			return nil, fmt.Errorf("upcast %s v%d produced %s v%d", p.EventType(), v, next.EventType(), next.SchemaVersion())
		}
		p = next
	}
	return p, nil
}

type wireEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     Type            `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   *string         `json:"causation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Serialize encodes e as JSON. The payload must match the envelope's type
// and version.
func (r *Registry) Serialize(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrPayloadMismatch)
	}
	if e.Payload.EventType() != e.Type || e.Payload.SchemaVersion() != e.SchemaVersion {
		return nil, fmt.Errorf("%w: envelope %s v%d, payload %s v%d", ErrPayloadMismatch,
			e.Type, e.SchemaVersion, e.Payload.EventType(), e.Payload.SchemaVersion())
	}
	s, ok := r.types[e.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}
	if _, ok := s.decoders[e.SchemaVersion]; !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownVersion, e.Type, e.SchemaVersion)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	w := wireEnvelope{
		EventID:       e.EventID,
		EventType:     e.Type,
		AggregateID:   e.AggregateID,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp.UTC(),
		SchemaVersion: e.SchemaVersion,
		Payload:       payload,
	}
	if e.CausationID != "" {
		c := e.CausationID
		w.CausationID = &c
	}
	return json.Marshal(w)
}

// Deserialize decodes an envelope and upcasts its payload to the latest
// version, so callers only ever see the newest schema.
func (r *Registry) Deserialize(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.EventID == "" || w.EventType == "" || w.SchemaVersion < 1 || len(w.Payload) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing envelope fields", ErrMalformedEvent)
	}
	s, ok := r.types[w.EventType]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownEventType, w.EventType)
	}
	decode, ok := s.decoders[w.SchemaVersion]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s v%d", ErrUnknownVersion, w.EventType, w.SchemaVersion)
	}
	p, err := decode(w.Payload)
	if err != nil {
		return Envelope{}, err
	}
	p, err = r.UpcastToLatest(p)
	if err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		EventID:       w.EventID,
		Type:          w.EventType,
		AggregateID:   w.AggregateID,
		CorrelationID: w.CorrelationID,
		Timestamp:     w.Timestamp.UTC(),
		SchemaVersion: p.SchemaVersion(),
		Payload:       p,
	}
	if w.CausationID != nil {
		e.CausationID = *w.CausationID
	}
	return e, nil
}

// IsDecodeError reports whether err means the bytes can never be decoded
// by this registry.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrUnknownVersion)
}
