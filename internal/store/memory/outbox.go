package memory

import (
	"context"
	"time"

	"github.com/redstone/ordersaga/internal/outbox"
)

func (s *Store) Claim(ctx context.Context, req outbox.ClaimRequest) ([]outbox.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	blocked := map[string]bool{}
	var out []outbox.Entry
	for _, row := range s.outbox {
		if len(out) >= req.Limit {
			break
		}
		e := row.entry
		if e.Status != outbox.StatusPending || blocked[e.AggregateID] {
			continue
		}
		leased := row.claimedBy != "" && row.claimUntil.After(req.Now)
		if leased || e.NextAttemptAt.After(req.Now) {
			blocked[e.AggregateID] = true
			continue
		}
		row.claimedBy = req.Worker
		row.claimUntil = req.Now.Add(req.Lease)
		out = append(out, e)
	}
	return out, nil
}

// owned returns the row when worker still holds its lease.
func (s *Store) owned(id, worker string) (*outboxRow, error) {
	row, ok := s.outboxBy[id]
	if !ok {
		return nil, outbox.ErrNotFound
	}
	if row.entry.Status != outbox.StatusPending || row.claimedBy != worker {
		return nil, outbox.ErrLeaseLost
	}
	return row, nil
}

func (s *Store) MarkPublished(_ context.Context, id, worker string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.owned(id, worker)
	if err != nil {
		return err
	}
	row.entry.Status = outbox.StatusPublished
	row.entry.PublishedAt = &at
	row.claimedBy, row.claimUntil = "", time.Time{}
	return nil
}

func (s *Store) MarkRetry(_ context.Context, id, worker string, retryCount int, lastErr string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.owned(id, worker)
	if err != nil {
		return err
	}
	row.entry.RetryCount = retryCount
	row.entry.LastError = lastErr
	row.entry.NextAttemptAt = next
	row.claimedBy, row.claimUntil = "", time.Time{}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id, worker string, retryCount int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.owned(id, worker)
	if err != nil {
		return err
	}
	row.entry.Status = outbox.StatusFailed
	row.entry.RetryCount = retryCount
	row.entry.LastError = lastErr
	row.claimedBy, row.claimUntil = "", time.Time{}
	return nil
}

func (s *Store) Release(_ context.Context, id, worker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.owned(id, worker)
	if err != nil {
		return err
	}
	row.claimedBy, row.claimUntil = "", time.Time{}
	return nil
}

func (s *Store) Requeue(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outboxBy[id]
	if !ok {
		return outbox.ErrNotFound
	}
	if row.entry.Status != outbox.StatusFailed {
		return outbox.ErrNotFailed
	}
	row.entry.Status = outbox.StatusPending
	row.entry.RetryCount = 0
	row.entry.NextAttemptAt = now
	return nil
}

func (s *Store) Get(_ context.Context, id string) (outbox.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.outboxBy[id]
	if !ok {
		return outbox.Entry{}, outbox.ErrNotFound
	}
	return row.entry, nil
}

func (s *Store) Depth(_ context.Context) (outbox.Depth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var d outbox.Depth
	for _, row := range s.outbox {
		switch row.entry.Status {
		case outbox.StatusPending:
			d.Pending++
		case outbox.StatusPublished:
			d.Published++
		case outbox.StatusFailed:
			d.Failed++
		}
	}
	return d, nil
}

// OutboxEntries returns every entry in insertion order.
func (s *Store) OutboxEntries() []outbox.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Entry, len(s.outbox))
	for i, row := range s.outbox {
		out[i] = row.entry
	}
	return out
}
