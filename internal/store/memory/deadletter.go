package memory

import (
	"context"
	"sort"
	"time"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/outbox"
)

func (s *Store) PutDeadLetter(_ context.Context, l deadletter.Letter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.letters[l.ID]; !ok {
		s.letterOrder = append(s.letterOrder, l.ID)
	}
	s.letters[l.ID] = l
	return nil
}

func (s *Store) GetDeadLetter(_ context.Context, id string) (deadletter.Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.letters[id]
	if !ok {
		return deadletter.Letter{}, deadletter.ErrNotFound
	}
	return l, nil
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]deadletter.Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]deadletter.Letter, 0, len(s.letterOrder))
	for i := len(s.letterOrder) - 1; i >= 0; i-- {
		out = append(out, s.letters[s.letterOrder[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DeadLetteredAt.After(out[j].DeadLetteredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.letters[id]
	if !ok {
		return deadletter.ErrNotFound
	}
	l.ReplayedAt = &at
	s.letters[id] = l
	return nil
}

func (s *Store) CountDeadLetters(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters), nil
}

func (s *Store) ScheduleRetry(_ context.Context, r deadletter.Retry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[r.ID] = &retryRow{retry: r}
	return nil
}

func (s *Store) ClaimDueRetries(_ context.Context, group, worker string, now time.Time, lease time.Duration, limit int) ([]deadletter.Retry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*retryRow
	for _, row := range s.retries {
		if row.retry.Group != group || row.retry.DueAt.After(now) {
			continue
		}
		if row.claimedBy != "" && row.claimUntil.After(now) {
			continue
		}
		due = append(due, row)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].retry.DueAt.Equal(due[j].retry.DueAt) {
			return due[i].retry.CreatedAt.Before(due[j].retry.CreatedAt)
		}
		return due[i].retry.DueAt.Before(due[j].retry.DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]deadletter.Retry, len(due))
	for i, row := range due {
		row.claimedBy = worker
		row.claimUntil = now.Add(lease)
		out[i] = row.retry
	}
	return out, nil
}

func (s *Store) RescheduleRetry(_ context.Context, id string, attempt int, due time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.retries[id]
	if !ok {
		return deadletter.ErrNotFound
	}
	row.retry.Attempt = attempt
	row.retry.Message = row.retry.Message.WithRetryCount(attempt)
	row.retry.DueAt = due
	row.retry.LastError = lastErr
	row.claimedBy, row.claimUntil = "", time.Time{}
	return nil
}

func (s *Store) DeleteRetry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, id)
	return nil
}

func (s *Store) CountRetries(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries), nil
}

// Retries returns pending retries ordered by due time.
func (s *Store) Retries() []deadletter.Retry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]deadletter.Retry, 0, len(s.retries))
	for _, row := range s.retries {
		out = append(out, row.retry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

var (
	_ deadletter.Store      = (*Store)(nil)
	_ deadletter.RetryStore = (*Store)(nil)
	_ outbox.Store          = (*Store)(nil)
)
