package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/redstone/ordersaga/internal/outbox"
)

// claimLockKey serializes claimers so two workers never split one
// aggregate's entries between them.
const claimLockKey = 0x6f7574626f78

const outboxColumns = `id, seq, event_id, event_type, aggregate_id, body, headers, status, created_at,
	published_at, retry_count, last_error, next_attempt_at`

func (t *Tx) AppendOutbox(ctx context.Context, entries ...outbox.Entry) error {
	for _, e := range entries {
		headers, err := json.Marshal(e.Headers)
		if err != nil {
			return err
		}
		_, err = t.tx.Exec(ctx,
			`insert into outbox(id, event_id, event_type, aggregate_id, body, headers, status, created_at, retry_count, last_error, next_attempt_at)
			values ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10,$11)`,
			e.ID, e.EventID, string(e.EventType), e.AggregateID, string(e.Body), string(headers),
			string(e.Status), e.CreatedAt, e.RetryCount, e.LastError, e.NextAttemptAt)
		if err != nil {
			return fmt.Errorf("insert outbox %s: %w", e.ID, err)
		}
	}
	return nil
}

func scanEntry(row pgx.Row) (outbox.Entry, error) {
	var (
		e       outbox.Entry
		typ     string
		status  string
		body    []byte
		headers []byte
	)
	err := row.Scan(&e.ID, &e.Seq, &e.EventID, &typ, &e.AggregateID, &body, &headers, &status, &e.CreatedAt,
		&e.PublishedAt, &e.RetryCount, &e.LastError, &e.NextAttemptAt)
	if err != nil {
		return outbox.Entry{}, err
	}
	e.EventType = eventType(typ)
	e.Status = outbox.Status(status)
	e.Body = body
	if err := json.Unmarshal(headers, &e.Headers); err != nil {
		return outbox.Entry{}, fmt.Errorf("outbox %s headers: %w", e.ID, err)
	}
	return e, nil
}

func (d *DB) Claim(ctx context.Context, req outbox.ClaimRequest) ([]outbox.Entry, error) {
	var out []outbox.Entry
	err := d.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		var locked bool
		if err := tx.tx.QueryRow(ctx, `select pg_try_advisory_xact_lock($1)`, int64(claimLockKey)).Scan(&locked); err != nil {
			return err
		}
		if !locked {
			return nil
		}
		rows, err := tx.tx.Query(ctx, `
			with candidates as (
				select o.id from outbox o
				where o.status = 'pending'
				  and o.next_attempt_at <= $1
				  and (o.claim_until is null or o.claim_until <= $1)
				  and not exists (
					select 1 from outbox p
					where p.aggregate_id = o.aggregate_id
					  and p.status = 'pending'
					  and p.seq < o.seq
					  and (p.next_attempt_at > $1 or (p.claim_until is not null and p.claim_until > $1))
				  )
				order by o.seq
				limit $2
				for update skip locked
			)
			update outbox o set claimed_by = $3, claim_until = $4
			from candidates c where o.id = c.id
			returning `+prefixed("o.", outboxColumns),
			req.Now, req.Limit, req.Worker, req.Now.Add(req.Lease))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// leaseErr explains why a lease-guarded update touched no row.
func (d *DB) leaseErr(ctx context.Context, id string) error {
	var exists bool
	if err := d.Pool.QueryRow(ctx, `select exists(select 1 from outbox where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return outbox.ErrNotFound
	}
	return outbox.ErrLeaseLost
}

func (d *DB) leased(ctx context.Context, id, worker, set string, args ...any) error {
	tag, err := d.Pool.Exec(ctx,
		`update outbox set `+set+`, claimed_by = null, claim_until = null
		where id = $1 and claimed_by = $2 and status = 'pending'`,
		append([]any{id, worker}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return d.leaseErr(ctx, id)
	}
	return nil
}

func (d *DB) MarkPublished(ctx context.Context, id, worker string, at time.Time) error {
	return d.leased(ctx, id, worker, `status = 'published', published_at = $3`, at)
}

func (d *DB) MarkRetry(ctx context.Context, id, worker string, retryCount int, lastErr string, next time.Time) error {
	return d.leased(ctx, id, worker, `retry_count = $3, last_error = $4, next_attempt_at = $5`, retryCount, lastErr, next)
}

func (d *DB) MarkFailed(ctx context.Context, id, worker string, retryCount int, lastErr string) error {
	return d.leased(ctx, id, worker, `status = 'failed', retry_count = $3, last_error = $4`, retryCount, lastErr)
}

func (d *DB) Release(ctx context.Context, id, worker string) error {
	return d.leased(ctx, id, worker, `last_error = last_error`)
}

func (d *DB) Requeue(ctx context.Context, id string, now time.Time) error {
	tag, err := d.Pool.Exec(ctx,
		`update outbox set status = 'pending', retry_count = 0, next_attempt_at = $2, claimed_by = null, claim_until = null
		where id = $1 and status = 'failed'`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := d.Get(ctx, id); err != nil {
			return err
		}
		return outbox.ErrNotFailed
	}
	return nil
}

func (d *DB) Get(ctx context.Context, id string) (outbox.Entry, error) {
	e, err := scanEntry(d.Pool.QueryRow(ctx, `select `+outboxColumns+` from outbox where id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.Entry{}, outbox.ErrNotFound
	}
	return e, err
}

func (d *DB) Depth(ctx context.Context) (outbox.Depth, error) {
	rows, err := d.Pool.Query(ctx, `select status, count(*) from outbox group by status`)
	if err != nil {
		return outbox.Depth{}, err
	}
	defer rows.Close()
	var depth outbox.Depth
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return outbox.Depth{}, err
		}
		switch outbox.Status(status) {
		case outbox.StatusPending:
			depth.Pending = n
		case outbox.StatusPublished:
			depth.Published = n
		case outbox.StatusFailed:
			depth.Failed = n
		}
	}
	return depth, rows.Err()
}
