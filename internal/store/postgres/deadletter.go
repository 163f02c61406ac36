package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/redstone/ordersaga/internal/deadletter"
	"github.com/redstone/ordersaga/internal/outbox"
	"github.com/redstone/ordersaga/internal/redstone"
)

func (d *DB) PutDeadLetter(ctx context.Context, l deadletter.Letter) error {
	msg, err := json.Marshal(l.Message)
	if err != nil {
		return err
	}
	var outboxID *string
	if l.OutboxID != "" {
		outboxID = &l.OutboxID
	}
	_, err = d.Pool.Exec(ctx,
		`insert into dead_letters(id, source, consumer_group, message, attempts, reason, last_error, outbox_entry_id, dead_lettered_at)
		values ($1,$2,$3,$4::jsonb,$5,$6,$7,$8,$9)
		on conflict (id) do nothing`,
		l.ID, string(l.Source), l.Group, string(msg), l.Attempts, string(l.Reason), l.LastError, outboxID, l.DeadLetteredAt)
	return err
}

const letterColumns = `id, source, consumer_group, message, attempts, reason, last_error, outbox_entry_id, dead_lettered_at, replayed_at`

func scanLetter(row pgx.Row) (deadletter.Letter, error) {
	var (
		l        deadletter.Letter
		source   string
		reason   string
		msg      []byte
		outboxID *string
	)
	if err := row.Scan(&l.ID, &source, &l.Group, &msg, &l.Attempts, &reason, &l.LastError, &outboxID, &l.DeadLetteredAt, &l.ReplayedAt); err != nil {
		return deadletter.Letter{}, err
	}
	l.Source = deadletter.Source(source)
	l.Reason = deadletter.Reason(reason)
	if outboxID != nil {
		l.OutboxID = *outboxID
	}
	if err := json.Unmarshal(msg, &l.Message); err != nil {
		return deadletter.Letter{}, err
	}
	return l, nil
}

func (d *DB) GetDeadLetter(ctx context.Context, id string) (deadletter.Letter, error) {
	l, err := scanLetter(d.Pool.QueryRow(ctx, `select `+letterColumns+` from dead_letters where id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return deadletter.Letter{}, deadletter.ErrNotFound
	}
	return l, err
}

func (d *DB) ListDeadLetters(ctx context.Context, limit int) ([]deadletter.Letter, error) {
	rows, err := d.Pool.Query(ctx, `select `+letterColumns+` from dead_letters order by dead_lettered_at desc, id limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []deadletter.Letter
	for rows.Next() {
		l, err := scanLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (d *DB) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	tag, err := d.Pool.Exec(ctx, `update dead_letters set replayed_at=$2 where id=$1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return deadletter.ErrNotFound
	}
	return nil
}

func (d *DB) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := d.Pool.QueryRow(ctx, `select count(*) from dead_letters`).Scan(&n)
	return n, err
}

func (d *DB) ScheduleRetry(ctx context.Context, r deadletter.Retry) error {
	msg, err := json.Marshal(r.Message)
	if err != nil {
		return err
	}
	_, err = d.Pool.Exec(ctx,
		`insert into inbound_retries(id, consumer_group, message, attempt, due_at, last_error, created_at)
		values ($1,$2,$3::jsonb,$4,$5,$6,$7)`,
		r.ID, r.Group, string(msg), r.Attempt, r.DueAt, r.LastError, r.CreatedAt)
	return err
}

func (d *DB) ClaimDueRetries(ctx context.Context, group, worker string, now time.Time, lease time.Duration, limit int) ([]deadletter.Retry, error) {
	rows, err := d.Pool.Query(ctx, `
		update inbound_retries r set claimed_by = $2, claim_until = $3
		where r.id in (
			select id from inbound_retries
			where consumer_group = $1 and due_at <= $4 and (claim_until is null or claim_until <= $4)
			order by due_at, created_at
			limit $5
			for update skip locked
		)
		returning r.id, r.consumer_group, r.message, r.attempt, r.due_at, r.last_error, r.created_at`,
		group, worker, now.Add(lease), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []deadletter.Retry
	for rows.Next() {
		var (
			r   deadletter.Retry
			msg []byte
		)
		if err := rows.Scan(&r.ID, &r.Group, &msg, &r.Attempt, &r.DueAt, &r.LastError, &r.CreatedAt); err != nil {
			return nil, err
		}
		var m redstone.Message
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil, err
		}
		r.Message = m
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRetries(out)
	return out, nil
}

func (d *DB) RescheduleRetry(ctx context.Context, id string, attempt int, due time.Time, lastErr string) error {
	tag, err := d.Pool.Exec(ctx,
		`update inbound_retries set attempt=$2, due_at=$3, last_error=$4, claimed_by=null, claim_until=null where id=$1`,
		id, attempt, due, lastErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return deadletter.ErrNotFound
	}
	return nil
}

func (d *DB) DeleteRetry(ctx context.Context, id string) error {
	_, err := d.Pool.Exec(ctx, `delete from inbound_retries where id=$1`, id)
	return err
}

func (d *DB) CountRetries(ctx context.Context) (int, error) {
	var n int
	err := d.Pool.QueryRow(ctx, `select count(*) from inbound_retries`).Scan(&n)
	return n, err
}

var (
	_ deadletter.Store      = (*DB)(nil)
	_ deadletter.RetryStore = (*DB)(nil)
	_ outbox.Store          = (*DB)(nil)
)
