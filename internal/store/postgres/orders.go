package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/saga"
)

const orderColumns = `id, customer_id, items, total_amount::text, currency, shipping_address, status,
	correlation_id, failure_reason, version, created_at, updated_at`

func scanOrder(row pgx.Row) (saga.Order, error) {
	var (
		o       saga.Order
		items   []byte
		total   string
		address []byte
		status  string
	)
	err := row.Scan(&o.ID, &o.CustomerID, &items, &total, &o.Currency, &address, &status,
		&o.CorrelationID, &o.FailureReason, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.Order{}, saga.ErrOrderNotFound
	}
	if err != nil {
		return saga.Order{}, err
	}
	o.Status = saga.Status(status)
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return saga.Order{}, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return saga.Order{}, fmt.Errorf("order %s items: %w", o.ID, err)
	}
	if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
		return saga.Order{}, fmt.Errorf("order %s address: %w", o.ID, err)
	}
	return o, nil
}

func (t *Tx) InsertOrder(ctx context.Context, o saga.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return err
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`insert into orders(id, customer_id, items, total_amount, currency, shipping_address, status, correlation_id,
			failure_reason, version, created_at, updated_at)
		values ($1,$2,$3::jsonb,$4::numeric,$5,$6::jsonb,$7,$8,$9,$10,$11,$12)
		on conflict (id) do nothing`,
		o.ID, o.CustomerID, string(items), o.TotalAmount.String(), o.Currency, string(address), string(o.Status),
		o.CorrelationID, o.FailureReason, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrDuplicateKey
	}
	return nil
}

func (t *Tx) GetOrderForUpdate(ctx context.Context, id string) (saga.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, `select `+orderColumns+` from orders where id=$1 for update`, id))
}

func (t *Tx) UpdateOrder(ctx context.Context, o saga.Order, expectedVersion int) error {
	tag, err := t.tx.Exec(ctx,
		`update orders set status=$2, failure_reason=$3, version=$4, updated_at=$5 where id=$1 and version=$6`,
		o.ID, string(o.Status), o.FailureReason, o.Version, o.UpdatedAt, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return saga.ErrConcurrentUpdate
	}
	return nil
}

func (t *Tx) AppendSagaLog(ctx context.Context, entries ...saga.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`insert into saga_log(order_id, step, event_type, event_id, correlation_id, status, ts, error_message)
			values ($1,$2,$3,$4,$5,$6,$7,$8)`,
			e.OrderID, string(e.Step), string(e.EventType), e.EventID, e.CorrelationID, string(e.Status), e.Timestamp, e.ErrorMessage)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (d *DB) GetOrder(ctx context.Context, id string) (saga.Order, error) {
	return scanOrder(d.Pool.QueryRow(ctx, `select `+orderColumns+` from orders where id=$1`, id))
}

func (d *DB) ListSagaLog(ctx context.Context, orderID string) ([]saga.LogEntry, error) {
	rows, err := d.Pool.Query(ctx,
		`select seq, order_id, step, event_type, event_id, correlation_id, status, ts, error_message
		from saga_log where order_id=$1 order by ts, seq`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []saga.LogEntry
	for rows.Next() {
		var (
			e                    saga.LogEntry
			step, typ, stepState string
		)
		if err := rows.Scan(&e.Seq, &e.OrderID, &step, &typ, &e.EventID, &e.CorrelationID, &stepState, &e.Timestamp, &e.ErrorMessage); err != nil {
			return nil, err
		}
		e.Step = saga.Step(step)
		e.EventType = eventType(typ)
		e.Status = saga.StepStatus(stepState)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *DB) ListStale(ctx context.Context, before time.Time, limit int) ([]saga.Order, error) {
	rows, err := d.Pool.Query(ctx,
		`select `+orderColumns+` from orders
		where status not in ('confirmed','failed','cancelled') and updated_at < $1
		order by updated_at limit $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []saga.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

var (
	_ saga.Tx     = (*Tx)(nil)
	_ saga.Reader = (*DB)(nil)
)
