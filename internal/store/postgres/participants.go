package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/redstone/ordersaga/internal/idempotency"
	"github.com/redstone/ordersaga/internal/inventory"
	"github.com/redstone/ordersaga/internal/payment"
	"github.com/redstone/ordersaga/internal/shipping"
)

func (t *Tx) GetStockForUpdate(ctx context.Context, productID string) (inventory.Stock, error) {
	st := inventory.Stock{ProductID: productID}
	err := t.tx.QueryRow(ctx, `select on_hand, reserved, updated_at from stock where product_id=$1 for update`, productID).
		Scan(&st.OnHand, &st.Reserved, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Stock{}, inventory.ErrProductNotFound
	}
	return st, err
}

func (t *Tx) UpdateStock(ctx context.Context, st inventory.Stock) error {
	tag, err := t.tx.Exec(ctx, `update stock set on_hand=$2, reserved=$3, updated_at=$4 where product_id=$1`,
		st.ProductID, st.OnHand, st.Reserved, st.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return inventory.ErrProductNotFound
	}
	return nil
}

func (t *Tx) GetReservation(ctx context.Context, orderID string) (inventory.Reservation, bool, error) {
	r, err := scanReservation(orderID, t.tx.QueryRow(ctx, `select `+reservationColumns+` from reservations where order_id=$1 for update`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Reservation{}, false, nil
	}
	if err != nil {
		return inventory.Reservation{}, false, err
	}
	return r, true, nil
}

func (d *DB) GetReservation(ctx context.Context, orderID string) (inventory.Reservation, error) {
	r, err := scanReservation(orderID, d.Pool.QueryRow(ctx, `select `+reservationColumns+` from reservations where order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Reservation{}, inventory.ErrReservationNotFound
	}
	return r, err
}

const reservationColumns = `items, status, created_at, updated_at`

func scanReservation(orderID string, row pgx.Row) (inventory.Reservation, error) {
	r := inventory.Reservation{OrderID: orderID}
	var (
		items  []byte
		status string
	)
	if err := row.Scan(&items, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return inventory.Reservation{}, err
	}
	r.Status = inventory.ReservationStatus(status)
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return inventory.Reservation{}, fmt.Errorf("reservation %s items: %w", orderID, err)
	}
	return r, nil
}

func (t *Tx) SaveReservation(ctx context.Context, r inventory.Reservation) error {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`insert into reservations(order_id, items, status, created_at, updated_at) values ($1,$2::jsonb,$3,$4,$5)
		on conflict (order_id) do update set items=excluded.items, status=excluded.status, updated_at=excluded.updated_at`,
		r.OrderID, string(items), string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (d *DB) GetStock(ctx context.Context, productID string) (inventory.Stock, error) {
	st := inventory.Stock{ProductID: productID}
	err := d.Pool.QueryRow(ctx, `select on_hand, reserved, updated_at from stock where product_id=$1`, productID).
		Scan(&st.OnHand, &st.Reserved, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inventory.Stock{}, inventory.ErrProductNotFound
	}
	return st, err
}

func (d *DB) SeedStock(ctx context.Context, onHand map[string]int64) error {
	for id, qty := range onHand {
		if _, err := d.Pool.Exec(ctx,
			`insert into stock(product_id, on_hand, reserved) values ($1,$2,0) on conflict (product_id) do nothing`,
			id, qty); err != nil {
			return fmt.Errorf("seed %s: %w", id, err)
		}
	}
	return nil
}

const paymentColumns = `order_id, idempotency_key, amount::text, currency, status, transaction_id, refund_id,
	failure_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (payment.Payment, error) {
	var (
		p      payment.Payment
		amount string
		status string
	)
	err := row.Scan(&p.OrderID, &p.IdempotencyKey, &amount, &p.Currency, &status, &p.TransactionID, &p.RefundID,
		&p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payment.Payment{}, err
	}
	p.Status = payment.Status(status)
	p.Amount, err = decimal.NewFromString(amount)
	return p, err
}

func (t *Tx) GetPayment(ctx context.Context, orderID string) (payment.Payment, bool, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `select `+paymentColumns+` from payments where order_id=$1 for update`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Payment{}, false, nil
	}
	if err != nil {
		return payment.Payment{}, false, err
	}
	return p, true, nil
}

func (t *Tx) SavePayment(ctx context.Context, p payment.Payment) error {
	_, err := t.tx.Exec(ctx,
		`insert into payments(order_id, idempotency_key, amount, currency, status, transaction_id, refund_id, failure_reason, created_at, updated_at)
		values ($1,$2,$3::numeric,$4,$5,$6,$7,$8,$9,$10)
		on conflict (order_id) do update set status=excluded.status, transaction_id=excluded.transaction_id,
			refund_id=excluded.refund_id, failure_reason=excluded.failure_reason, updated_at=excluded.updated_at`,
		p.OrderID, p.IdempotencyKey, p.Amount.String(), p.Currency, string(p.Status), p.TransactionID, p.RefundID,
		p.FailureReason, p.CreatedAt, p.UpdatedAt)
	return err
}

func (d *DB) GetPayment(ctx context.Context, orderID string) (payment.Payment, error) {
	p, err := scanPayment(d.Pool.QueryRow(ctx, `select `+paymentColumns+` from payments where order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Payment{}, payment.ErrPaymentNotFound
	}
	return p, err
}

func scanShipment(row pgx.Row) (shipping.Shipment, error) {
	var (
		sh      shipping.Shipment
		address []byte
	)
	if err := row.Scan(&sh.OrderID, &sh.TrackingNumber, &address, &sh.Status, &sh.EstimatedDelivery, &sh.CreatedAt); err != nil {
		return shipping.Shipment{}, err
	}
	if err := json.Unmarshal(address, &sh.Address); err != nil {
		return shipping.Shipment{}, err
	}
	return sh, nil
}

const shipmentColumns = `order_id, tracking_number, address, status, estimated_delivery, created_at`

func (t *Tx) GetShipment(ctx context.Context, orderID string) (shipping.Shipment, bool, error) {
	sh, err := scanShipment(t.tx.QueryRow(ctx, `select `+shipmentColumns+` from shipments where order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return shipping.Shipment{}, false, nil
	}
	if err != nil {
		return shipping.Shipment{}, false, err
	}
	return sh, true, nil
}

func (t *Tx) SaveShipment(ctx context.Context, sh shipping.Shipment) error {
	address, err := json.Marshal(sh.Address)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`insert into shipments(order_id, tracking_number, address, status, estimated_delivery, created_at)
		values ($1,$2,$3::jsonb,$4,$5,$6)`,
		sh.OrderID, sh.TrackingNumber, string(address), sh.Status, sh.EstimatedDelivery, sh.CreatedAt)
	if isUniqueViolation(err) {
		return idempotency.ErrDuplicateKey
	}
	return err
}

func (d *DB) GetShipment(ctx context.Context, orderID string) (shipping.Shipment, error) {
	sh, err := scanShipment(d.Pool.QueryRow(ctx, `select `+shipmentColumns+` from shipments where order_id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return shipping.Shipment{}, shipping.ErrShipmentNotFound
	}
	return sh, err
}

var (
	_ inventory.Tx     = (*Tx)(nil)
	_ payment.Tx       = (*Tx)(nil)
	_ shipping.Tx      = (*Tx)(nil)
	_ inventory.Reader = (*DB)(nil)
	_ payment.Reader   = (*DB)(nil)
	_ shipping.Reader  = (*DB)(nil)
)
