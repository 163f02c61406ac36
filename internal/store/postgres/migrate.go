package postgres

import (
	"context"
	"fmt"
)

// CoreTables are shared by every service: the outbox, idempotency records
// and the dead-letter and retry queues.
var CoreTables = []string{
	`create table if not exists outbox(
		seq bigserial primary key,
		id text not null unique,
		event_id text not null,
		event_type text not null,
		aggregate_id text not null,
		body jsonb not null,
		headers jsonb not null,
		status text not null,
		created_at timestamptz not null,
		published_at timestamptz null,
		retry_count int not null default 0,
		last_error text not null default '',
		next_attempt_at timestamptz not null,
		claimed_by text null,
		claim_until timestamptz null
	)`,
	`create index if not exists outbox_pending_idx on outbox(status, next_attempt_at, seq)`,
	`create index if not exists outbox_aggregate_idx on outbox(aggregate_id, seq)`,
	`create table if not exists idempotency_records(
		key text primary key,
		request_hash text not null,
		snapshot bytea not null,
		created_at timestamptz not null
	)`,
	`create table if not exists dead_letters(
		id text primary key,
		source text not null,
		consumer_group text not null,
		message jsonb not null,
		attempts int not null,
		reason text not null,
		last_error text not null,
		outbox_entry_id text null,
		dead_lettered_at timestamptz not null,
		replayed_at timestamptz null
	)`,
	`create table if not exists inbound_retries(
		id text primary key,
		consumer_group text not null,
		message jsonb not null,
		attempt int not null,
		due_at timestamptz not null,
		last_error text not null,
		created_at timestamptz not null,
		claimed_by text null,
		claim_until timestamptz null
	)`,
	`create index if not exists inbound_retries_due_idx on inbound_retries(consumer_group, due_at)`,
}

var OrderTables = []string{
	`create table if not exists orders(
		id text primary key,
		customer_id text not null,
		items jsonb not null,
		total_amount numeric(18,2) not null,
		currency text not null,
		shipping_address jsonb not null,
		status text not null,
		correlation_id text not null,
		failure_reason text not null default '',
		version int not null,
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
	`create index if not exists orders_stale_idx on orders(status, updated_at)`,
	`create table if not exists saga_log(
		seq bigserial primary key,
		order_id text not null references orders(id) on delete cascade,
		step text not null,
		event_type text not null,
		event_id text not null default '',
		correlation_id text not null,
		status text not null,
		ts timestamptz not null,
		error_message text not null default ''
	)`,
	`create index if not exists saga_log_order_idx on saga_log(order_id, ts, seq)`,
}

var InventoryTables = []string{
	`create table if not exists stock(
		product_id text primary key,
		on_hand bigint not null,
		reserved bigint not null,
		updated_at timestamptz not null default now()
	)`,
	`create table if not exists reservations(
		order_id text primary key,
		items jsonb not null,
		status text not null,
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
}

var PaymentTables = []string{
	`create table if not exists payments(
		order_id text primary key,
		idempotency_key text not null,
		amount numeric(18,2) not null,
		currency text not null,
		status text not null,
		transaction_id text not null default '',
		refund_id text not null default '',
		failure_reason text not null default '',
		created_at timestamptz not null,
		updated_at timestamptz not null
	)`,
}

var ShippingTables = []string{
	`create table if not exists shipments(
		order_id text primary key,
		tracking_number text not null,
		address jsonb not null,
		status text not null,
		estimated_delivery timestamptz not null,
		created_at timestamptz not null
	)`,
}

// Migrate applies statement sets in order. Every statement is idempotent.
func (d *DB) Migrate(ctx context.Context, sets ...[]string) error {
	for _, set := range sets {
		for _, s := range set {
			if _, err := d.Pool.Exec(ctx, s); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
	}
	return nil
}
