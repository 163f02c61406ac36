// Package postgres backs every service with PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redstone/ordersaga/internal/idempotency"
)

type DB struct {
	Pool *pgxpool.Pool
}

func Open(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() { d.Pool.Close() }

// Ping backs the health endpoint.
func (d *DB) Ping(ctx context.Context) error { return d.Pool.Ping(ctx) }

type Tx struct {
	tx pgx.Tx
}

// InTx commits when fn returns nil and rolls back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	ptx, err := d.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer ptx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &Tx{tx: ptx}); err != nil {
		return err
	}
	if err := ptx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return idempotency.ErrDuplicateKey
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Scope narrows the database to one service's transaction interface.
type Scope[TX any] struct {
	*DB
}

func For[TX any](d *DB) Scope[TX] { return Scope[TX]{DB: d} }

func (sc Scope[TX]) InTx(ctx context.Context, fn func(ctx context.Context, tx TX) error) error {
	return sc.DB.InTx(ctx, func(ctx context.Context, tx *Tx) error {
		t, ok := any(tx).(TX)
		if !ok {
			return fmt.Errorf("postgres transaction does not implement %T", (*TX)(nil))
		}
		return fn(ctx, t)
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (d *DB) FindRecord(ctx context.Context, key string) (idempotency.Record, bool, error) {
	r := idempotency.Record{Key: key}
	err := d.Pool.QueryRow(ctx,
		`select request_hash, snapshot, created_at from idempotency_records where key=$1`, key).
		Scan(&r.RequestHash, &r.Snapshot, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return r, true, nil
}

func (t *Tx) InsertRecord(ctx context.Context, r idempotency.Record) error {
	tag, err := t.tx.Exec(ctx,
		`insert into idempotency_records(key, request_hash, snapshot, created_at) values ($1,$2,$3,$4)
		on conflict (key) do nothing`,
		r.Key, r.RequestHash, r.Snapshot, r.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrDuplicateKey
	}
	return nil
}
