package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const ordersSchema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id           TEXT PRIMARY KEY,
	token_in           TEXT NOT NULL,
	token_out          TEXT NOT NULL,
	amount_in          TEXT NOT NULL,
	slippage_tolerance DOUBLE PRECISION NOT NULL,
	min_amount_out     TEXT,
	status             TEXT NOT NULL,
	dex_type           TEXT,
	executed_price     TEXT,
	tx_hash            TEXT,
	error_reason       TEXT,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders (created_at DESC);
`

const orderColumns = `order_id, token_in, token_out, amount_in, slippage_tolerance,
	min_amount_out, status, dex_type, executed_price, tx_hash, error_reason,
	created_at, updated_at`

// PostgresStore implements OrderStore on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings a PostgreSQL connection
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the orders table and its indexes if missing
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ordersSchema); err != nil {
		return fmt.Errorf("failed to ensure orders schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Create inserts the initial pending row and reads back the DB-assigned
// timestamps
func (s *PostgresStore) Create(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO orders (order_id, token_in, token_out, amount_in, slippage_tolerance, min_amount_out, status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		o.OrderID,
		o.TokenIn,
		o.TokenOut,
		o.AmountIn,
		o.SlippageTolerance,
		o.MinAmountOut,
		string(o.Status),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

// Get retrieves a single order by id
func (s *PostgresStore) Get(ctx context.Context, orderID string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = $1`
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, orderID))
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return o, nil
}

// List returns a page of orders, newest first
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// UpdateStatus performs a guarded status transition. The write only lands
// when the persisted status matches from; an empty from matches any
// non-terminal status (the failure path). tx_hash is write-once and
// error_reason is only written on the failed transition.
func (s *PostgresStore) UpdateStatus(ctx context.Context, orderID string, from, to OrderStatus, fields StatusFields) (*Order, error) {
	query := `
		UPDATE orders SET
			status = $2,
			dex_type = COALESCE(NULLIF($3, ''), dex_type),
			executed_price = COALESCE(NULLIF($4, ''), executed_price),
			tx_hash = COALESCE(tx_hash, NULLIF($5, '')),
			error_reason = CASE WHEN $2 = 'failed' THEN NULLIF($6, '') ELSE error_reason END,
			updated_at = now()
		WHERE order_id = $1 AND ` + transitionGuard(from) + `
		RETURNING ` + orderColumns
	args := []any{
		orderID,
		string(to),
		fields.DexType,
		fields.ExecutedPrice,
		fields.TxHash,
		fields.ErrorReason,
	}
	if from != "" {
		args = append(args, string(from))
	}

	o, err := scanOrder(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		// Distinguish a missing row from a refused transition
		if _, getErr := s.Get(ctx, orderID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update order status: %w", err)
	}

	return o, nil
}

func transitionGuard(from OrderStatus) string {
	if from == "" {
		return `status NOT IN ('confirmed', 'failed')`
	}
	return `status = $7`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o             Order
		status        string
		minAmountOut  sql.NullString
		dexType       sql.NullString
		executedPrice sql.NullString
		txHash        sql.NullString
		errorReason   sql.NullString
	)

	err := row.Scan(
		&o.OrderID,
		&o.TokenIn,
		&o.TokenOut,
		&o.AmountIn,
		&o.SlippageTolerance,
		&minAmountOut,
		&status,
		&dexType,
		&executedPrice,
		&txHash,
		&errorReason,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = OrderStatus(status)
	o.MinAmountOut = minAmountOut.String
	o.DexType = dexType.String
	o.ExecutedPrice = executedPrice.String
	o.TxHash = txHash.String
	o.ErrorReason = errorReason.String

	return &o, nil
}

var _ OrderStore = (*PostgresStore)(nil)
