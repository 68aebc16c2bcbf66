package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtrntr/p2pexchange/internal/models"
)

const uniqueViolation = "23505"

const orderColumns = "id, user_id, order_type, cryptocurrency, fiat_currency, amount, price_per_unit, total_value, payment_method, status, created_at, updated_at"

const tradeColumns = "id, order_id, buyer_id, seller_id, amount, price_per_unit, total_value, status, escrow_address, payment_confirmed, crypto_released, created_at, updated_at"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps a PostgreSQL connection pool
type DB struct {
	pgTx
	Pool *pgxpool.Pool
}

var _ Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pgTx: pgTx{q: pool}, Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// WithTx runs fn inside a transaction, committing only if fn succeeds
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// Stats aggregates platform counters
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM trades),
			(SELECT COUNT(*) FROM trades WHERE status = 'completed'),
			(SELECT COUNT(*) FROM orders WHERE status = 'active'),
			(SELECT COALESCE(SUM(total_value), 0) FROM trades WHERE status = 'completed')
	`).Scan(&s.TotalTrades, &s.CompletedTrades, &s.ActiveOrders, &s.CompletedVolume)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get stats: %w", err)
	}
	return s, nil
}

// pgTx implements Tx on top of either the pool or an open transaction
type pgTx struct {
	q querier
}

// UserExists reports whether a user with the given id exists
func (t pgTx) UserExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Type, &o.Crypto, &o.Fiat, &o.Amount,
		&o.PricePerUnit, &o.TotalValue, &o.PaymentMethod, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func scanTrade(row pgx.Row) (*models.Trade, error) {
	tr := &models.Trade{}
	err := row.Scan(&tr.ID, &tr.OrderID, &tr.BuyerID, &tr.SellerID, &tr.Amount, &tr.PricePerUnit,
		&tr.TotalValue, &tr.Status, &tr.EscrowAddress, &tr.PaymentConfirmed, &tr.CryptoReleased,
		&tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// GetOrder retrieves an order, locking the row when forUpdate is set
func (t pgTx) GetOrder(ctx context.Context, id int64, forUpdate bool) (*models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	order, err := scanOrder(t.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// InsertOrder inserts a new order
func (t pgTx) InsertOrder(ctx context.Context, o *models.Order) (*models.Order, error) {
	newOrder, err := scanOrder(t.q.QueryRow(ctx,
		"INSERT INTO orders (user_id, order_type, cryptocurrency, fiat_currency, amount, price_per_unit, total_value, payment_method, status, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING "+orderColumns,
		o.UserID, o.Type, o.Crypto, o.Fiat, o.Amount, o.PricePerUnit, o.TotalValue, o.PaymentMethod, o.Status, o.CreatedAt, o.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return newOrder, nil
}

// UpdateOrder persists the mutable fields of an order
func (t pgTx) UpdateOrder(ctx context.Context, o *models.Order) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE orders SET amount = $1, price_per_unit = $2, total_value = $3, status = $4, updated_at = $5 WHERE id = $6",
		o.Amount, o.PricePerUnit, o.TotalValue, o.Status, o.UpdatedAt, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrders retrieves orders matching filter, newest first
func (t pgTx) ListOrders(ctx context.Context, f models.OrderFilter) ([]models.Order, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActiveOnly {
		add("status = $%d", models.OrderActive)
	}
	if f.Type != "" {
		add("order_type = $%d", f.Type)
	}
	if f.Crypto != "" {
		add("cryptocurrency = $%d", f.Crypto)
	}
	if f.Fiat != "" {
		add("fiat_currency = $%d", f.Fiat)
	}
	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// GetTrade retrieves a trade, locking the row when forUpdate is set
func (t pgTx) GetTrade(ctx context.Context, id int64, forUpdate bool) (*models.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	trade, err := scanTrade(t.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

// InsertTrade inserts a new trade
func (t pgTx) InsertTrade(ctx context.Context, tr *models.Trade) (*models.Trade, error) {
	newTrade, err := scanTrade(t.q.QueryRow(ctx,
		"INSERT INTO trades (order_id, buyer_id, seller_id, amount, price_per_unit, total_value, status, escrow_address, payment_confirmed, crypto_released, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING "+tradeColumns,
		tr.OrderID, tr.BuyerID, tr.SellerID, tr.Amount, tr.PricePerUnit, tr.TotalValue, tr.Status,
		tr.EscrowAddress, tr.PaymentConfirmed, tr.CryptoReleased, tr.CreatedAt, tr.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	return newTrade, nil
}

// UpdateTrade persists the state machine fields of a trade
func (t pgTx) UpdateTrade(ctx context.Context, tr *models.Trade) error {
	tag, err := t.q.Exec(ctx,
		"UPDATE trades SET status = $1, payment_confirmed = $2, crypto_released = $3, updated_at = $4 WHERE id = $5",
		tr.Status, tr.PaymentConfirmed, tr.CryptoReleased, tr.UpdatedAt, tr.ID)
	if err != nil {
		return fmt.Errorf("failed to update trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTrades retrieves trades matching filter, newest first
func (t pgTx) ListTrades(ctx context.Context, f models.TradeFilter) ([]models.Trade, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != 0 {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("(buyer_id = $%d OR seller_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.OrderID != 0 {
		args = append(args, f.OrderID)
		conds = append(conds, fmt.Sprintf("order_id = $%d", len(args)))
	}

	query := "SELECT " + tradeColumns + " FROM trades"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	trades := []models.Trade{}
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}
