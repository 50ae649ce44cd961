package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"restaurant-payments/internal/database"
	"restaurant-payments/internal/models"
)

// ErrOrderNotFound is returned when an order number has no row
var ErrOrderNotFound = errors.New("order not found")

// ErrOrderNumberTaken is returned when a concurrent submission committed
// the same order number first. The caller reallocates and retries.
var ErrOrderNumberTaken = errors.New("order number already taken")

// Repository persists orders in PostgreSQL
type Repository struct {
	db *database.DB
}

// NewRepository creates an order repository
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// NextOrderSequence returns the next per-day order sequence number
func (r *Repository) NextOrderSequence(ctx context.Context, date time.Time) (int, error) {
	prefix := fmt.Sprintf("ORD_%s_%%", date.Format("20060102"))

	var sequence int
	err := r.db.QueryRow(ctx, database.GetNextOrderNumberSQL, prefix).Scan(&sequence)
	if err != nil {
		return 0, fmt.Errorf("failed to get next order sequence: %w", err)
	}
	return sequence, nil
}

// InsertOrderWithLines writes the order and all of its lines in a single
// transaction. Either every row commits or none does; a partially written
// order is never observable.
func (r *Repository) InsertOrderWithLines(ctx context.Context, order *models.Order) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, database.InsertOrderSQL,
		order.Number,
		order.CustomerName,
		order.CustomerLast,
		order.CustomerAddr,
		order.CustomerEmail,
		order.CustomerPhone,
		order.CustomerNote,
		order.RestaurantID,
		order.TotalPrice.StringFixed(2),
		string(order.Status),
		order.TransactionID,
		order.IdempotencyKey,
	).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "orders_number_key" {
			return ErrOrderNumberTaken
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, line := range order.Lines {
		_, err = tx.Exec(ctx, database.InsertOrderLineSQL,
			order.ID, line.DishID, line.DishName, line.Quantity, line.UnitPrice.StringFixed(2))
		if err != nil {
			return fmt.Errorf("failed to insert order line for dish %d: %w", line.DishID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

// GetOrderByNumber reads an order and its lines
func (r *Repository) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var (
		order     models.Order
		totalText string
	)
	err := r.db.QueryRow(ctx, database.GetOrderByNumberSQL, number).Scan(
		&order.ID,
		&order.Number,
		&order.CustomerName,
		&order.CustomerLast,
		&order.CustomerAddr,
		&order.CustomerEmail,
		&order.CustomerPhone,
		&order.CustomerNote,
		&order.RestaurantID,
		&totalText,
		&order.Status,
		&order.TransactionID,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to query order %s: %w", number, err)
	}

	order.TotalPrice, err = decimal.NewFromString(totalText)
	if err != nil {
		return nil, fmt.Errorf("invalid total for order %s: %w", number, err)
	}

	rows, err := r.db.Query(ctx, database.GetOrderLinesSQL, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line      models.OrderLine
			priceText string
		)
		if err := rows.Scan(&line.DishID, &line.DishName, &line.Quantity, &priceText); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		line.UnitPrice, err = decimal.NewFromString(priceText)
		if err != nil {
			return nil, fmt.Errorf("invalid unit price on order %s: %w", number, err)
		}
		order.Lines = append(order.Lines, line)
	}

	return &order, rows.Err()
}
