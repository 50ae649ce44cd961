package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"restaurant-payments/internal/database"
	"restaurant-payments/internal/models"
)

// ErrRestaurantNotFound is returned when a restaurant id has no row
var ErrRestaurantNotFound = errors.New("restaurant not found")

// Store reads restaurants and dishes. The payment flow never writes to it.
type Store struct {
	db *database.DB
}

// NewStore creates a catalog store backed by PostgreSQL
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// DishesByIDs returns the dishes for the given ids, keyed by id. Ids with
// no catalog row are simply absent from the result; the caller decides
// whether that is an error.
func (s *Store) DishesByIDs(ctx context.Context, ids []int) (map[int]models.Dish, error) {
	rows, err := s.db.Query(ctx, database.GetDishesByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query dishes: %w", err)
	}
	defer rows.Close()

	dishes := make(map[int]models.Dish, len(ids))
	for rows.Next() {
		var (
			dish      models.Dish
			priceText string
		)
		if err := rows.Scan(&dish.ID, &dish.Name, &priceText, &dish.RestaurantID); err != nil {
			return nil, fmt.Errorf("failed to scan dish: %w", err)
		}
		dish.Price, err = decimal.NewFromString(priceText)
		if err != nil {
			return nil, fmt.Errorf("invalid price for dish %d: %w", dish.ID, err)
		}
		dishes[dish.ID] = dish
	}

	return dishes, rows.Err()
}

// Restaurant returns the restaurant row for the given id
func (s *Store) Restaurant(ctx context.Context, id int) (*models.Restaurant, error) {
	var r models.Restaurant
	err := s.db.QueryRow(ctx, database.GetRestaurantSQL, id).Scan(&r.ID, &r.Name, &r.OwnerEmail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRestaurantNotFound
		}
		return nil, fmt.Errorf("failed to query restaurant %d: %w", id, err)
	}
	return &r, nil
}
