package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	StatusPending OrderStatus = "pending"
	StatusPaid    OrderStatus = "paid"
	StatusFailed  OrderStatus = "failed"
)

// Dish is a catalog entry. Read-only from the payment flow's perspective.
type Dish struct {
	ID           int             `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	RestaurantID int             `json:"restaurant_id"`
}

// Restaurant holds the catalog data needed to notify the owner
type Restaurant struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	OwnerEmail string `json:"owner_email"`
}

// OrderLine is a single dish position on an order. UnitPrice is a snapshot
// of the catalog price at purchase time.
type OrderLine struct {
	DishID    int             `json:"dish_id"`
	DishName  string          `json:"dish_name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Order represents a paid customer order
type Order struct {
	ID             int             `json:"id,omitempty"`
	Number         string          `json:"order_number"`
	CustomerName   string          `json:"customer_name"`
	CustomerLast   string          `json:"customer_last_name"`
	CustomerAddr   string          `json:"customer_address"`
	CustomerEmail  string          `json:"customer_email"`
	CustomerPhone  string          `json:"customer_phone"`
	CustomerNote   *string         `json:"customer_note,omitempty"`
	RestaurantID   int             `json:"restaurant_id"`
	Lines          []OrderLine     `json:"lines"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	Status         OrderStatus     `json:"status"`
	TransactionID  string          `json:"transaction_id"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at,omitempty"`
}

// CartLine is a client-submitted cart position, priced server-side
type CartLine struct {
	DishID   int `json:"dish_id"`
	Quantity int `json:"quantity"`
}

// PaymentRequest is the body of POST /payment. TotalPrice is what the
// client believes it owes; the charged amount is always recomputed from
// the catalog and the two must agree.
type PaymentRequest struct {
	TotalPrice       string     `json:"total_price"`
	CustomerName     string     `json:"customer_name"`
	CustomerLastName string     `json:"customer_last_name"`
	CustomerAddress  string     `json:"customer_address"`
	CustomerEmail    string     `json:"customer_email"`
	CustomerPhone    string     `json:"customer_phone"`
	CustomerNote     *string    `json:"customer_note,omitempty"`
	PaymentNonce     string     `json:"paymentMethodNonce"`
	Lines            []CartLine `json:"userData"`
}

// PaymentResponse is the success body of POST /payment
type PaymentResponse struct {
	Message       string `json:"message"`
	TransactionID string `json:"transaction_id"`
	OrderNumber   string `json:"order_number"`
	DishIDs       []int  `json:"dish_ids"`
	RestaurantID  int    `json:"restaurant_id"`
	TotalPrice    string `json:"total_price"`
}

// PaymentResult is the outcome of a gateway charge
type PaymentResult struct {
	TransactionID  string          `json:"transaction_id"`
	Success        bool            `json:"success"`
	FailureCode    string          `json:"failure_code,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	SettledAmount  decimal.Decimal `json:"settled_amount"`
}

// GenerateOrderNumber generates an order number in format ORD_YYYYMMDD_NNN
func GenerateOrderNumber(date time.Time, sequence int) string {
	return fmt.Sprintf("ORD_%s_%03d", date.Format("20060102"), sequence)
}
