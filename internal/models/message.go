package models

import "time"

// OrderPaidMessage is published to the notifications fanout after an order
// commits. It carries a read-only snapshot of everything the mail templates
// need so the subscriber never touches the reconciliation path.
type OrderPaidMessage struct {
	OrderNumber      string      `json:"order_number"`
	CustomerName     string      `json:"customer_name"`
	CustomerLastName string      `json:"customer_last_name"`
	CustomerEmail    string      `json:"customer_email"`
	CustomerAddress  string      `json:"customer_address"`
	CustomerPhone    string      `json:"customer_phone"`
	CustomerNote     *string     `json:"customer_note,omitempty"`
	RestaurantName   string      `json:"restaurant_name"`
	RestaurantEmail  string      `json:"restaurant_email"`
	Lines            []OrderLine `json:"lines"`
	TotalPrice       string      `json:"total_price"`
	TransactionID    string      `json:"transaction_id"`
	PaidAt           time.Time   `json:"paid_at"`
}

// ReconciliationAlertMessage reports a charge that succeeded at the gateway
// but could not be recorded. Money moved with no order row; an operator has
// to resolve it against the provider's transaction log.
type ReconciliationAlertMessage struct {
	TransactionID  string    `json:"transaction_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	CustomerEmail  string    `json:"customer_email"`
	RestaurantID   int       `json:"restaurant_id"`
	Amount         string    `json:"amount"`
	Reason         string    `json:"reason"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NewOrderPaidMessage builds the notification snapshot for a committed order
func NewOrderPaidMessage(order *Order, restaurant *Restaurant) *OrderPaidMessage {
	return &OrderPaidMessage{
		OrderNumber:      order.Number,
		CustomerName:     order.CustomerName,
		CustomerLastName: order.CustomerLast,
		CustomerEmail:    order.CustomerEmail,
		CustomerAddress:  order.CustomerAddr,
		CustomerPhone:    order.CustomerPhone,
		CustomerNote:     order.CustomerNote,
		RestaurantName:   restaurant.Name,
		RestaurantEmail:  restaurant.OwnerEmail,
		Lines:            order.Lines,
		TotalPrice:       order.TotalPrice.StringFixed(2),
		TransactionID:    order.TransactionID,
		PaidAt:           time.Now().UTC(),
	}
}
