package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"restaurant-payments/internal/logger"
	"restaurant-payments/internal/messaging"
	"restaurant-payments/internal/models"
)

type fakeSender struct {
	customerErr   error
	restaurantErr error

	customerSent   int
	restaurantSent int
}

func (f *fakeSender) NotifyCustomer(msg *models.OrderPaidMessage) error {
	f.customerSent++
	return f.customerErr
}

func (f *fakeSender) NotifyRestaurant(msg *models.OrderPaidMessage) error {
	f.restaurantSent++
	return f.restaurantErr
}

func paidMessageBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(&models.OrderPaidMessage{
		OrderNumber:     "ORD_20260828_001",
		CustomerName:    "Mario",
		CustomerEmail:   "mario@example.com",
		RestaurantName:  "Trattoria Da Luigi",
		RestaurantEmail: "orders@daluigi.example.com",
		TotalPrice:      "20.00",
		Lines: []models.OrderLine{
			{DishName: "Margherita", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	return body
}

func TestHandleNotification_SendsBothEmails(t *testing.T) {
	sender := &fakeSender{}
	sub := &Subscriber{sender: sender, logger: logger.New("notification-test")}

	if err := sub.handleNotification(context.Background(), paidMessageBody(t)); err != nil {
		t.Fatalf("handleNotification() error: %v", err)
	}
	if sender.customerSent != 1 || sender.restaurantSent != 1 {
		t.Errorf("sends = customer %d, restaurant %d, want 1 each", sender.customerSent, sender.restaurantSent)
	}
}

func TestHandleNotification_MailFailureStillAcks(t *testing.T) {
	sender := &fakeSender{customerErr: errors.New("smtp: connection refused")}
	sub := &Subscriber{sender: sender, logger: logger.New("notification-test")}

	if err := sub.handleNotification(context.Background(), paidMessageBody(t)); err != nil {
		t.Fatalf("handleNotification() error: %v, want nil so the message is acked", err)
	}
	if sender.restaurantSent != 1 {
		t.Errorf("restaurant email skipped after customer failure; sends must be independent")
	}
}

func TestHandleNotification_MalformedMessageDropped(t *testing.T) {
	sender := &fakeSender{}
	sub := &Subscriber{sender: sender, logger: logger.New("notification-test")}

	err := sub.handleNotification(context.Background(), []byte("{not json"))
	if err == nil {
		t.Fatal("handleNotification() = nil, want error for malformed message")
	}
	// A malformed body never parses on redelivery; the consumer must see
	// it as unprocessable and drop it instead of requeueing
	if !errors.Is(err, messaging.ErrUnprocessable) {
		t.Errorf("error = %v, want it wrapping messaging.ErrUnprocessable", err)
	}
	if sender.customerSent != 0 || sender.restaurantSent != 0 {
		t.Errorf("no emails should be sent for a malformed message")
	}
}
