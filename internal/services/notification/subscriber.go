package notification

import (
	"context"
	"fmt"

	"restaurant-payments/internal/logger"
	"restaurant-payments/internal/messaging"
	"restaurant-payments/internal/models"
)

// Sender delivers the two order emails. Each send is independent.
type Sender interface {
	NotifyCustomer(msg *models.OrderPaidMessage) error
	NotifyRestaurant(msg *models.OrderPaidMessage) error
}

// Subscriber consumes paid-order messages and dispatches emails
type Subscriber struct {
	consumer *messaging.Consumer
	sender   Sender
	logger   *logger.Logger
}

// NewSubscriber creates a notification subscriber
func NewSubscriber(consumer *messaging.Consumer, sender Sender, log *logger.Logger) *Subscriber {
	return &Subscriber{
		consumer: consumer,
		sender:   sender,
		logger:   log,
	}
}

// Start consumes notifications until the context is cancelled
func (s *Subscriber) Start(ctx context.Context) error {
	requestID := logger.GenerateRequestID()
	s.logger.Info("service_started", "Notification subscriber started", requestID, nil)

	return s.consumer.StartConsuming(ctx, s.handleNotification)
}

// handleNotification processes one paid-order message. Mail failures are
// logged and the message is acked anyway: email delivery is best-effort
// and must never feed back into the payment flow.
func (s *Subscriber) handleNotification(ctx context.Context, body []byte) error {
	requestID := logger.GenerateRequestID()

	var msg models.OrderPaidMessage
	if err := messaging.ParseMessage(body, &msg); err != nil {
		s.logger.Error("message_parsing_failed", "Failed to parse notification message", requestID, err, nil)
		// Redelivery cannot make a malformed body parse; drop it
		return fmt.Errorf("notification message is malformed: %w", messaging.ErrUnprocessable)
	}

	s.logger.Debug("notification_received", "Received paid-order notification", requestID, map[string]interface{}{
		"order_number": msg.OrderNumber,
		"restaurant":   msg.RestaurantName,
	})

	if err := s.sender.NotifyCustomer(&msg); err != nil {
		s.logger.Error("customer_mail_failed", "Failed to send customer receipt", requestID, err,
			map[string]interface{}{"order_number": msg.OrderNumber, "recipient": msg.CustomerEmail})
	}

	if err := s.sender.NotifyRestaurant(&msg); err != nil {
		s.logger.Error("restaurant_mail_failed", "Failed to send restaurant order sheet", requestID, err,
			map[string]interface{}{"order_number": msg.OrderNumber, "recipient": msg.RestaurantEmail})
	}

	return nil
}

// Close stops the underlying consumer
func (s *Subscriber) Close() error {
	return s.consumer.Close()
}
