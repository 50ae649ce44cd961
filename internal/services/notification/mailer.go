package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"restaurant-payments/internal/config"
	"restaurant-payments/internal/models"
)

// Mailer sends order emails over SMTP
type Mailer struct {
	addr string
	auth smtp.Auth
	from string
}

// NewMailer creates a mailer from SMTP configuration
func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{
		addr: fmt.Sprintf("%s:%d", cfg.SMTP.Host, cfg.SMTP.Port),
		auth: smtp.PlainAuth("", cfg.SMTP.User, cfg.SMTP.Password, cfg.SMTP.Host),
		from: cfg.SMTP.From,
	}
}

// NotifyCustomer sends the order receipt to the customer
func (m *Mailer) NotifyCustomer(msg *models.OrderPaidMessage) error {
	subject := fmt.Sprintf("Your order %s is confirmed", msg.OrderNumber)

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\r\n\r\n", msg.CustomerName)
	fmt.Fprintf(&body, "Thanks for your order at %s. Payment of %s EUR was received (transaction %s).\r\n\r\n",
		msg.RestaurantName, msg.TotalPrice, msg.TransactionID)
	writeOrderLines(&body, msg.Lines)
	fmt.Fprintf(&body, "\r\nDelivery address: %s\r\n", msg.CustomerAddress)

	return m.send(msg.CustomerEmail, subject, body.String())
}

// NotifyRestaurant sends the order sheet to the restaurant owner
func (m *Mailer) NotifyRestaurant(msg *models.OrderPaidMessage) error {
	subject := fmt.Sprintf("New paid order %s", msg.OrderNumber)

	var body strings.Builder
	fmt.Fprintf(&body, "A new order was paid for (%s EUR).\r\n\r\n", msg.TotalPrice)
	fmt.Fprintf(&body, "Customer: %s %s\r\nPhone: %s\r\nAddress: %s\r\n",
		msg.CustomerName, msg.CustomerLastName, msg.CustomerPhone, msg.CustomerAddress)
	if msg.CustomerNote != nil && *msg.CustomerNote != "" {
		fmt.Fprintf(&body, "Note: %s\r\n", *msg.CustomerNote)
	}
	body.WriteString("\r\n")
	writeOrderLines(&body, msg.Lines)

	return m.send(msg.RestaurantEmail, subject, body.String())
}

// writeOrderLines renders the line items as plain text
func writeOrderLines(body *strings.Builder, lines []models.OrderLine) {
	for _, line := range lines {
		fmt.Fprintf(body, "  %dx %s (%s EUR)\r\n", line.Quantity, line.DishName, line.UnitPrice.StringFixed(2))
	}
}

// send submits one message over SMTP
func (m *Mailer) send(to, subject, body string) error {
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.from, to, subject, body)

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}
	return nil
}
