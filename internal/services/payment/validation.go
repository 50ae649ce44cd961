package payment

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
	"restaurant-payments/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\s\-]{5,18}$`)
)

// ValidatePaymentRequest checks the shape of a payment submission before
// any pricing or charging happens. It is pure: no catalog access, no side
// effects.
func ValidatePaymentRequest(req *models.PaymentRequest) error {
	if err := validateRequiredText("customer_name", req.CustomerName, 255); err != nil {
		return err
	}
	if err := validateRequiredText("customer_last_name", req.CustomerLastName, 255); err != nil {
		return err
	}
	if err := validateRequiredText("customer_address", req.CustomerAddress, 255); err != nil {
		return err
	}

	if req.CustomerEmail == "" {
		return &ValidationError{Field: "customer_email", Message: "customer email is required"}
	}
	if len(req.CustomerEmail) > 255 || !emailPattern.MatchString(req.CustomerEmail) {
		return &ValidationError{Field: "customer_email", Message: "customer email is not a valid address"}
	}

	if req.CustomerPhone == "" {
		return &ValidationError{Field: "customer_phone", Message: "customer phone is required"}
	}
	if len(req.CustomerPhone) > 20 || !phonePattern.MatchString(req.CustomerPhone) {
		return &ValidationError{Field: "customer_phone", Message: "customer phone is not a valid phone number"}
	}

	if req.CustomerNote != nil && len(*req.CustomerNote) > 255 {
		return &ValidationError{Field: "customer_note", Message: "customer note must not exceed 255 characters"}
	}

	if req.PaymentNonce == "" {
		return &ValidationError{Field: "paymentMethodNonce", Message: "payment method nonce is required"}
	}

	if _, err := parseClientTotal(req.TotalPrice); err != nil {
		return err
	}

	return validateCartLines(req.Lines)
}

// validateRequiredText checks a required free-text field with a length bound
func validateRequiredText(field, value string, maxLen int) error {
	if value == "" {
		return &ValidationError{Field: field, Message: fmt.Sprintf("%s is required", field)}
	}
	if len(value) > maxLen {
		return &ValidationError{Field: field, Message: fmt.Sprintf("%s must not exceed %d characters", field, maxLen)}
	}
	return nil
}

// parseClientTotal parses the client-submitted total. The figure is only
// ever compared against the server-computed total, never charged.
func parseClientTotal(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, &ValidationError{Field: "total_price", Message: "total_price is required"}
	}
	total, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "total_price", Message: "total_price is not a valid amount"}
	}
	if total.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &ValidationError{Field: "total_price", Message: "total_price must be greater than zero"}
	}
	return total, nil
}

// validateCartLines checks the submitted cart shape
func validateCartLines(lines []models.CartLine) error {
	if len(lines) == 0 {
		return &ValidationError{Field: "userData", Message: "cart cannot be empty"}
	}
	if len(lines) > 20 {
		return &ValidationError{Field: "userData", Message: "a maximum of 20 cart lines is allowed"}
	}

	seen := make(map[int]struct{}, len(lines))
	for i, line := range lines {
		prefix := fmt.Sprintf("userData[%d]", i)

		if line.DishID <= 0 {
			return &ValidationError{Field: prefix + ".dish_id", Message: "dish id must be a positive integer"}
		}
		if line.Quantity < 1 || line.Quantity > 10 {
			return &ValidationError{Field: prefix + ".quantity", Message: "quantity must be between 1 and 10"}
		}
		if _, dup := seen[line.DishID]; dup {
			return &ValidationError{Field: prefix + ".dish_id", Message: "duplicate dish in cart"}
		}
		seen[line.DishID] = struct{}{}
	}
	return nil
}
