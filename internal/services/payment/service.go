package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"restaurant-payments/internal/gateway"
	"restaurant-payments/internal/idempotency"
	"restaurant-payments/internal/logger"
	"restaurant-payments/internal/models"
)

// Submission states, logged as the reconciler advances. The only path that
// writes an order row runs through statePaid.
const (
	stateReceived  = "received"
	stateValidated = "validated"
	stateCharging  = "charging"
	statePaid      = "paid"
	statePersisted = "persisted"
	stateNotifying = "notifying"
	stateDone      = "done"
	stateRejected  = "rejected"
	stateDeclined  = "declined"
)

// maxNumberRetries bounds reallocation attempts when a concurrent
// submission wins the per-day order number race
const maxNumberRetries = 3

// Charger submits a sale to the payment gateway
type Charger interface {
	Charge(ctx context.Context, amount decimal.Decimal, nonce string) (models.PaymentResult, error)
}

// Catalog reads dishes and restaurants
type Catalog interface {
	DishesByIDs(ctx context.Context, ids []int) (map[int]models.Dish, error)
	Restaurant(ctx context.Context, id int) (*models.Restaurant, error)
}

// OrderStore persists and reads orders
type OrderStore interface {
	NextOrderSequence(ctx context.Context, date time.Time) (int, error)
	InsertOrderWithLines(ctx context.Context, order *models.Order) error
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
}

// Publisher hands messages to the broker
type Publisher interface {
	PublishOrderPaid(ctx context.Context, msg interface{}) error
	PublishReconciliationAlert(ctx context.Context, msg interface{}) error
}

// AttemptStore deduplicates charge attempts by idempotency key
type AttemptStore interface {
	Claim(ctx context.Context, key string) (*idempotency.Outcome, error)
	Record(ctx context.Context, key string, outcome idempotency.Outcome) error
	Release(ctx context.Context, key string) error
}

// validatedOrder is the cart after authoritative pricing: every dish
// resolved, single restaurant confirmed, total computed server-side.
type validatedOrder struct {
	lines        []models.OrderLine
	dishIDs      []int
	restaurantID int
	total        decimal.Decimal
}

// Service is the order reconciler. It owns the consistency guarantee: an
// order row exists iff the gateway confirmed the charge.
type Service struct {
	gateway  Charger
	catalog  Catalog
	orders   OrderStore
	attempts AttemptStore
	pub      Publisher
	logger   *logger.Logger
}

// NewService wires the reconciler with its collaborators
func NewService(gw Charger, cat Catalog, orders OrderStore, attempts AttemptStore, pub Publisher, log *logger.Logger) *Service {
	return &Service{
		gateway:  gw,
		catalog:  cat,
		orders:   orders,
		attempts: attempts,
		pub:      pub,
		logger:   log,
	}
}

// ProcessPayment runs one payment submission through
// validate -> charge -> persist -> notify. The charge-then-persist sequence
// is strictly sequential; notification is handed off after commit and never
// influences the returned result.
func (s *Service) ProcessPayment(ctx context.Context, req *models.PaymentRequest, idempotencyKey, requestID string) (*models.PaymentResponse, error) {
	s.logState(stateReceived, requestID, nil)

	// Validation and pricing: no side effects until both pass
	if err := ValidatePaymentRequest(req); err != nil {
		s.logState(stateRejected, requestID, map[string]interface{}{"reason": err.Error()})
		return nil, err
	}

	cart, err := s.priceCart(ctx, req)
	if err != nil {
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			s.logState(stateRejected, requestID, map[string]interface{}{"reason": vErr.Error()})
		}
		return nil, err
	}

	s.logState(stateValidated, requestID, map[string]interface{}{
		"restaurant_id": cart.restaurantID,
		"total_price":   cart.total.StringFixed(2),
	})

	// Claim the idempotency key before any money can move
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	if prior, err := s.attempts.Claim(ctx, idempotencyKey); err != nil {
		if errors.Is(err, idempotency.ErrDuplicateAttempt) {
			return nil, &DuplicateError{Outcome: prior}
		}
		return nil, fmt.Errorf("failed to claim payment attempt: %w", err)
	}

	// Charge the authoritative total, never the client figure
	s.logState(stateCharging, requestID, map[string]interface{}{"amount": cart.total.StringFixed(2)})

	result, err := s.gateway.Charge(ctx, cart.total, req.PaymentNonce)
	if err != nil {
		// An indeterminate result may still have moved money, so the
		// claim stays. Definite transport failures moved nothing and
		// the key is freed for a retry.
		if !isIndeterminate(err) {
			s.releaseAttempt(ctx, idempotencyKey, requestID)
		}
		return nil, err
	}

	if !result.Success {
		s.logState(stateDeclined, requestID, map[string]interface{}{
			"code":    result.FailureCode,
			"message": result.FailureMessage,
		})
		s.releaseAttempt(ctx, idempotencyKey, requestID)
		return nil, &DeclinedError{Code: result.FailureCode, Message: result.FailureMessage}
	}

	s.logState(statePaid, requestID, map[string]interface{}{"transaction_id": result.TransactionID})

	// Persist order + lines in one transaction, only now that the charge
	// is confirmed. The per-day sequence is read outside the insert
	// transaction, so a concurrent submission can commit the same number
	// first; that collision is routine and gets a fresh number, not a
	// reconciliation alert.
	var order *models.Order
	for attempt := 0; ; attempt++ {
		order, err = s.buildOrder(ctx, req, cart, result, idempotencyKey)
		if err == nil {
			err = s.orders.InsertOrderWithLines(ctx, order)
		}
		if err == nil {
			break
		}
		if errors.Is(err, ErrOrderNumberTaken) && attempt < maxNumberRetries {
			continue
		}
		return nil, s.reportUnrecordedCharge(ctx, req, cart, result, idempotencyKey, requestID, err)
	}

	s.logState(statePersisted, requestID, map[string]interface{}{"order_number": order.Number})

	if err := s.attempts.Record(ctx, idempotencyKey, idempotency.Outcome{
		Status:        string(models.StatusPaid),
		OrderNumber:   order.Number,
		TransactionID: order.TransactionID,
	}); err != nil {
		s.logger.Error("attempt_record_failed", "Failed to record attempt outcome", requestID, err, nil)
	}

	// Fire-and-forget notification on a context detached from the request
	s.logState(stateNotifying, requestID, map[string]interface{}{"order_number": order.Number})
	go s.dispatchNotification(context.WithoutCancel(ctx), order, requestID)

	s.logState(stateDone, requestID, map[string]interface{}{"order_number": order.Number})

	return &models.PaymentResponse{
		Message:       "Payment successful",
		TransactionID: order.TransactionID,
		OrderNumber:   order.Number,
		DishIDs:       cart.dishIDs,
		RestaurantID:  cart.restaurantID,
		TotalPrice:    order.TotalPrice.StringFixed(2),
	}, nil
}

// Order returns a persisted order by its number
func (s *Service) Order(ctx context.Context, number string) (*models.Order, error) {
	return s.orders.GetOrderByNumber(ctx, number)
}

// priceCart resolves every cart line against the catalog and computes the
// authoritative total. The client-submitted total must match it exactly.
func (s *Service) priceCart(ctx context.Context, req *models.PaymentRequest) (*validatedOrder, error) {
	ids := make([]int, 0, len(req.Lines))
	for _, line := range req.Lines {
		ids = append(ids, line.DishID)
	}

	dishes, err := s.catalog.DishesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load dishes: %w", err)
	}

	cart := &validatedOrder{
		lines:   make([]models.OrderLine, 0, len(req.Lines)),
		dishIDs: ids,
		total:   decimal.Zero,
	}

	for i, line := range req.Lines {
		dish, ok := dishes[line.DishID]
		if !ok {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("userData[%d].dish_id", i),
				Message: fmt.Sprintf("dish %d does not exist", line.DishID),
			}
		}

		// Single-restaurant-per-order invariant
		if cart.restaurantID == 0 {
			cart.restaurantID = dish.RestaurantID
		} else if dish.RestaurantID != cart.restaurantID {
			return nil, &ValidationError{
				Field:   fmt.Sprintf("userData[%d].dish_id", i),
				Message: "all dishes must belong to the same restaurant",
			}
		}

		cart.lines = append(cart.lines, models.OrderLine{
			DishID:    dish.ID,
			DishName:  dish.Name,
			Quantity:  line.Quantity,
			UnitPrice: dish.Price,
		})
		cart.total = cart.total.Add(dish.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	clientTotal, err := parseClientTotal(req.TotalPrice)
	if err != nil {
		return nil, err
	}
	if !clientTotal.Equal(cart.total) {
		return nil, &ValidationError{
			Field:   "total_price",
			Message: fmt.Sprintf("submitted total %s does not match the priced total %s", clientTotal.StringFixed(2), cart.total.StringFixed(2)),
		}
	}

	return cart, nil
}

// buildOrder assembles the order row for a confirmed charge
func (s *Service) buildOrder(ctx context.Context, req *models.PaymentRequest, cart *validatedOrder, result models.PaymentResult, idempotencyKey string) (*models.Order, error) {
	now := time.Now().UTC()
	sequence, err := s.orders.NextOrderSequence(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate order number: %w", err)
	}

	return &models.Order{
		Number:         models.GenerateOrderNumber(now, sequence),
		CustomerName:   req.CustomerName,
		CustomerLast:   req.CustomerLastName,
		CustomerAddr:   req.CustomerAddress,
		CustomerEmail:  req.CustomerEmail,
		CustomerPhone:  req.CustomerPhone,
		CustomerNote:   req.CustomerNote,
		RestaurantID:   cart.restaurantID,
		Lines:          cart.lines,
		TotalPrice:     result.SettledAmount,
		Status:         models.StatusPaid,
		TransactionID:  result.TransactionID,
		IdempotencyKey: idempotencyKey,
	}, nil
}

// reportUnrecordedCharge handles the one critical failure mode: money was
// taken and the order could not be written. It is loud on every channel
// available and never silently swallowed.
func (s *Service) reportUnrecordedCharge(ctx context.Context, req *models.PaymentRequest, cart *validatedOrder, result models.PaymentResult, idempotencyKey, requestID string, cause error) error {
	s.logger.Error("reconciliation_alert",
		"Charge settled but order was not recorded", requestID, cause,
		map[string]interface{}{
			"transaction_id":  result.TransactionID,
			"idempotency_key": idempotencyKey,
			"amount":          result.SettledAmount.StringFixed(2),
			"restaurant_id":   cart.restaurantID,
		})

	alert := models.ReconciliationAlertMessage{
		TransactionID:  result.TransactionID,
		IdempotencyKey: idempotencyKey,
		CustomerEmail:  req.CustomerEmail,
		RestaurantID:   cart.restaurantID,
		Amount:         result.SettledAmount.StringFixed(2),
		Reason:         cause.Error(),
		OccurredAt:     time.Now().UTC(),
	}
	if pubErr := s.pub.PublishReconciliationAlert(ctx, alert); pubErr != nil {
		s.logger.Error("reconciliation_alert_publish_failed",
			"Failed to enqueue reconciliation alert", requestID, pubErr,
			map[string]interface{}{"transaction_id": result.TransactionID})
	}

	// Keep the claim: retrying this key must not charge again
	if recErr := s.attempts.Record(ctx, idempotencyKey, idempotency.Outcome{
		Status:        "charged_unrecorded",
		TransactionID: result.TransactionID,
	}); recErr != nil {
		s.logger.Error("attempt_record_failed", "Failed to record attempt outcome", requestID, recErr, nil)
	}

	return &PersistenceError{TransactionID: result.TransactionID, Err: cause}
}

// dispatchNotification publishes the paid-order snapshot. Failures are
// logged only: mail delivery is not part of the payment contract.
func (s *Service) dispatchNotification(ctx context.Context, order *models.Order, requestID string) {
	restaurant, err := s.catalog.Restaurant(ctx, order.RestaurantID)
	if err != nil {
		s.logger.Error("notification_failed",
			"Failed to resolve restaurant for notification", requestID, err,
			map[string]interface{}{"order_number": order.Number, "restaurant_id": order.RestaurantID})
		return
	}

	msg := models.NewOrderPaidMessage(order, restaurant)
	if err := s.pub.PublishOrderPaid(ctx, msg); err != nil {
		s.logger.Error("notification_failed",
			"Failed to publish order notification", requestID, err,
			map[string]interface{}{"order_number": order.Number})
	}
}

// releaseAttempt frees an idempotency claim after an attempt that
// definitely moved no money
func (s *Service) releaseAttempt(ctx context.Context, key, requestID string) {
	if err := s.attempts.Release(ctx, key); err != nil {
		s.logger.Error("attempt_release_failed", "Failed to release attempt claim", requestID, err, nil)
	}
}

func (s *Service) logState(state, requestID string, fields map[string]interface{}) {
	s.logger.Debug("submission_"+state, fmt.Sprintf("Submission entered state %s", state), requestID, fields)
}

// isIndeterminate reports whether err carries an indeterminate gateway
// outcome (see gateway.ProviderError)
func isIndeterminate(err error) bool {
	var provErr *gateway.ProviderError
	return errors.As(err, &provErr) && provErr.Indeterminate
}
