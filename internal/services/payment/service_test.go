package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"restaurant-payments/internal/gateway"
	"restaurant-payments/internal/idempotency"
	"restaurant-payments/internal/logger"
	"restaurant-payments/internal/models"
)

type fakeCharger struct {
	mu      sync.Mutex
	calls   int
	amounts []decimal.Decimal

	result models.PaymentResult
	err    error
}

func (f *fakeCharger) Charge(ctx context.Context, amount decimal.Decimal, nonce string) (models.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.amounts = append(f.amounts, amount)
	if f.err != nil {
		return models.PaymentResult{}, f.err
	}
	result := f.result
	if result.Success && result.SettledAmount.IsZero() {
		result.SettledAmount = amount
	}
	return result, nil
}

type fakeCatalog struct {
	mu         sync.Mutex
	dishes     map[int]models.Dish
	restaurant *models.Restaurant
}

func (f *fakeCatalog) DishesByIDs(ctx context.Context, ids []int) (map[int]models.Dish, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := make(map[int]models.Dish)
	for _, id := range ids {
		if dish, ok := f.dishes[id]; ok {
			found[id] = dish
		}
	}
	return found, nil
}

func (f *fakeCatalog) Restaurant(ctx context.Context, id int) (*models.Restaurant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restaurant == nil {
		return nil, errors.New("restaurant not found")
	}
	return f.restaurant, nil
}

type fakeOrders struct {
	mu        sync.Mutex
	inserted  []*models.Order
	seqs      []int
	insertErr error
}

// NextOrderSequence pops a queued stale value if one is set, otherwise
// behaves like MAX+1 over the committed rows
func (f *fakeOrders) NextOrderSequence(ctx context.Context, date time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seqs) > 0 {
		seq := f.seqs[0]
		f.seqs = f.seqs[1:]
		return seq, nil
	}
	return len(f.inserted) + 1, nil
}

func (f *fakeOrders) InsertOrderWithLines(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, existing := range f.inserted {
		if existing.Number == order.Number {
			return ErrOrderNumberTaken
		}
	}
	f.inserted = append(f.inserted, order)
	return nil
}

func (f *fakeOrders) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.inserted {
		if order.Number == number {
			return order, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (f *fakeOrders) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

type fakeAttempts struct {
	mu       sync.Mutex
	claimed  map[string]*idempotency.Outcome
	released []string
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{claimed: make(map[string]*idempotency.Outcome)}
}

func (f *fakeAttempts) Claim(ctx context.Context, key string) (*idempotency.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if outcome, ok := f.claimed[key]; ok {
		return outcome, idempotency.ErrDuplicateAttempt
	}
	f.claimed[key] = nil
	return nil, nil
}

func (f *fakeAttempts) Record(ctx context.Context, key string, outcome idempotency.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed[key] = &outcome
	return nil
}

func (f *fakeAttempts) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, key)
	f.released = append(f.released, key)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	paid    []interface{}
	alerts  []interface{}
	paidErr error
}

func (f *fakePublisher) PublishOrderPaid(ctx context.Context, msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paidErr != nil {
		return f.paidErr
	}
	f.paid = append(f.paid, msg)
	return nil
}

func (f *fakePublisher) PublishReconciliationAlert(ctx context.Context, msg interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, msg)
	return nil
}

func (f *fakePublisher) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func (f *fakePublisher) paidCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paid)
}

func (f *fakePublisher) firstPaid() interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.paid) == 0 {
		return nil
	}
	return f.paid[0]
}

type serviceFixture struct {
	gateway  *fakeCharger
	catalog  *fakeCatalog
	orders   *fakeOrders
	attempts *fakeAttempts
	pub      *fakePublisher
	service  *Service
}

func newFixture() *serviceFixture {
	f := &serviceFixture{
		gateway: &fakeCharger{result: models.PaymentResult{TransactionID: "txn_1", Success: true}},
		catalog: &fakeCatalog{
			dishes: map[int]models.Dish{
				5: {ID: 5, Name: "Margherita", Price: decimal.RequireFromString("10.00"), RestaurantID: 3},
				6: {ID: 6, Name: "Diavola", Price: decimal.RequireFromString("12.50"), RestaurantID: 3},
				9: {ID: 9, Name: "Ramen", Price: decimal.RequireFromString("11.00"), RestaurantID: 7},
			},
			restaurant: &models.Restaurant{ID: 3, Name: "Da Luigi", OwnerEmail: "luigi@example.com"},
		},
		orders:   &fakeOrders{},
		attempts: newFakeAttempts(),
		pub:      &fakePublisher{},
	}
	f.service = NewService(f.gateway, f.catalog, f.orders, f.attempts, f.pub, logger.New("payment-test"))
	return f
}

func TestProcessPayment_Success(t *testing.T) {
	f := newFixture()

	resp, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1")
	if err != nil {
		t.Fatalf("ProcessPayment returned error: %v", err)
	}

	// The charged amount is the server-computed total, exactly
	if f.gateway.calls != 1 {
		t.Fatalf("gateway calls = %d, want 1", f.gateway.calls)
	}
	if !f.gateway.amounts[0].Equal(decimal.RequireFromString("20.00")) {
		t.Errorf("charged amount = %s, want 20.00", f.gateway.amounts[0])
	}

	if f.orders.count() != 1 {
		t.Fatalf("orders persisted = %d, want 1", f.orders.count())
	}
	order := f.orders.inserted[0]
	if !order.TotalPrice.Equal(decimal.RequireFromString("20.00")) {
		t.Errorf("order total = %s, want 20.00", order.TotalPrice)
	}
	if order.Status != models.StatusPaid {
		t.Errorf("order status = %s, want paid", order.Status)
	}
	if len(order.Lines) != 1 || order.Lines[0].DishID != 5 || order.Lines[0].Quantity != 2 {
		t.Errorf("order lines = %+v, want one line for dish 5 qty 2", order.Lines)
	}

	if resp.TransactionID != "txn_1" {
		t.Errorf("response transaction = %q, want txn_1", resp.TransactionID)
	}
	if resp.RestaurantID != 3 {
		t.Errorf("response restaurant = %d, want 3", resp.RestaurantID)
	}
	if resp.TotalPrice != "20.00" {
		t.Errorf("response total = %q, want 20.00", resp.TotalPrice)
	}
}

func TestProcessPayment_TotalIsDecimalExact(t *testing.T) {
	f := newFixture()
	f.catalog.dishes[5] = models.Dish{ID: 5, Name: "Margherita", Price: decimal.RequireFromString("19.99"), RestaurantID: 3}

	req := validRequest()
	req.Lines = []models.CartLine{{DishID: 5, Quantity: 3}}
	req.TotalPrice = "59.97"

	_, err := f.service.ProcessPayment(context.Background(), req, "key-1", "req-1")
	if err != nil {
		t.Fatalf("ProcessPayment returned error: %v", err)
	}
	if !f.gateway.amounts[0].Equal(decimal.RequireFromString("59.97")) {
		t.Errorf("charged amount = %s, want exactly 59.97", f.gateway.amounts[0])
	}
}

func TestProcessPayment_Declined(t *testing.T) {
	f := newFixture()
	f.gateway.result = models.PaymentResult{Success: false, FailureCode: "2001", FailureMessage: "Insufficient Funds"}

	req := validRequest()
	req.PaymentNonce = "declined-nonce"

	_, err := f.service.ProcessPayment(context.Background(), req, "key-1", "req-1")

	var dErr *DeclinedError
	if !errors.As(err, &dErr) {
		t.Fatalf("expected *DeclinedError, got %T: %v", err, err)
	}
	if dErr.Message != "Insufficient Funds" {
		t.Errorf("decline message = %q, want the gateway reason verbatim", dErr.Message)
	}
	if f.orders.count() != 0 {
		t.Errorf("orders persisted = %d, want 0 after decline", f.orders.count())
	}
	// No money moved, so the key is free for a retry
	if len(f.attempts.released) != 1 {
		t.Errorf("released keys = %v, want the claim released", f.attempts.released)
	}
}

func TestProcessPayment_IndeterminateTimeout(t *testing.T) {
	f := newFixture()
	f.gateway.err = &gateway.ProviderError{Code: "timeout", Message: "charge timed out", Indeterminate: true}

	_, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1")

	var provErr *gateway.ProviderError
	if !errors.As(err, &provErr) || !provErr.Indeterminate {
		t.Fatalf("expected indeterminate *ProviderError, got %T: %v", err, err)
	}
	if f.orders.count() != 0 {
		t.Errorf("orders persisted = %d, want 0 on indeterminate result", f.orders.count())
	}
	// The charge may have settled: the claim must survive so a blind
	// resubmit with the same key cannot charge twice
	if len(f.attempts.released) != 0 {
		t.Errorf("claim was released after an indeterminate result")
	}
}

func TestProcessPayment_MixedRestaurantsRejectedBeforeCharge(t *testing.T) {
	f := newFixture()

	req := validRequest()
	req.Lines = []models.CartLine{
		{DishID: 5, Quantity: 1},
		{DishID: 9, Quantity: 1},
	}
	req.TotalPrice = "21.00"

	_, err := f.service.ProcessPayment(context.Background(), req, "key-1", "req-1")

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if f.gateway.calls != 0 {
		t.Errorf("gateway calls = %d, want 0 for a mixed-restaurant cart", f.gateway.calls)
	}
	if f.orders.count() != 0 {
		t.Errorf("orders persisted = %d, want 0", f.orders.count())
	}
}

func TestProcessPayment_UnknownDishRejected(t *testing.T) {
	f := newFixture()

	req := validRequest()
	req.Lines = []models.CartLine{{DishID: 404, Quantity: 1}}

	_, err := f.service.ProcessPayment(context.Background(), req, "key-1", "req-1")

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if f.gateway.calls != 0 {
		t.Errorf("gateway calls = %d, want 0 for an unknown dish", f.gateway.calls)
	}
}

func TestProcessPayment_ClientTotalMismatchRejected(t *testing.T) {
	f := newFixture()

	req := validRequest()
	req.TotalPrice = "0.01"

	_, err := f.service.ProcessPayment(context.Background(), req, "key-1", "req-1")

	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if vErr.Field != "total_price" {
		t.Errorf("error field = %q, want total_price", vErr.Field)
	}
	if f.gateway.calls != 0 {
		t.Errorf("gateway calls = %d, want 0: the client figure is never charged", f.gateway.calls)
	}
}

func TestProcessPayment_DuplicateKey(t *testing.T) {
	f := newFixture()

	if _, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1"); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}

	_, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-2")

	var dupErr *DuplicateError
	if !errors.As(err, &dupErr) {
		t.Fatalf("expected *DuplicateError, got %T: %v", err, err)
	}
	if dupErr.Outcome == nil || dupErr.Outcome.Status != string(models.StatusPaid) {
		t.Errorf("duplicate outcome = %+v, want recorded paid outcome", dupErr.Outcome)
	}
	if f.gateway.calls != 1 {
		t.Errorf("gateway calls = %d, want 1: the replay must not charge again", f.gateway.calls)
	}
	if f.orders.count() != 1 {
		t.Errorf("orders persisted = %d, want 1", f.orders.count())
	}
}

func TestProcessPayment_OrderNumberCollisionGetsFreshNumber(t *testing.T) {
	f := newFixture()
	today := time.Now().UTC()
	// A concurrent submission already committed today's number 1, but the
	// sequence read is stale and hands it out again
	f.orders.inserted = append(f.orders.inserted, &models.Order{Number: models.GenerateOrderNumber(today, 1)})
	f.orders.seqs = []int{1, 2}

	resp, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1")
	if err != nil {
		t.Fatalf("ProcessPayment returned error: %v", err)
	}
	if resp.OrderNumber != models.GenerateOrderNumber(today, 2) {
		t.Errorf("order number = %q, want the reallocated %q", resp.OrderNumber, models.GenerateOrderNumber(today, 2))
	}
	if f.gateway.calls != 1 {
		t.Errorf("gateway calls = %d, want 1: reallocation must not charge again", f.gateway.calls)
	}
	if f.pub.alertCount() != 0 {
		t.Errorf("reconciliation alerts = %d, want 0 for a routine number collision", f.pub.alertCount())
	}
}

func TestProcessPayment_ConcurrentSubmissionsBothRecorded(t *testing.T) {
	f := newFixture()
	// Both submissions read the sequence before either inserts
	f.orders.seqs = []int{1, 1}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.ProcessPayment(context.Background(), validRequest(),
				fmt.Sprintf("key-%d", i), fmt.Sprintf("req-%d", i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submission %d failed: %v", i, err)
		}
	}
	if f.orders.count() != 2 {
		t.Errorf("orders persisted = %d, want 2", f.orders.count())
	}
	if f.pub.alertCount() != 0 {
		t.Errorf("reconciliation alerts = %d, want 0: both charges must be recorded", f.pub.alertCount())
	}
}

func TestProcessPayment_NumberRetriesExhaustedRaisesAlert(t *testing.T) {
	f := newFixture()
	today := time.Now().UTC()
	f.orders.inserted = append(f.orders.inserted, &models.Order{Number: models.GenerateOrderNumber(today, 1)})
	// Every allocation hands out the taken number
	f.orders.seqs = []int{1, 1, 1, 1}

	_, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1")

	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected *PersistenceError after retries ran out, got %T: %v", err, err)
	}
	if f.pub.alertCount() != 1 {
		t.Errorf("reconciliation alerts = %d, want 1", f.pub.alertCount())
	}
}

func TestProcessPayment_PersistFailureAfterCharge(t *testing.T) {
	f := newFixture()
	f.orders.insertErr = errors.New("connection reset")

	_, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1")

	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected *PersistenceError, got %T: %v", err, err)
	}
	if pErr.TransactionID != "txn_1" {
		t.Errorf("alert transaction = %q, want txn_1", pErr.TransactionID)
	}
	if f.pub.alertCount() != 1 {
		t.Errorf("reconciliation alerts published = %d, want 1", f.pub.alertCount())
	}
	// The claim stays: a retry of this key must not charge again
	outcome := f.attempts.claimed["key-1"]
	if outcome == nil || outcome.Status != "charged_unrecorded" {
		t.Errorf("recorded outcome = %+v, want charged_unrecorded", outcome)
	}
}

func TestProcessPayment_NotificationFailureDoesNotAffectResult(t *testing.T) {
	f := newFixture()
	f.pub.paidErr = errors.New("broker down")

	resp, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1")
	if err != nil {
		t.Fatalf("ProcessPayment returned error despite broker being down: %v", err)
	}
	if resp.OrderNumber == "" {
		t.Errorf("expected a committed order in the response")
	}
	if f.orders.count() != 1 {
		t.Errorf("orders persisted = %d, want 1", f.orders.count())
	}
}

func TestProcessPayment_PublishesNotificationSnapshot(t *testing.T) {
	f := newFixture()

	if _, err := f.service.ProcessPayment(context.Background(), validRequest(), "key-1", "req-1"); err != nil {
		t.Fatalf("ProcessPayment returned error: %v", err)
	}

	// Dispatch is fire-and-forget; wait briefly for the hand-off
	deadline := time.Now().Add(2 * time.Second)
	for f.pub.paidCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.pub.paidCount() != 1 {
		t.Fatalf("notifications published = %d, want 1", f.pub.paidCount())
	}

	msg, ok := f.pub.firstPaid().(*models.OrderPaidMessage)
	if !ok {
		t.Fatalf("published message has type %T", f.pub.firstPaid())
	}
	if msg.RestaurantEmail != "luigi@example.com" {
		t.Errorf("restaurant email = %q, want luigi@example.com", msg.RestaurantEmail)
	}
	if msg.TotalPrice != "20.00" {
		t.Errorf("notification total = %q, want 20.00", msg.TotalPrice)
	}
}
