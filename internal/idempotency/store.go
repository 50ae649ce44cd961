package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrDuplicateAttempt is returned when an idempotency key has already been
// claimed by an in-flight submission.
var ErrDuplicateAttempt = errors.New("duplicate payment attempt")

const (
	keyTTL = 24 * time.Hour

	statusPending = "pending"
)

// Outcome is the recorded result of a finished payment attempt. A replayed
// request with the same idempotency key gets this back instead of a second
// gateway charge.
type Outcome struct {
	Status        string `json:"status"`
	OrderNumber   string `json:"order_number,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Store tracks payment attempts by idempotency key in Redis
type Store struct {
	client      *redis.Client
	serviceName string
}

// NewStore creates an idempotency store on the given Redis address
func NewStore(addr, serviceName string) *Store {
	return &Store{
		client:      redis.NewClient(&redis.Options{Addr: addr}),
		serviceName: serviceName,
	}
}

func (s *Store) key(idempotencyKey string) string {
	return fmt.Sprintf("%s:attempt:%s", s.serviceName, idempotencyKey)
}

// Claim registers the key before the gateway is called. If the key is
// already present the attempt is a duplicate: the previously recorded
// outcome is returned alongside ErrDuplicateAttempt (nil outcome while the
// first attempt is still in flight).
func (s *Store) Claim(ctx context.Context, idempotencyKey string) (*Outcome, error) {
	pending, err := json.Marshal(Outcome{Status: statusPending})
	if err != nil {
		return nil, err
	}

	ok, err := s.client.SetNX(ctx, s.key(idempotencyKey), pending, keyTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.key(idempotencyKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Claimed entry expired between SetNX and Get
			return nil, ErrDuplicateAttempt
		}
		return nil, fmt.Errorf("failed to read recorded attempt: %w", err)
	}

	var outcome Outcome
	if err := json.Unmarshal([]byte(raw), &outcome); err != nil {
		return nil, fmt.Errorf("failed to decode recorded attempt: %w", err)
	}
	if outcome.Status == statusPending {
		return nil, ErrDuplicateAttempt
	}
	return &outcome, ErrDuplicateAttempt
}

// Record stores the final outcome for the key so later retries can be
// answered without touching the gateway.
func (s *Store) Record(ctx context.Context, idempotencyKey string, outcome Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(idempotencyKey), raw, keyTTL).Err()
}

// Release frees a claimed key after an attempt that moved no money, so the
// client may legitimately retry with the same key.
func (s *Store) Release(ctx context.Context, idempotencyKey string) error {
	return s.client.Del(ctx, s.key(idempotencyKey)).Err()
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client
func (s *Store) Close() error {
	return s.client.Close()
}
