package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNoSession is returned when a session token is missing or expired
var ErrNoSession = errors.New("no active session")

// User is the authenticated caller resolved from a session token
type User struct {
	ID    int    `json:"id"`
	Email string `json:"email"`
}

// SessionStore resolves bearer session tokens to users. Sessions are
// written by the (out of scope) authentication service; this side only
// reads them.
type SessionStore struct {
	client *redis.Client
}

// NewSessionStore creates a session store on the given Redis address
func NewSessionStore(addr string) *SessionStore {
	return &SessionStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// CurrentUser returns the user bound to the session token
func (s *SessionStore) CurrentUser(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrNoSession
	}

	raw, err := s.client.Get(ctx, fmt.Sprintf("session:%s", token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}

	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &user, nil
}

// Close closes the underlying Redis client
func (s *SessionStore) Close() error {
	return s.client.Close()
}
