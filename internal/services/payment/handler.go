package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"restaurant-payments/internal/auth"
	"restaurant-payments/internal/gateway"
	"restaurant-payments/internal/logger"
	"restaurant-payments/internal/models"
)

// PaymentProcessor runs payment submissions and reads back orders
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, req *models.PaymentRequest, idempotencyKey, requestID string) (*models.PaymentResponse, error)
	Order(ctx context.Context, number string) (*models.Order, error)
}

// TokenSource obtains client tokens for the payment widget
type TokenSource interface {
	GenerateToken(ctx context.Context) (string, error)
}

// SessionResolver resolves bearer tokens to users
type SessionResolver interface {
	CurrentUser(ctx context.Context, token string) (*auth.User, error)
}

// Pinger checks a dependency's liveness
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests for the payment service
type Handler struct {
	service  PaymentProcessor
	tokens   TokenSource
	sessions SessionResolver
	db       Pinger
	logger   *logger.Logger
	sem      chan struct{}
}

// NewHandler creates a new payment handler. maxConcurrent bounds the
// number of in-flight payment submissions.
func NewHandler(service PaymentProcessor, tokens TokenSource, sessions SessionResolver, db Pinger, log *logger.Logger, maxConcurrent int) *Handler {
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	return &Handler{
		service:  service,
		tokens:   tokens,
		sessions: sessions,
		db:       db,
		logger:   log,
		sem:      make(chan struct{}, maxConcurrent),
	}
}

// SetupRoutes sets up the HTTP routes
func (h *Handler) SetupRoutes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(h.withLogging)
	r.Use(middleware.Recoverer)

	r.Post("/payment", h.ProcessPayment)
	r.Get("/token", h.Token)
	r.Get("/orders/{number}", h.GetOrder)
	r.Get("/health", h.HealthCheck)

	return r
}

// ProcessPayment handles POST /payment requests
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		h.writeError(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "too many concurrent payment requests",
		}, requestID)
		return
	}

	var req models.PaymentRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, map[string]interface{}{
			"error": "invalid JSON body",
		}, requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	resp, err := h.service.ProcessPayment(ctx, &req, r.Header.Get("Idempotency-Key"), requestID)
	if err != nil {
		h.writePaymentError(w, err, requestID)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Token handles GET /token requests. A session is required so the token
// endpoint cannot be farmed anonymously.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	user, err := h.sessions.CurrentUser(r.Context(), bearerToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrNoSession) {
			h.writeError(w, http.StatusUnauthorized, map[string]interface{}{
				"error": "authentication required",
			}, requestID)
			return
		}
		h.logger.Error("session_lookup_failed", "Failed to resolve session", requestID, err, nil)
		h.writeError(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "internal server error",
		}, requestID)
		return
	}

	token, err := h.tokens.GenerateToken(r.Context())
	if err != nil {
		h.logger.Error("token_generation_failed", "Failed to generate client token", requestID, err,
			map[string]interface{}{"user_id": user.ID})
		h.writeError(w, http.StatusBadGateway, map[string]interface{}{
			"error": "payment provider unavailable",
		}, requestID)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// GetOrder handles GET /orders/{number} requests
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())
	number := chi.URLParam(r, "number")

	order, err := h.service.Order(r.Context(), number)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, map[string]interface{}{
				"error": "order not found",
			}, requestID)
			return
		}
		h.logger.Error("order_lookup_failed", "Failed to load order", requestID, err,
			map[string]interface{}{"order_number": number})
		h.writeError(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "internal server error",
		}, requestID)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

// HealthCheck handles GET /health requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := h.db.Ping(ctx) == nil

	response := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "payment-service",
		"healthy":   healthy,
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		response["status"] = "unhealthy"
	}
	h.writeJSON(w, status, response)
}

// writePaymentError maps reconciler errors to HTTP responses
func (h *Handler) writePaymentError(w http.ResponseWriter, err error, requestID string) {
	var (
		vErr    *ValidationError
		dErr    *DeclinedError
		dupErr  *DuplicateError
		pErr    *PersistenceError
		provErr *gateway.ProviderError
	)

	switch {
	case errors.As(err, &vErr):
		h.writeError(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": vErr.Message,
			"field": vErr.Field,
		}, requestID)

	case errors.As(err, &dErr):
		h.writeError(w, http.StatusPaymentRequired, map[string]interface{}{
			"error": dErr.Message,
			"code":  dErr.Code,
		}, requestID)

	case errors.As(err, &dupErr):
		h.writeDuplicate(w, dupErr, requestID)

	case errors.As(err, &pErr):
		h.writeError(w, http.StatusBadGateway, map[string]interface{}{
			"error":          "payment settled but the order could not be recorded; contact support with the transaction id",
			"transaction_id": pErr.TransactionID,
		}, requestID)

	case errors.As(err, &provErr) && provErr.Indeterminate:
		h.writeError(w, http.StatusBadGateway, map[string]interface{}{
			"error":         "payment result unknown; check the transaction status before resubmitting",
			"indeterminate": true,
		}, requestID)

	case errors.As(err, &provErr):
		h.writeError(w, http.StatusBadGateway, map[string]interface{}{
			"error": "payment provider unavailable",
		}, requestID)

	default:
		h.logger.Error("payment_failed", "Unexpected payment processing error", requestID, err, nil)
		h.writeError(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "internal server error",
		}, requestID)
	}
}

// writeDuplicate answers a replayed idempotency key from the recorded
// outcome of the first attempt
func (h *Handler) writeDuplicate(w http.ResponseWriter, dupErr *DuplicateError, requestID string) {
	outcome := dupErr.Outcome
	switch {
	case outcome == nil:
		h.writeError(w, http.StatusConflict, map[string]interface{}{
			"error": "a payment with this idempotency key is already in progress",
		}, requestID)
	case outcome.Status == string(models.StatusPaid):
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":        "Payment successful",
			"order_number":   outcome.OrderNumber,
			"transaction_id": outcome.TransactionID,
			"replayed":       true,
		})
	default:
		h.writeError(w, http.StatusBadGateway, map[string]interface{}{
			"error":          "an earlier attempt with this key settled but was not recorded; contact support",
			"transaction_id": outcome.TransactionID,
		}, requestID)
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response_encoding_failed", "Failed to encode response", "", err, nil)
	}
}

// writeError writes an error response in JSON format
func (h *Handler) writeError(w http.ResponseWriter, status int, body map[string]interface{}, requestID string) {
	body["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	body["request_id"] = requestID
	h.writeJSON(w, status, body)
}

// bearerToken extracts the session token from the Authorization header
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// withLogging adds request logging middleware
func (h *Handler) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		h.logger.Debug("request_started",
			fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			requestID,
			map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			})

		rw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)

		h.logger.Debug("request_completed",
			fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, rw.Status()),
			requestID,
			map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": rw.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
	})
}
