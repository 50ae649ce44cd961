package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/shopspring/decimal"
	"restaurant-payments/internal/config"
	"restaurant-payments/internal/logger"
	"restaurant-payments/internal/models"
)

// ProviderError reports a gateway-level failure: the provider was
// unreachable, rejected the request, or timed out. Indeterminate means the
// outcome of the call is unknown (the sale may or may not have gone
// through) and the charge must not be blindly retried.
type ProviderError struct {
	Code          string
	Message       string
	Indeterminate bool
}

func (e *ProviderError) Error() string {
	if e.Indeterminate {
		return fmt.Sprintf("gateway result indeterminate: %s", e.Message)
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// Client talks to the third-party payment provider over HTTPS. It is
// constructed from config and injected wherever charging is needed.
type Client struct {
	baseURL    string
	merchantID string
	publicKey  string
	privateKey string
	httpClient *http.Client
	logger     *logger.Logger
}

// New creates a gateway client from configuration. The HTTP client carries
// the bounded charge timeout from config.
func New(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		baseURL:    cfg.Gateway.BaseURL,
		merchantID: cfg.Gateway.MerchantID,
		publicKey:  cfg.Gateway.PublicKey,
		privateKey: cfg.Gateway.PrivateKey,
		httpClient: &http.Client{Timeout: cfg.GatewayTimeout()},
		logger:     log,
	}
}

type clientTokenResponse struct {
	Token string `json:"token"`
}

type saleRequest struct {
	Amount             string      `json:"amount"`
	PaymentMethodNonce string      `json:"payment_method_nonce"`
	Options            saleOptions `json:"options"`
}

type saleOptions struct {
	SubmitForSettlement bool `json:"submit_for_settlement"`
}

type saleResponse struct {
	Transaction struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Amount string `json:"amount"`
	} `json:"transaction"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateToken obtains an ephemeral client token for the payment widget
func (c *Client) GenerateToken(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/merchants/%s/client-tokens", c.baseURL, c.merchantID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.publicKey, c.privateKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ProviderError{Code: "provider_unavailable", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", &ProviderError{
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: "client token request rejected",
		}
	}

	var tokenResp clientTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", &ProviderError{Code: "bad_response", Message: err.Error()}
	}

	return tokenResp.Token, nil
}

// Charge submits a sale with immediate settlement for the given amount.
// The amount must be the server-computed total, never a client figure.
//
// Declines come back as a PaymentResult with Success=false and a nil
// error: they are an expected result variant, not control-flow failure.
// Transport errors return *ProviderError; timeouts return it with
// Indeterminate set, because the provider may have settled the sale.
func (c *Client) Charge(ctx context.Context, amount decimal.Decimal, nonce string) (models.PaymentResult, error) {
	url := fmt.Sprintf("%s/merchants/%s/transactions", c.baseURL, c.merchantID)

	body, err := json.Marshal(saleRequest{
		Amount:             amount.StringFixed(2),
		PaymentMethodNonce: nonce,
		Options:            saleOptions{SubmitForSettlement: true},
	})
	if err != nil {
		return models.PaymentResult{}, fmt.Errorf("failed to marshal sale request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return models.PaymentResult{}, fmt.Errorf("failed to build sale request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.publicKey, c.privateKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			// The sale may have settled on the provider side. Report
			// indeterminate so the caller checks transaction status
			// instead of resubmitting.
			return models.PaymentResult{}, &ProviderError{
				Code:          "timeout",
				Message:       "charge timed out before a result was received",
				Indeterminate: true,
			}
		}
		return models.PaymentResult{}, &ProviderError{Code: "provider_unavailable", Message: err.Error()}
	}
	defer resp.Body.Close()

	var saleResp saleResponse
	if err := json.NewDecoder(resp.Body).Decode(&saleResp); err != nil {
		return models.PaymentResult{}, &ProviderError{Code: "bad_response", Message: err.Error()}
	}

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		settled, err := decimal.NewFromString(saleResp.Transaction.Amount)
		if err != nil {
			return models.PaymentResult{}, &ProviderError{Code: "bad_response", Message: "unparseable settled amount"}
		}
		return models.PaymentResult{
			TransactionID: saleResp.Transaction.ID,
			Success:       true,
			SettledAmount: settled,
		}, nil
	case http.StatusUnprocessableEntity, http.StatusPaymentRequired:
		// Processor decline: valid request, no money moved
		return models.PaymentResult{
			Success:        false,
			FailureCode:    saleResp.Error.Code,
			FailureMessage: saleResp.Error.Message,
		}, nil
	default:
		return models.PaymentResult{}, &ProviderError{
			Code:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: saleResp.Error.Message,
		}
	}
}

// isTimeout reports whether err is a deadline or network timeout
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
