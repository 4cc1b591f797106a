package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBytes = 1 << 20

// Client talks to the processor's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// APIError is a non-2xx answer from the processor.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway responded %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway responded %d: %s", e.StatusCode, e.Message)
}

type createIntentBody struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type createRefundBody struct {
	PaymentIntent string `json:"payment_intent"`
}

type refundResponse struct {
	ID string `json:"id"`
}

func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	body := createIntentBody{
		Amount:   MinorUnits(req.Amount),
		Currency: strings.ToLower(req.Currency),
		Metadata: req.Metadata,
	}

	var resp intentResponse
	raw, err := c.post(ctx, "/v1/payment_intents", req.IdempotencyKey, body, &resp)
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("create intent: response has no intent id")
	}

	return &Intent{ID: resp.ID, ClientSecret: resp.ClientSecret, Raw: raw}, nil
}

func (c *Client) CreateRefund(ctx context.Context, intentID, idempotencyKey string) (*Refund, error) {
	var resp refundResponse
	raw, err := c.post(ctx, "/v1/refunds", idempotencyKey, createRefundBody{PaymentIntent: intentID}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("create refund: response has no refund id")
	}

	return &Refund{ID: resp.ID, Raw: raw}, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, in, out any) (json.RawMessage, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{StatusCode: res.StatusCode, Message: http.StatusText(res.StatusCode)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return json.RawMessage(data), nil
}

// MinorUnits converts a two-decimal amount to the integer amount the
// processor expects (cents for usd).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
