// Package slipverify calls the external slip verification service that reads
// a transfer amount and timestamp off a bank slip image.
package slipverify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Result is what the verifier read off the slip image.
type Result struct {
	Amount        decimal.Decimal `json:"amount"`
	TransferredAt time.Time       `json:"transferred_at"`
	BankReference string          `json:"bank_reference"`
}

type ErrorKind string

const (
	// ErrorKindTransient covers network failures and 5xx responses; the
	// whole submission should be rolled back and retried later.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent covers 4xx responses: the image is unreadable or
	// not a slip. The evidence is recorded as failed, never retried.
	ErrorKindPermanent ErrorKind = "permanent"
)

type VerifyError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("slip verify failed (%s, status=%d): %s", e.Kind, e.StatusCode, e.Message)
}

func IsTransient(err error) bool {
	if ve, ok := err.(*VerifyError); ok {
		return ve.Kind == ErrorKindTransient
	}
	// Errors we cannot classify (network, timeout) are treated as transient
	// so no evidence gets marked failed on infrastructure trouble.
	return true
}

// Verifier is the interface the reconciliation workflow depends on; tests
// substitute a fake.
type Verifier interface {
	Verify(ctx context.Context, objectKey string) (*Result, error)
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	sleep      func(time.Duration)
}

func NewClient() *Client {
	baseURL := os.Getenv("SLIP_VERIFY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8099"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     os.Getenv("SLIP_VERIFY_API_KEY"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 2,
		baseDelay:  time.Second,
		sleep:      time.Sleep,
	}
}

type verifyRequest struct {
	ObjectKey string `json:"object_key"`
}

type verifyResponse struct {
	Amount        string    `json:"amount"`
	TransferredAt time.Time `json:"transferred_at"`
	BankReference string    `json:"bank_reference"`
	Message       string    `json:"message"`
}

// Verify posts the object key and retries transient failures with doubling
// backoff. Permanent failures return immediately.
func (c *Client) Verify(ctx context.Context, objectKey string) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(c.baseDelay << (attempt - 1))
		}
		result, err := c.verifyOnce(ctx, objectKey)
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) verifyOnce(ctx context.Context, objectKey string) (*Result, error) {
	body, err := json.Marshal(verifyRequest{ObjectKey: objectKey})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &VerifyError{Kind: ErrorKindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	var parsed verifyResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if decodeErr != nil {
			return nil, &VerifyError{Kind: ErrorKindTransient, StatusCode: resp.StatusCode, Message: decodeErr.Error()}
		}
		amount, err := decimal.NewFromString(parsed.Amount)
		if err != nil {
			return nil, &VerifyError{Kind: ErrorKindPermanent, StatusCode: resp.StatusCode, Message: fmt.Sprintf("unparseable amount %q", parsed.Amount)}
		}
		return &Result{
			Amount:        amount,
			TransferredAt: parsed.TransferredAt,
			BankReference: parsed.BankReference,
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &VerifyError{Kind: ErrorKindPermanent, StatusCode: resp.StatusCode, Message: parsed.Message}
	default:
		return nil, &VerifyError{Kind: ErrorKindTransient, StatusCode: resp.StatusCode, Message: parsed.Message}
	}
}
