package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// FulfillmentCanceller cancels downstream fulfillment records for an order.
// The real call carries the amendment number as an idempotency key so a
// retried execution never produces a second cancellation side effect.
type FulfillmentCanceller interface {
	CancelOrder(ctx context.Context, businessId string, orderId int, amendmentNo string) error
}

// Fulfillment is set at startup; tests substitute a fake.
var Fulfillment FulfillmentCanceller

type FulfillmentClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewFulfillmentClient() *FulfillmentClient {
	baseURL := os.Getenv("FULFILLMENT_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8098"
	}
	return &FulfillmentClient{
		baseURL:    baseURL,
		apiKey:     os.Getenv("FULFILLMENT_API_KEY"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

type fulfillmentCancelRequest struct {
	BusinessId string `json:"business_id"`
	Reason     string `json:"reason"`
}

func (c *FulfillmentClient) CancelOrder(ctx context.Context, businessId string, orderId int, amendmentNo string) error {
	body, err := json.Marshal(fulfillmentCancelRequest{BusinessId: businessId, Reason: amendmentNo})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/orders/%d/cancel", c.baseURL, orderId)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", amendmentNo)
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Already cancelled downstream; the idempotency key matched.
		return nil
	default:
		return fmt.Errorf("fulfillment cancel failed for order %d: status %d", orderId, resp.StatusCode)
	}
}
