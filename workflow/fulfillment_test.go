package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestFulfillmentClient(baseURL string) *FulfillmentClient {
	return &FulfillmentClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestCancelOrder_SendsIdempotencyKey(t *testing.T) {
	var gotKey, gotPath string
	var gotBody fulfillmentCancelRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestFulfillmentClient(srv.URL)
	if err := c.CancelOrder(context.Background(), "biz-1", 42, "AMD-SH2405-0001-1714500000"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if gotPath != "/v1/orders/42/cancel" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotKey != "AMD-SH2405-0001-1714500000" {
		t.Fatalf("expected amendment number as idempotency key, got %q", gotKey)
	}
	if gotBody.BusinessId != "biz-1" {
		t.Fatalf("expected business_id in body, got %+v", gotBody)
	}
}

func TestCancelOrder_ConflictMeansAlreadyCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := newTestFulfillmentClient(srv.URL)
	if err := c.CancelOrder(context.Background(), "biz-1", 42, "AMD-X"); err != nil {
		t.Fatalf("409 must count as success for a retried execution, got %v", err)
	}
}

func TestCancelOrder_FailureReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestFulfillmentClient(srv.URL)
	if err := c.CancelOrder(context.Background(), "biz-1", 42, "AMD-X"); err == nil {
		t.Fatal("expected error on 500")
	}
}
