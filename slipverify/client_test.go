package slipverify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(baseURL string, slept *[]time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxRetries: 2,
		baseDelay:  time.Second,
		sleep: func(d time.Duration) {
			*slept = append(*slept, d)
		},
	}
}

func TestVerify_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/verify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"amount":"500.00","transferred_at":"2024-05-01T03:15:30Z","bank_reference":"KBZ-123"}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(srv.URL, &slept)
	result, err := c.Verify(context.Background(), "biz/slips/a.jpg")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Amount.String() != "500" {
		t.Fatalf("expected amount 500, got %s", result.Amount)
	}
	if result.BankReference != "KBZ-123" {
		t.Fatalf("expected bank reference KBZ-123, got %q", result.BankReference)
	}
	if !result.TransferredAt.Equal(time.Date(2024, 5, 1, 3, 15, 30, 0, time.UTC)) {
		t.Fatalf("unexpected transferred_at %s", result.TransferredAt)
	}
	if len(slept) != 0 {
		t.Fatalf("success must not sleep, slept %v", slept)
	}
}

func TestVerify_PermanentNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"not a slip image"}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(srv.URL, &slept)
	_, err := c.Verify(context.Background(), "biz/slips/a.jpg")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("4xx must be permanent, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", calls)
	}
}

func TestVerify_TransientRetriedWithBackoff(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(srv.URL, &slept)
	_, err := c.Verify(context.Background(), "biz/slips/a.jpg")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("5xx must be transient, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got %d calls", calls)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Fatalf("expected doubling backoff [1s 2s], got %v", slept)
	}
}

func TestVerify_RecoversAfterTransient(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"amount":"120.50","transferred_at":"2024-05-01T03:15:30Z"}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(srv.URL, &slept)
	result, err := c.Verify(context.Background(), "biz/slips/a.jpg")
	if err != nil {
		t.Fatalf("Verify after recovery: %v", err)
	}
	if result.Amount.String() != "120.5" {
		t.Fatalf("expected 120.5, got %s", result.Amount)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestVerify_UnparseableAmountIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"amount":"five hundred","transferred_at":"2024-05-01T03:15:30Z"}`))
	}))
	defer srv.Close()

	var slept []time.Duration
	c := newTestClient(srv.URL, &slept)
	_, err := c.Verify(context.Background(), "biz/slips/a.jpg")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Fatalf("unparseable amount must be permanent, got %v", err)
	}
}
