package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to OrderStatus
		allowed  bool
	}{
		{OrderStatusDraft, OrderStatusAwaitingReview, true},
		{OrderStatusDraft, OrderStatusCancelled, true},
		{OrderStatusDraft, OrderStatusVerified, false},
		{OrderStatusDataError, OrderStatusVerified, false},
		{OrderStatusAwaitingReview, OrderStatusVerified, true},
		{OrderStatusAwaitingReview, OrderStatusRejected, true},
		{OrderStatusAwaitingReview, OrderStatusDraft, false},
		{OrderStatusVerified, OrderStatusPreparing, true},
		{OrderStatusVerified, OrderStatusDraft, false},
		{OrderStatusRejected, OrderStatusDraft, true},
		{OrderStatusDataError, OrderStatusDraft, true},
		{OrderStatusDataError, OrderStatusAwaitingReview, true},
		{OrderStatusPreparing, OrderStatusPacked, true},
		{OrderStatusPacked, OrderStatusShipped, true},
		{OrderStatusPacked, OrderStatusPreparing, false},
		{OrderStatusShipped, OrderStatusCancelled, false},
		{OrderStatusShipped, OrderStatusDraft, false},
		{OrderStatusCancelled, OrderStatusDraft, false},
		{OrderStatusCancelled, OrderStatusVerified, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Fatalf("CanTransition(%s, %s) = %v, expected %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusShipped, OrderStatusCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("%s must be terminal", s)
		}
		if len(statusTransitions[s]) != 0 {
			t.Fatalf("terminal status %s must have no outgoing transitions, got %v", s, statusTransitions[s])
		}
	}
	for _, s := range []OrderStatus{OrderStatusDraft, OrderStatusAwaitingReview, OrderStatusVerified, OrderStatusRejected, OrderStatusDataError} {
		if s.IsTerminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestAllowsEvidenceSubmission(t *testing.T) {
	cases := map[OrderStatus]bool{
		OrderStatusDraft:          true,
		OrderStatusDataError:      true,
		OrderStatusAwaitingReview: false,
		OrderStatusVerified:       false,
		OrderStatusRejected:       false,
		OrderStatusShipped:        false,
		OrderStatusCancelled:      false,
	}
	for status, expected := range cases {
		if got := status.AllowsEvidenceSubmission(); got != expected {
			t.Fatalf("AllowsEvidenceSubmission(%s) = %v, expected %v", status, got, expected)
		}
	}
}

func TestRefundReason_DerivedFromKind(t *testing.T) {
	amount := decimal.RequireFromString("150.25")
	if got := refundReason(RefundKindShortfall, amount); got != "Transferred amount short by 150.25" {
		t.Fatalf("shortfall reason: %q", got)
	}
	if got := refundReason(RefundKindOverage, amount); got != "Transferred amount over by 150.25" {
		t.Fatalf("overage reason: %q", got)
	}
}

func TestAmendmentChangesIsEmpty(t *testing.T) {
	if !(AmendmentChanges{}).IsEmpty() {
		t.Fatal("zero value must be empty")
	}
	name := "New Name"
	if (AmendmentChanges{CustomerName: &name}).IsEmpty() {
		t.Fatal("scalar change must not be empty")
	}
	if (AmendmentChanges{Items: []NewOrderItem{{}}}).IsEmpty() {
		t.Fatal("item change must not be empty")
	}
}

func TestPendingKeyForOrder(t *testing.T) {
	if pendingKeyForOrder(42) != "order-42" {
		t.Fatalf("unexpected pending key %q", pendingKeyForOrder(42))
	}
	// One pending amendment per order: the key depends on the order alone,
	// so a second pending insert collides on the unique index.
	if pendingKeyForOrder(42) != pendingKeyForOrder(42) {
		t.Fatal("pending key must be stable")
	}
}
