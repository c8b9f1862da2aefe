package workflow

import (
	"testing"

	"bitbucket.org/mmdatafocus/orders_backend/models"
	"github.com/shopspring/decimal"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal.NewFromString(%q): %v", s, err)
	}
	return d
}

func TestReconcile_ExactCoverAdvances(t *testing.T) {
	decision := Reconcile(models.OrderStatusDraft, dec(t, "100.00"), []SlipAmount{
		{SlipId: 1, Amount: dec(t, "60.00")},
		{SlipId: 2, Amount: dec(t, "40.00")},
	})
	if decision.NextStatus != models.OrderStatusAwaitingReview {
		t.Fatalf("expected AwaitingReview, got %s", decision.NextStatus)
	}
	if decision.Shortfall != nil {
		t.Fatalf("expected no shortfall, got %s", decision.Shortfall)
	}
	if len(decision.Overages) != 0 {
		t.Fatalf("expected no overages, got %v", decision.Overages)
	}
	if !decision.Sum.Equal(dec(t, "100.00")) {
		t.Fatalf("expected sum 100.00, got %s", decision.Sum)
	}
}

func TestReconcile_ToleranceBoundary(t *testing.T) {
	// A 0.01 deficit is inside tolerance and still advances.
	decision := Reconcile(models.OrderStatusDraft, dec(t, "100.00"), []SlipAmount{
		{SlipId: 1, Amount: dec(t, "99.99")},
	})
	if decision.NextStatus != models.OrderStatusAwaitingReview {
		t.Fatalf("99.99 vs 100.00: expected AwaitingReview, got %s", decision.NextStatus)
	}
	if decision.Shortfall != nil {
		t.Fatalf("99.99 vs 100.00: expected no shortfall, got %s", decision.Shortfall)
	}

	// One cent more deficit tips it into a shortfall.
	decision = Reconcile(models.OrderStatusDraft, dec(t, "100.00"), []SlipAmount{
		{SlipId: 1, Amount: dec(t, "99.98")},
	})
	if decision.NextStatus != models.OrderStatusDraft {
		t.Fatalf("99.98 vs 100.00: expected order to stay Draft, got %s", decision.NextStatus)
	}
	if decision.Shortfall == nil {
		t.Fatal("99.98 vs 100.00: expected a shortfall")
	}
	if !decision.Shortfall.Equal(dec(t, "0.02")) {
		t.Fatalf("expected shortfall 0.02, got %s", decision.Shortfall)
	}
}

func TestReconcile_ShortfallKeepsEntryStatus(t *testing.T) {
	for _, status := range []models.OrderStatus{models.OrderStatusDraft, models.OrderStatusDataError} {
		decision := Reconcile(status, dec(t, "500.00"), []SlipAmount{
			{SlipId: 7, Amount: dec(t, "200.00")},
		})
		if decision.NextStatus != status {
			t.Fatalf("shortfall from %s: expected order to stay %s, got %s", status, status, decision.NextStatus)
		}
		if decision.Shortfall == nil || !decision.Shortfall.Equal(dec(t, "300.00")) {
			t.Fatalf("shortfall from %s: expected 300.00, got %v", status, decision.Shortfall)
		}
	}
}

func TestReconcile_SingleSlipOverageStillAdvances(t *testing.T) {
	decision := Reconcile(models.OrderStatusDraft, dec(t, "100.00"), []SlipAmount{
		{SlipId: 3, Amount: dec(t, "150.00")},
	})
	if decision.NextStatus != models.OrderStatusAwaitingReview {
		t.Fatalf("expected overpaid order to advance, got %s", decision.NextStatus)
	}
	if decision.Shortfall != nil {
		t.Fatalf("expected no shortfall, got %s", decision.Shortfall)
	}
	if len(decision.Overages) != 1 {
		t.Fatalf("expected one overage, got %v", decision.Overages)
	}
	if decision.Overages[0].SlipId != 3 || !decision.Overages[0].Amount.Equal(dec(t, "50.00")) {
		t.Fatalf("expected overage of 50.00 on slip 3, got %+v", decision.Overages[0])
	}
}

func TestReconcile_SumCoverageWithoutSingleSlipOverage(t *testing.T) {
	// Two slips each below expected but together above it: the order
	// advances and no overage obligation exists, because no single slip
	// exceeded the expected amount.
	decision := Reconcile(models.OrderStatusDraft, dec(t, "100.00"), []SlipAmount{
		{SlipId: 1, Amount: dec(t, "70.00")},
		{SlipId: 2, Amount: dec(t, "60.00")},
	})
	if decision.NextStatus != models.OrderStatusAwaitingReview {
		t.Fatalf("expected AwaitingReview, got %s", decision.NextStatus)
	}
	if len(decision.Overages) != 0 {
		t.Fatalf("expected no overages, got %v", decision.Overages)
	}
}

func TestReconcile_OverageAndShortfallAreIndependent(t *testing.T) {
	// A single huge slip plus nothing else: overage exists and the order
	// still advances because the sum covers expected.
	decision := Reconcile(models.OrderStatusDataError, dec(t, "100.00"), []SlipAmount{
		{SlipId: 9, Amount: dec(t, "100.02")},
	})
	if decision.NextStatus != models.OrderStatusAwaitingReview {
		t.Fatalf("expected AwaitingReview, got %s", decision.NextStatus)
	}
	if len(decision.Overages) != 1 || !decision.Overages[0].Amount.Equal(dec(t, "0.02")) {
		t.Fatalf("expected overage 0.02, got %v", decision.Overages)
	}

	// Excess of exactly 0.01 is inside tolerance: no overage.
	decision = Reconcile(models.OrderStatusDraft, dec(t, "100.00"), []SlipAmount{
		{SlipId: 9, Amount: dec(t, "100.01")},
	})
	if len(decision.Overages) != 0 {
		t.Fatalf("expected no overage at tolerance boundary, got %v", decision.Overages)
	}
}

func TestReconcile_NoEvidence(t *testing.T) {
	decision := Reconcile(models.OrderStatusDraft, dec(t, "100.00"), nil)
	if decision.NextStatus != models.OrderStatusDraft {
		t.Fatalf("expected Draft, got %s", decision.NextStatus)
	}
	if decision.Shortfall == nil || !decision.Shortfall.Equal(dec(t, "100.00")) {
		t.Fatalf("expected shortfall 100.00, got %v", decision.Shortfall)
	}
}
