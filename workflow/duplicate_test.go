package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
)

func TestManualTripleMatches_BankLocalMinute(t *testing.T) {
	// Slip verified at 03:15:30 UTC is 10:15:30 bank-local (UTC+7). A
	// manual entry typed as 2024-05-01 10:15 must collide with it.
	manualAt, err := utils.ParseBankLocalMinute("2024-05-01", "10:15")
	if err != nil {
		t.Fatalf("ParseBankLocalMinute: %v", err)
	}
	candidates := []DuplicateCandidate{
		{
			SourceType: DuplicateSourceSlip,
			SourceId:   11,
			OrderId:    4,
			TransferAt: time.Date(2024, 5, 1, 3, 15, 30, 0, time.UTC),
			Amount:     decimal.RequireFromString("500.00"),
		},
	}

	matches := ManualTripleMatches(manualAt, decimal.RequireFromString("500.00"), candidates)
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	if matches[0].SourceId != 11 || matches[0].OrderId != 4 {
		t.Fatalf("unexpected match: %+v", matches[0])
	}
}

func TestManualTripleMatches_ReportsEveryMatch(t *testing.T) {
	at := time.Date(2024, 5, 1, 3, 15, 0, 0, time.UTC)
	candidates := []DuplicateCandidate{
		{SourceType: DuplicateSourceSlip, SourceId: 1, OrderId: 1, TransferAt: at.Add(10 * time.Second), Amount: decimal.RequireFromString("500.00")},
		{SourceType: DuplicateSourceManualCheck, SourceId: 2, OrderId: 2, TransferAt: at.Add(45 * time.Second), Amount: decimal.RequireFromString("500.01")},
		{SourceType: DuplicateSourceSlip, SourceId: 3, OrderId: 3, TransferAt: at.Add(time.Minute), Amount: decimal.RequireFromString("500.00")},
	}

	matches := ManualTripleMatches(at, decimal.RequireFromString("500.00"), candidates)
	if len(matches) != 2 {
		t.Fatalf("expected both same-minute candidates reported, got %d: %v", len(matches), matches)
	}
	if matches[0].SourceId != 1 || matches[1].SourceId != 2 {
		t.Fatalf("unexpected match set: %+v", matches)
	}
}

func TestManualTripleMatches_AmountTolerance(t *testing.T) {
	at := time.Date(2024, 5, 1, 3, 15, 0, 0, time.UTC)
	candidates := []DuplicateCandidate{
		{SourceType: DuplicateSourceSlip, SourceId: 1, OrderId: 1, TransferAt: at, Amount: decimal.RequireFromString("500.00")},
	}

	if got := ManualTripleMatches(at, decimal.RequireFromString("500.01"), candidates); len(got) != 1 {
		t.Fatalf("0.01 difference should match, got %v", got)
	}
	if got := ManualTripleMatches(at, decimal.RequireFromString("500.011"), candidates); len(got) != 0 {
		t.Fatalf("0.011 difference should not match, got %v", got)
	}
	if got := ManualTripleMatches(at, decimal.RequireFromString("499.99"), candidates); len(got) != 1 {
		t.Fatalf("tolerance must be symmetric, got %v", got)
	}
}

func TestManualTripleMatches_DifferentMinuteNoMatch(t *testing.T) {
	at := time.Date(2024, 5, 1, 3, 15, 59, 0, time.UTC)
	candidates := []DuplicateCandidate{
		{SourceType: DuplicateSourceSlip, SourceId: 1, OrderId: 1, TransferAt: at.Add(time.Second), Amount: decimal.RequireFromString("500.00")},
	}

	if got := ManualTripleMatches(at, decimal.RequireFromString("500.00"), candidates); len(got) != 0 {
		t.Fatalf("candidate in the next minute must not match, got %v", got)
	}
}
