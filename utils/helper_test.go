package utils

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAmountsMatch(t *testing.T) {
	cases := []struct {
		a, b  string
		match bool
	}{
		{"100.00", "100.00", true},
		{"100.00", "100.01", true},
		{"100.01", "100.00", true},
		{"100.00", "100.011", false},
		{"99.989", "100.00", false},
		{"0", "0.01", true},
	}
	for _, tc := range cases {
		a := decimal.RequireFromString(tc.a)
		b := decimal.RequireFromString(tc.b)
		if got := AmountsMatch(a, b); got != tc.match {
			t.Fatalf("AmountsMatch(%s, %s) = %v, expected %v", tc.a, tc.b, got, tc.match)
		}
	}
}

func TestLocalMinute_TruncatesInBankZone(t *testing.T) {
	// 2024-04-30 17:45:59 UTC is 2024-05-01 00:45:59 bank-local: the date
	// itself changes across the offset.
	at := time.Date(2024, 4, 30, 17, 45, 59, 123, time.UTC)
	minute := LocalMinute(at)

	if minute.Year() != 2024 || minute.Month() != time.May || minute.Day() != 1 {
		t.Fatalf("expected bank-local date 2024-05-01, got %s", minute)
	}
	if minute.Hour() != 0 || minute.Minute() != 45 {
		t.Fatalf("expected 00:45, got %s", minute)
	}
	if minute.Second() != 0 || minute.Nanosecond() != 0 {
		t.Fatalf("expected seconds truncated, got %s", minute)
	}
}

func TestLocalMinute_SameMinuteDifferentSeconds(t *testing.T) {
	a := time.Date(2024, 5, 1, 3, 15, 1, 0, time.UTC)
	b := time.Date(2024, 5, 1, 3, 15, 59, 0, time.UTC)
	if !LocalMinute(a).Equal(LocalMinute(b)) {
		t.Fatal("instants within the same minute must truncate equal")
	}
	c := time.Date(2024, 5, 1, 3, 16, 0, 0, time.UTC)
	if LocalMinute(a).Equal(LocalMinute(c)) {
		t.Fatal("instants in different minutes must not truncate equal")
	}
}

func TestParseBankLocalMinute(t *testing.T) {
	got, err := ParseBankLocalMinute("2024-05-01", "10:15")
	if err != nil {
		t.Fatalf("ParseBankLocalMinute: %v", err)
	}
	expected := time.Date(2024, 5, 1, 3, 15, 0, 0, time.UTC)
	if !got.Equal(expected) {
		t.Fatalf("expected %s, got %s", expected, got)
	}
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC instant, got %s", got.Location())
	}

	if _, err := ParseBankLocalMinute("01-05-2024", "10:15"); err == nil {
		t.Fatal("expected error for non-ISO date")
	}
	if _, err := ParseBankLocalMinute("2024-05-01", "25:00"); err == nil {
		t.Fatal("expected error for invalid clock")
	}
}
