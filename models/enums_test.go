package models

import "testing"

func TestParseDecisionOutcome(t *testing.T) {
	cases := map[string]DecisionOutcome{
		"approve": DecisionOutcomeApprove,
		"reject":  DecisionOutcomeReject,
	}
	for raw, want := range cases {
		got, err := ParseDecisionOutcome(raw)
		if err != nil {
			t.Fatalf("ParseDecisionOutcome(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseDecisionOutcome(%q) = %q, expected %q", raw, got, want)
		}
	}
	if _, err := ParseDecisionOutcome("maybe"); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestSlipValidationStatusValues(t *testing.T) {
	if SlipValidationStatusPassed != "passed" || SlipValidationStatusFailed != "failed" {
		t.Fatalf("slip validation statuses = %q/%q", SlipValidationStatusPassed, SlipValidationStatusFailed)
	}
}

func TestOrderEventReferenceTypeCodes(t *testing.T) {
	cases := map[OrderEventReferenceType]string{
		OrderEventReferenceTypeOrder:       "ORD",
		OrderEventReferenceTypeSlip:        "SLP",
		OrderEventReferenceTypeManualCheck: "MSC",
		OrderEventReferenceTypeRefund:      "RFD",
		OrderEventReferenceTypeAmendment:   "AMD",
	}
	for ref, code := range cases {
		if string(ref) != code {
			t.Fatalf("reference type %q, expected %q", ref, code)
		}
	}
}
