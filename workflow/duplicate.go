package workflow

import (
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
)

// DuplicateCandidate is an existing transfer observation a manual entry is
// cross-checked against: a verified slip's provider timestamp, or another
// manual check awaiting or past review.
type DuplicateCandidate struct {
	SourceType string          `json:"source_type"`
	SourceId   int             `json:"source_id"`
	OrderId    int             `json:"order_id"`
	TransferAt time.Time       `json:"transfer_at"`
	Amount     decimal.Decimal `json:"amount"`
}

const (
	DuplicateSourceSlip        = "slip"
	DuplicateSourceManualCheck = "manual_check"
)

// ManualDuplicateMatch is one reported clash. Every match is reported, not
// just the first, so the reviewer sees all of them.
type ManualDuplicateMatch struct {
	SourceType string          `json:"source_type"`
	SourceId   int             `json:"source_id"`
	OrderId    int             `json:"order_id"`
	TransferAt time.Time       `json:"transfer_at"`
	Amount     decimal.Decimal `json:"amount"`
}

// ManualTripleMatches reports every candidate whose (date, time, amount)
// triple collides with the submitted values: identical bank-local (UTC+7)
// minute after truncation, and amount within the 0.01 tolerance. Candidates
// are compared as stored UTC instants; the local offset is applied only here,
// at the comparison boundary.
func ManualTripleMatches(transferAt time.Time, amount decimal.Decimal, candidates []DuplicateCandidate) []ManualDuplicateMatch {
	minute := utils.LocalMinute(transferAt)
	var matches []ManualDuplicateMatch
	for _, candidate := range candidates {
		if !utils.LocalMinute(candidate.TransferAt).Equal(minute) {
			continue
		}
		if !utils.AmountsMatch(candidate.Amount, amount) {
			continue
		}
		matches = append(matches, ManualDuplicateMatch(candidate))
	}
	return matches
}
