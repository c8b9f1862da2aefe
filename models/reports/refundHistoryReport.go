package reports

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
)

type RefundHistoryRow struct {
	RefundId   int             `json:"RefundId"`
	OrderId    int             `json:"OrderId"`
	BillNumber string          `json:"BillNumber"`
	Channel    string          `json:"Channel"`
	Kind       string          `json:"Kind"`
	Amount     decimal.Decimal `json:"Amount"`
	Reason     string          `json:"Reason"`
	Status     string          `json:"Status"`
	DecidedBy  *string         `json:"DecidedBy,omitempty"`
	DecidedAt  *time.Time      `json:"DecidedAt,omitempty"`
	CreatedAt  time.Time       `json:"CreatedAt"`
}

// GetRefundHistoryReport lists obligations in the window, split by kind so
// shortfall and overage queues can be reviewed separately.
func GetRefundHistoryReport(ctx context.Context, fromDate time.Time, toDate time.Time, kind string) ([]*RefundHistoryRow, error) {
	sql := `
SELECT
    refunds.id AS refund_id,
    refunds.order_id,
    orders.bill_number,
    orders.channel,
    refunds.kind,
    refunds.amount,
    refunds.reason,
    refunds.status,
    NULLIF(refunds.decided_by, '') AS decided_by,
    refunds.decided_at,
    refunds.created_at
FROM
    refunds
        LEFT JOIN
    orders ON orders.id = refunds.order_id
WHERE
    refunds.business_id = @businessId
        AND refunds.created_at BETWEEN @fromDate AND @toDate
        AND (@kind = '' OR refunds.kind = @kind)
ORDER BY refunds.id DESC;
`

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var records []*RefundHistoryRow
	db := config.GetDB()
	err := db.WithContext(ctx).Raw(sql, map[string]interface{}{
		"businessId": businessId,
		"fromDate":   fromDate,
		"toDate":     toDate,
		"kind":       kind,
	}).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
