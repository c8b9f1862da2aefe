package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ManualSlipCheck records hand-entered transfer details for evidence the
// automatic verifier could not read. TransferDate and TransferTime keep the
// operator's exact input; TransferAt is the derived UTC instant used for
// duplicate matching.
type ManualSlipCheck struct {
	ID            int               `gorm:"primary_key" json:"id"`
	BusinessId    string            `gorm:"size:64;not null;index" json:"business_id"`
	OrderId       int               `gorm:"not null;index" json:"order_id"`
	SlipId        *int              `gorm:"index" json:"slip_id"`
	TransferDate  string            `gorm:"size:10;not null" json:"transfer_date"`
	TransferTime  string            `gorm:"size:5;not null" json:"transfer_time"`
	TransferAt    time.Time         `gorm:"index;not null" json:"transfer_at"`
	Amount        decimal.Decimal   `gorm:"type:decimal(14,2);not null" json:"amount"`
	BankReference string            `gorm:"size:100" json:"bank_reference"`
	Notes         string            `gorm:"type:text" json:"notes"`
	Status        ManualCheckStatus `gorm:"size:20;not null;index" json:"status"`
	SubmittedBy   string            `gorm:"size:100" json:"submitted_by"`
	ReviewedBy    string            `gorm:"size:100" json:"reviewed_by,omitempty"`
	ReviewedAt    *time.Time        `json:"reviewed_at,omitempty"`
	RejectReason  string            `gorm:"size:255" json:"reject_reason,omitempty"`
	CreatedAt     time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewManualSlipCheck struct {
	OrderId       int             `json:"order_id" binding:"required"`
	SlipId        *int            `json:"slip_id"`
	TransferDate  string          `json:"transfer_date" binding:"required"`
	TransferTime  string          `json:"transfer_time" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	BankReference string          `json:"bank_reference"`
	Notes         string          `json:"notes"`
}

type EditManualSlipCheck struct {
	TransferDate  string          `json:"transfer_date" binding:"required"`
	TransferTime  string          `json:"transfer_time" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	BankReference string          `json:"bank_reference"`
	Notes         string          `json:"notes"`
}

func GetManualCheck(ctx context.Context, id int) (*ManualSlipCheck, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[ManualSlipCheck](ctx, businessId, id)
}

func ListManualChecks(ctx context.Context, status string, limit int, offset int) ([]ManualSlipCheck, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	query := db.WithContext(ctx).Where("business_id = ?", businessId)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var checks []ManualSlipCheck
	err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&checks).Error
	return checks, err
}

// FindManualDuplicateCandidates fetches every pending or approved manual
// check in the minute window surrounding transferAt, business-wide. Amount
// matching is done in Go so the tolerance lives in exactly one place.
func FindManualDuplicateCandidates(tx *gorm.DB, businessId string, transferAt time.Time, excludeId int) ([]ManualSlipCheck, error) {
	windowStart := utils.LocalMinute(transferAt)
	windowEnd := windowStart.Add(time.Minute)
	var checks []ManualSlipCheck
	err := tx.Where("business_id = ? AND transfer_at >= ? AND transfer_at < ? AND status IN ? AND id <> ?",
		businessId, windowStart, windowEnd,
		[]ManualCheckStatus{ManualCheckStatusPending, ManualCheckStatusApproved}, excludeId).
		Order("id ASC").
		Find(&checks).Error
	return checks, err
}
