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

// Slip is one piece of bank-transfer evidence attached to an order. ActiveKey
// mirrors ObjectKey while the slip is live and is NULLed on soft delete; the
// unique index on it is what rejects the same image being attached twice,
// across all orders, without a read-then-write race.
type Slip struct {
	ID                    int                  `gorm:"primary_key" json:"id"`
	BusinessId            string               `gorm:"size:64;not null;index" json:"business_id"`
	OrderId               int                  `gorm:"not null;index" json:"order_id"`
	ObjectKey             string               `gorm:"size:500;not null" json:"object_key"`
	ActiveKey             *string              `gorm:"size:500;index:uniq_active_evidence,unique" json:"-"`
	VerifiedAmount        decimal.Decimal      `gorm:"type:decimal(14,2);not null;default:0" json:"verified_amount"`
	ExpectedAmount        decimal.Decimal      `gorm:"type:decimal(14,2);not null" json:"expected_amount"`
	VerificationTimestamp *time.Time           `json:"verification_timestamp"`
	TransferredAt         *time.Time           `gorm:"index" json:"transferred_at"`
	ValidationStatus      SlipValidationStatus `gorm:"size:20;not null;index" json:"validation_status"`
	ValidationErrors      StringList           `gorm:"type:text" json:"validation_errors"`
	IsDeleted             bool                 `gorm:"not null;default:false;index" json:"is_deleted"`
	DeletionReason        string               `gorm:"size:255" json:"deletion_reason,omitempty"`
	DeletedBy             string               `gorm:"size:100" json:"deleted_by,omitempty"`
	DeletedAt             *time.Time           `json:"deleted_at,omitempty"`
	SubmittedBy           string               `gorm:"size:100" json:"submitted_by"`
	CreatedAt             time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// SumVerifiedSlips recomputes the order's verified total from the durable
// rows inside tx. The cached Order.VerifiedSum is never trusted for
// reconciliation decisions.
func SumVerifiedSlips(tx *gorm.DB, businessId string, orderId int) (decimal.Decimal, error) {
	var raw *string
	err := tx.Model(&Slip{}).
		Where("business_id = ? AND order_id = ? AND is_deleted = false AND validation_status = ?",
			businessId, orderId, SlipValidationStatusPassed).
		Select("CAST(COALESCE(SUM(verified_amount), 0) AS CHAR)").
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if raw == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*raw)
}

func GetSlipsByOrder(ctx context.Context, orderId int, includeDeleted bool) ([]Slip, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	query := db.WithContext(ctx).
		Where("business_id = ? AND order_id = ?", businessId, orderId)
	if !includeDeleted {
		query = query.Where("is_deleted = false")
	}
	var slips []Slip
	err := query.Order("id ASC").Find(&slips).Error
	return slips, err
}

func GetSlipForUpdate(tx *gorm.DB, businessId string, slipId int) (*Slip, error) {
	var slip Slip
	err := tx.Clauses(forUpdateClause()).
		Where("id = ? AND business_id = ?", slipId, businessId).
		First(&slip).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &slip, nil
}

// SoftDeleteSlip clears ActiveKey so the image ref becomes attachable again,
// keeps the row for audit, and records who removed it and why.
func SoftDeleteSlip(ctx context.Context, tx *gorm.DB, slip *Slip, reason string) error {
	userName, _ := utils.GetUserNameFromContext(ctx)
	now := time.Now().UTC()
	oldSlip := *slip
	updates := map[string]interface{}{
		"active_key":      nil,
		"is_deleted":      true,
		"deletion_reason": reason,
		"deleted_by":      userName,
		"deleted_at":      now,
	}
	if err := tx.Model(&Slip{}).
		Where("id = ? AND business_id = ? AND is_deleted = false", slip.ID, slip.BusinessId).
		Updates(updates).Error; err != nil {
		return err
	}
	slip.ActiveKey = nil
	slip.IsDeleted = true
	slip.DeletionReason = reason
	slip.DeletedBy = userName
	slip.DeletedAt = &now
	return PublishOrderEvent(ctx, tx, slip.BusinessId, slip.OrderId, slip.ID, OrderEventReferenceTypeSlip, OrderEventActionDelete, &oldSlip, slip)
}

// FindSlipDuplicateCandidates fetches every live, passed slip whose provider
// timestamp falls in the minute window around transferAt, across all orders
// in the business. The amount tolerance is applied by the caller.
func FindSlipDuplicateCandidates(tx *gorm.DB, businessId string, transferAt time.Time) ([]Slip, error) {
	windowStart := utils.LocalMinute(transferAt)
	windowEnd := windowStart.Add(time.Minute)
	var slips []Slip
	err := tx.Where("business_id = ? AND is_deleted = false AND validation_status = ? AND transferred_at >= ? AND transferred_at < ?",
		businessId, SlipValidationStatusPassed, windowStart, windowEnd).
		Order("id ASC").
		Find(&slips).Error
	return slips, err
}

// FindSlipByActiveKey reports the live slip (if any) currently holding the
// image ref. Used only for conflict error messages; the unique index is the
// enforcement.
func FindSlipByActiveKey(tx *gorm.DB, objectKey string) (*Slip, error) {
	var slip Slip
	err := tx.Where("active_key = ?", objectKey).First(&slip).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &slip, nil
}
