package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Refund is an obligation created by reconciliation: a shortfall refund when
// the verified total misses the expected amount, or one overage refund per
// slip that individually exceeds it. Kind is the machine-readable tag;
// Reason is display text derived from it and never parsed back.
type Refund struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	OrderId    int             `gorm:"not null;index" json:"order_id"`
	SlipId     *int            `gorm:"index" json:"slip_id"`
	Kind       RefundKind      `gorm:"size:20;not null;index" json:"kind"`
	Amount     decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	Reason     string          `gorm:"size:255;not null" json:"reason"`
	Status     RefundStatus    `gorm:"size:20;not null;index" json:"status"`
	DecidedBy  string          `gorm:"size:100" json:"decided_by,omitempty"`
	DecidedAt  *time.Time      `json:"decided_at,omitempty"`
	Notes      string          `gorm:"type:text" json:"notes"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func refundReason(kind RefundKind, amount decimal.Decimal) string {
	switch kind {
	case RefundKindShortfall:
		return fmt.Sprintf("Transferred amount short by %s", amount.StringFixed(2))
	case RefundKindOverage:
		return fmt.Sprintf("Transferred amount over by %s", amount.StringFixed(2))
	}
	return string(kind)
}

// CreateRefund inserts the obligation row inside tx and emits the event.
func CreateRefund(ctx context.Context, tx *gorm.DB, businessId string, orderId int, slipId *int, kind RefundKind, amount decimal.Decimal) (*Refund, error) {
	refund := Refund{
		BusinessId: businessId,
		OrderId:    orderId,
		SlipId:     slipId,
		Kind:       kind,
		Amount:     amount,
		Reason:     refundReason(kind, amount),
		Status:     RefundStatusPending,
	}
	if err := tx.Create(&refund).Error; err != nil {
		return nil, err
	}
	if err := PublishOrderEvent(ctx, tx, businessId, orderId, refund.ID, OrderEventReferenceTypeRefund, OrderEventActionCreate, nil, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// SupersedePendingShortfall withdraws any still-pending shortfall refund for
// the order so re-reconciliation replaces rather than stacks obligations.
func SupersedePendingShortfall(ctx context.Context, tx *gorm.DB, businessId string, orderId int) error {
	var pending []Refund
	err := tx.Where("business_id = ? AND order_id = ? AND kind = ? AND status = ?",
		businessId, orderId, RefundKindShortfall, RefundStatusPending).
		Find(&pending).Error
	if err != nil {
		return err
	}
	for i := range pending {
		oldRefund := pending[i]
		result := tx.Model(&Refund{}).
			Where("id = ? AND status = ?", pending[i].ID, RefundStatusPending).
			Update("status", RefundStatusSuperseded)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		pending[i].Status = RefundStatusSuperseded
		if err := PublishOrderEvent(ctx, tx, businessId, orderId, pending[i].ID, OrderEventReferenceTypeRefund, OrderEventActionUpdate, &oldRefund, &pending[i]); err != nil {
			return err
		}
	}
	return nil
}

// HasPendingOverageForSlip prevents duplicate overage obligations when the
// same over-paying slip is observed across reconciliation runs.
func HasPendingOverageForSlip(tx *gorm.DB, businessId string, slipId int) (bool, error) {
	var count int64
	err := tx.Model(&Refund{}).
		Where("business_id = ? AND slip_id = ? AND kind = ? AND status IN ?",
			businessId, slipId, RefundKindOverage,
			[]RefundStatus{RefundStatusPending, RefundStatusApproved, RefundStatusPaid}).
		Count(&count).Error
	return count > 0, err
}

func GetRefund(ctx context.Context, id int) (*Refund, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[Refund](ctx, businessId, id)
}

type RefundListFilter struct {
	OrderId int    `form:"order_id"`
	Kind    string `form:"kind"`
	Status  string `form:"status"`
	Limit   int    `form:"limit"`
	Offset  int    `form:"offset"`
}

func ListRefunds(ctx context.Context, filter RefundListFilter) ([]Refund, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	query := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.OrderId != 0 {
		query = query.Where("order_id = ?", filter.OrderId)
	}
	if filter.Kind != "" {
		kind, err := ParseRefundKind(filter.Kind)
		if err != nil {
			return nil, err
		}
		query = query.Where("kind = ?", kind)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	var refunds []Refund
	err := query.Order("id DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&refunds).Error
	return refunds, err
}
