package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
)

type RefundDecisionResult struct {
	RefundId int                 `json:"refund_id"`
	Kind     models.RefundKind   `json:"kind"`
	Status   models.RefundStatus `json:"status"`
}

// DecideRefund approves or rejects a pending obligation. Approval only
// records who signed off and when; disbursement is a manual action outside
// the system. The pending guard is a conditional update.
func DecideRefund(ctx context.Context, refundId int, outcome models.DecisionOutcome, notes string) (*RefundDecisionResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := requireDecisionRole(ctx); err != nil {
		return nil, err
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	refund, err := models.GetRefund(ctx, refundId)
	if err != nil {
		return nil, err
	}

	newStatus := models.RefundStatusApproved
	if outcome == models.DecisionOutcomeReject {
		newStatus = models.RefundStatusRejected
	}
	now := time.Now().UTC()

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()
	updates := map[string]interface{}{
		"status":     newStatus,
		"decided_by": userName,
		"decided_at": now,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	claim := tx.Model(&models.Refund{}).
		Where("id = ? AND business_id = ? AND status = ?", refundId, businessId, models.RefundStatusPending).
		Updates(updates)
	if claim.Error != nil {
		tx.Rollback()
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: refund %d is %s", ErrAlreadyDecided, refundId, refund.Status)
	}

	oldRefund := *refund
	refund.Status = newStatus
	refund.DecidedBy = userName
	refund.DecidedAt = &now
	if notes != "" {
		refund.Notes = notes
	}
	if err := models.PublishOrderEvent(ctx, tx, businessId, refund.OrderId, refund.ID, models.OrderEventReferenceTypeRefund, models.OrderEventActionUpdate, &oldRefund, refund); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &RefundDecisionResult{RefundId: refund.ID, Kind: refund.Kind, Status: refund.Status}, nil
}

// MarkRefundPaid records that the approved obligation was settled manually.
func MarkRefundPaid(ctx context.Context, refundId int) (*RefundDecisionResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := requireDecisionRole(ctx); err != nil {
		return nil, err
	}

	refund, err := models.GetRefund(ctx, refundId)
	if err != nil {
		return nil, err
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()
	claim := tx.Model(&models.Refund{}).
		Where("id = ? AND business_id = ? AND status = ?", refundId, businessId, models.RefundStatusApproved).
		Update("status", models.RefundStatusPaid)
	if claim.Error != nil {
		tx.Rollback()
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: refund %d is %s, only approved refunds can be paid", utils.ErrorConflict, refundId, refund.Status)
	}
	oldRefund := *refund
	refund.Status = models.RefundStatusPaid
	if err := models.PublishOrderEvent(ctx, tx, businessId, refund.OrderId, refund.ID, models.OrderEventReferenceTypeRefund, models.OrderEventActionUpdate, &oldRefund, refund); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &RefundDecisionResult{RefundId: refund.ID, Kind: refund.Kind, Status: refund.Status}, nil
}
