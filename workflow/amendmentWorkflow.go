package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

var ErrPendingAmendmentExists = errors.New("a pending amendment already exists for this order")

// ledger handler name for downstream cancellation calls
const cancelHandlerName = "fulfillment.cancel"

type AmendmentResult struct {
	AmendmentId  int                    `json:"amendment_id"`
	AmendmentNo  string                 `json:"amendment_no"`
	Status       models.AmendmentStatus `json:"status"`
	OrderStatus  models.OrderStatus     `json:"order_status"`
	ExecuteError string                 `json:"execute_error,omitempty"`
}

// SubmitAmendment opens a gated change or cancellation request. The pending
// key's unique index makes the insert itself the at-most-one-pending check,
// so two simultaneous submissions cannot both create a pending row.
func SubmitAmendment(ctx context.Context, input models.NewOrderAmendment) (*AmendmentResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	reasonType, err := models.ParseAmendmentReasonType(input.ReasonType)
	if err != nil {
		return nil, err
	}
	if !input.IsCancel && input.Changes.IsEmpty() {
		return nil, errors.New("an amendment must cancel the order or change at least one field")
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	order, err := models.GetOrderForUpdate(ctx, tx, businessId, input.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if order.Status.IsTerminal() {
		tx.Rollback()
		return nil, fmt.Errorf("%w: order %s is %s", utils.ErrorConflict, order.BillNumber, order.Status)
	}
	if err := tx.Where("business_id = ? AND order_id = ?", businessId, order.ID).
		Order("id ASC").Find(&order.Items).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	amendment, err := models.InsertAmendment(ctx, tx, businessId, order, input, reasonType)
	if err != nil {
		tx.Rollback()
		if models.IsDuplicateKeyErr(err) {
			return nil, fmt.Errorf("%w: order %s", ErrPendingAmendmentExists, order.BillNumber)
		}
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &AmendmentResult{
		AmendmentId: amendment.ID,
		AmendmentNo: amendment.AmendmentNo,
		Status:      amendment.Status,
		OrderStatus: order.Status,
	}, nil
}

// DecideAmendment approves or rejects a pending request. Rejection is
// terminal and leaves the order untouched. Approval stamps the decision and
// immediately attempts execution; if the downstream cancellation fails the
// amendment stays approved and ExecuteAmendment can be retried.
func DecideAmendment(ctx context.Context, amendmentId int, outcome models.DecisionOutcome, rejectReason string) (*AmendmentResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := requireDecisionRole(ctx); err != nil {
		return nil, err
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	amendment, err := models.GetAmendmentForUpdate(tx, businessId, amendmentId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if amendment.Status != models.AmendmentStatusPending {
		tx.Rollback()
		return nil, fmt.Errorf("%w: amendment %s is %s", ErrAlreadyDecided, amendment.AmendmentNo, amendment.Status)
	}

	now := time.Now().UTC()
	newStatus := models.AmendmentStatusApproved
	updates := map[string]interface{}{
		"status":      newStatus,
		"decided_by":  userName,
		"decided_at":  now,
		"pending_key": nil,
	}
	if outcome == models.DecisionOutcomeReject {
		newStatus = models.AmendmentStatusRejected
		updates["status"] = newStatus
		updates["reject_reason"] = rejectReason
	}
	claim := tx.Model(&models.OrderAmendment{}).
		Where("id = ? AND status = ?", amendment.ID, models.AmendmentStatusPending).
		Updates(updates)
	if claim.Error != nil {
		tx.Rollback()
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: amendment %s", ErrAlreadyDecided, amendment.AmendmentNo)
	}

	oldAmendment := *amendment
	amendment.Status = newStatus
	amendment.DecidedBy = userName
	amendment.DecidedAt = &now
	amendment.PendingKey = nil
	amendment.RejectReason = rejectReason
	if err := models.PublishOrderEvent(ctx, tx, businessId, amendment.OrderId, amendment.ID, models.OrderEventReferenceTypeAmendment, models.OrderEventActionUpdate, &oldAmendment, amendment); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	result := AmendmentResult{
		AmendmentId: amendment.ID,
		AmendmentNo: amendment.AmendmentNo,
		Status:      amendment.Status,
	}
	order, err := models.GetOrder(ctx, amendment.OrderId)
	if err == nil {
		result.OrderStatus = order.Status
	}
	if newStatus != models.AmendmentStatusApproved {
		return &result, nil
	}

	executed, err := ExecuteAmendment(ctx, amendment.ID)
	if err != nil {
		// Approval stands; execution is retryable and operator-visible.
		result.ExecuteError = err.Error()
		return &result, nil
	}
	return executed, nil
}

// ExecuteAmendment performs the approved amendment's effects: the downstream
// fulfillment cancellation first (keyed by amendment number, so a retry after
// a partial failure cannot cancel twice), then the order mutation and the
// executed stamp in one transaction. Safe to call repeatedly.
func ExecuteAmendment(ctx context.Context, amendmentId int) (*AmendmentResult, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	amendment, err := models.GetAmendment(ctx, amendmentId)
	if err != nil {
		return nil, err
	}
	switch amendment.Status {
	case models.AmendmentStatusExecuted:
		return amendmentResultWithOrder(ctx, amendment)
	case models.AmendmentStatusApproved:
	default:
		return nil, fmt.Errorf("%w: amendment %s is %s, only approved amendments execute", utils.ErrorConflict, amendment.AmendmentNo, amendment.Status)
	}

	if amendment.IsCancel {
		skip, err := BeginIdempotency(db.WithContext(ctx), businessId, cancelHandlerName, amendment.AmendmentNo)
		if err != nil {
			return nil, err
		}
		if !skip {
			if err := Fulfillment.CancelOrder(ctx, businessId, amendment.OrderId, amendment.AmendmentNo); err != nil {
				config.LogError(logger, "workflow", "ExecuteAmendment", "downstream cancellation failed", amendment.AmendmentNo, err)
				_ = MarkIdempotencyFailed(db.WithContext(ctx), businessId, cancelHandlerName, amendment.AmendmentNo, err)
				msg := err.Error()
				_ = db.WithContext(ctx).Model(&models.OrderAmendment{}).
					Where("id = ?", amendment.ID).
					Update("execute_error", &msg).Error
				return nil, fmt.Errorf("downstream cancellation failed, amendment %s remains approved: %w", amendment.AmendmentNo, err)
			}
			if err := MarkIdempotencySucceeded(db.WithContext(ctx), businessId, cancelHandlerName, amendment.AmendmentNo); err != nil {
				return nil, err
			}
		}
	}

	release, err := utils.OrderLock(ctx, businessId, amendment.OrderId, "workflow", "ExecuteAmendment")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()
	if err := AcquireOrderPostingLock(tx, businessId, amendment.OrderId); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseOrderPostingLock(tx, businessId, amendment.OrderId)

	current, err := models.GetAmendmentForUpdate(tx, businessId, amendment.ID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if current.Status == models.AmendmentStatusExecuted {
		tx.Rollback()
		return amendmentResultWithOrder(ctx, current)
	}
	if current.Status != models.AmendmentStatusApproved {
		tx.Rollback()
		return nil, fmt.Errorf("%w: amendment %s is %s", utils.ErrorConflict, current.AmendmentNo, current.Status)
	}

	order, err := models.GetOrderForUpdate(ctx, tx, businessId, current.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if current.IsCancel {
		if order.Status != models.OrderStatusCancelled {
			if err := models.ChangeOrderStatus(ctx, tx, order, models.OrderStatusCancelled); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	} else {
		if err := applyAmendmentChanges(ctx, tx, order, current); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	now := time.Now().UTC()
	claim := tx.Model(&models.OrderAmendment{}).
		Where("id = ? AND status = ?", current.ID, models.AmendmentStatusApproved).
		Updates(map[string]interface{}{"status": models.AmendmentStatusExecuted, "executed_at": now, "execute_error": nil})
	if claim.Error != nil {
		tx.Rollback()
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: amendment %s executed concurrently", utils.ErrorConflict, current.AmendmentNo)
	}
	oldAmendment := *current
	current.Status = models.AmendmentStatusExecuted
	current.ExecutedAt = &now
	current.ExecuteError = nil
	if err := models.PublishOrderEvent(ctx, tx, businessId, order.ID, current.ID, models.OrderEventReferenceTypeAmendment, models.OrderEventActionUpdate, &oldAmendment, current); err != nil {
		tx.Rollback()
		return nil, err
	}
	// RELEASE_LOCK is connection-scoped, so it must run on tx before commit.
	ReleaseOrderPostingLock(tx, businessId, current.OrderId)
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &AmendmentResult{
		AmendmentId: current.ID,
		AmendmentNo: current.AmendmentNo,
		Status:      current.Status,
		OrderStatus: order.Status,
	}, nil
}

// applyAmendmentChanges mutates the order per the approved snapshot: scalar
// field updates plus a full item replacement when the snapshot carries items.
func applyAmendmentChanges(ctx context.Context, tx *gorm.DB, order *models.Order, amendment *models.OrderAmendment) error {
	var changes models.AmendmentChanges
	if len(amendment.ChangesJson) > 0 {
		if err := json.Unmarshal(amendment.ChangesJson, &changes); err != nil {
			return err
		}
	}
	oldOrder := *order

	updates := map[string]interface{}{}
	if changes.CustomerName != nil {
		updates["customer_name"] = *changes.CustomerName
		order.CustomerName = *changes.CustomerName
	}
	if changes.CustomerPhone != nil {
		updates["customer_phone"] = *changes.CustomerPhone
		order.CustomerPhone = *changes.CustomerPhone
	}
	if changes.ShippingAddress != nil {
		updates["shipping_address"] = *changes.ShippingAddress
		order.ShippingAddress = *changes.ShippingAddress
	}
	if changes.Notes != nil {
		updates["notes"] = *changes.Notes
		order.Notes = *changes.Notes
	}
	if len(updates) > 0 {
		if err := tx.Model(&models.Order{}).
			Where("id = ? AND business_id = ?", order.ID, order.BusinessId).
			Updates(updates).Error; err != nil {
			return err
		}
	}

	if len(changes.Items) > 0 {
		if err := tx.Where("business_id = ? AND order_id = ?", order.BusinessId, order.ID).
			Delete(&models.OrderItem{}).Error; err != nil {
			return err
		}
		for _, item := range changes.Items {
			row := models.OrderItem{
				BusinessId: order.BusinessId,
				OrderId:    order.ID,
				Sku:        item.Sku,
				Name:       item.Name,
				Qty:        item.Qty,
				UnitPrice:  item.UnitPrice,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
	}
	return models.PublishOrderEvent(ctx, tx, order.BusinessId, order.ID, order.ID, models.OrderEventReferenceTypeOrder, models.OrderEventActionUpdate, &oldOrder, order)
}

func amendmentResultWithOrder(ctx context.Context, amendment *models.OrderAmendment) (*AmendmentResult, error) {
	result := AmendmentResult{
		AmendmentId: amendment.ID,
		AmendmentNo: amendment.AmendmentNo,
		Status:      amendment.Status,
	}
	order, err := models.GetOrder(ctx, amendment.OrderId)
	if err == nil {
		result.OrderStatus = order.Status
	}
	return &result, nil
}
