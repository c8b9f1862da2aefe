package workflow

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
)

type OrderStatusResult struct {
	OrderId     int                `json:"order_id"`
	BillNumber  string             `json:"bill_number"`
	OrderStatus models.OrderStatus `json:"order_status"`
}

// ReviewOrder is the human confirmation step after reconciliation parked the
// order in AwaitingReview: approve moves it to Verified, reject to Rejected.
func ReviewOrder(ctx context.Context, orderId int, outcome models.DecisionOutcome) (*OrderStatusResult, error) {
	if err := requireDecisionRole(ctx); err != nil {
		return nil, err
	}
	target := models.OrderStatusVerified
	if outcome == models.DecisionOutcomeReject {
		target = models.OrderStatusRejected
	}
	return transitionOrder(ctx, orderId, target, func(order *models.Order) error {
		if order.Status != models.OrderStatusAwaitingReview {
			return fmt.Errorf("%w: order %s is %s, only awaiting_review orders can be reviewed", utils.ErrorConflict, order.BillNumber, order.Status)
		}
		return nil
	})
}

// ReopenOrder returns a rejected or data-error order to Draft so the entry
// team can correct and resubmit evidence. Gated to roles that may reopen.
func ReopenOrder(ctx context.Context, orderId int) (*OrderStatusResult, error) {
	role, ok := utils.GetUserRoleFromContext(ctx)
	if !ok || !models.UserRole(role).CanReopen() {
		return nil, fmt.Errorf("%w: role %q cannot reopen orders", utils.ErrorConflict, role)
	}
	return transitionOrder(ctx, orderId, models.OrderStatusDraft, func(order *models.Order) error {
		switch order.Status {
		case models.OrderStatusRejected, models.OrderStatusDataError:
			return nil
		}
		return fmt.Errorf("%w: order %s is %s and cannot be reopened", utils.ErrorConflict, order.BillNumber, order.Status)
	})
}

// AdvanceFulfillment moves a verified order through the warehouse states.
func AdvanceFulfillment(ctx context.Context, orderId int, target models.OrderStatus) (*OrderStatusResult, error) {
	switch target {
	case models.OrderStatusPreparing, models.OrderStatusPacked, models.OrderStatusShipped:
	default:
		return nil, fmt.Errorf("%w: %s is not a fulfillment status", utils.ErrorConflict, target)
	}
	return transitionOrder(ctx, orderId, target, nil)
}

func transitionOrder(ctx context.Context, orderId int, target models.OrderStatus, gate func(*models.Order) error) (*OrderStatusResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	release, err := utils.OrderLock(ctx, businessId, orderId, "workflow", "transitionOrder")
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
	if err := AcquireOrderPostingLock(tx, businessId, orderId); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseOrderPostingLock(tx, businessId, orderId)

	order, err := models.GetOrderForUpdate(ctx, tx, businessId, orderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if gate != nil {
		if err := gate(order); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := models.ChangeOrderStatus(ctx, tx, order, target); err != nil {
		tx.Rollback()
		return nil, err
	}
	// RELEASE_LOCK is connection-scoped, so it must run on tx before commit.
	ReleaseOrderPostingLock(tx, businessId, orderId)
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &OrderStatusResult{OrderId: order.ID, BillNumber: order.BillNumber, OrderStatus: order.Status}, nil
}
