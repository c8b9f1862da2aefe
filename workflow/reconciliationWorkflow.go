package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/slipverify"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EvidenceVerifier is set at startup; tests substitute a fake.
var EvidenceVerifier slipverify.Verifier

var (
	ErrDuplicateEvidence   = errors.New("evidence reference already attached")
	ErrRetryableSubmission = errors.New("evidence verification temporarily unavailable, retry the submission")
)

type EvidenceRef struct {
	ObjectKey string `json:"object_key" binding:"required"`
	// DeclaredAmount and DeclaredTransferredAt are honored only when slip
	// verification is disabled by feature flag; otherwise the external
	// verifier is the source of truth.
	DeclaredAmount        *decimal.Decimal `json:"declared_amount"`
	DeclaredTransferredAt *time.Time       `json:"declared_transferred_at"`
}

type SubmitEvidenceInput struct {
	OrderId int           `json:"order_id" binding:"required"`
	Refs    []EvidenceRef `json:"refs" binding:"required,min=1,dive"`
}

type EvidenceOutcome struct {
	ObjectKey string          `json:"object_key"`
	SlipId    int             `json:"slip_id,omitempty"`
	Accepted  bool            `json:"accepted"`
	Duplicate bool            `json:"duplicate"`
	Amount    decimal.Decimal `json:"amount"`
	Errors    []string        `json:"errors,omitempty"`
}

type SubmitEvidenceResult struct {
	AcceptedCount  int                `json:"accepted_count"`
	DuplicateCount int                `json:"duplicate_count"`
	FailedCount    int                `json:"failed_count"`
	TotalVerified  decimal.Decimal    `json:"total_verified"`
	ExpectedAmount decimal.Decimal    `json:"expected_amount"`
	OrderStatus    models.OrderStatus `json:"order_status"`
	Outcomes       []EvidenceOutcome  `json:"outcomes"`
}

// SlipAmount is one passed slip's contribution to the reconciliation sum.
type SlipAmount struct {
	SlipId int
	Amount decimal.Decimal
}

type OverageObligation struct {
	SlipId int
	Amount decimal.Decimal
}

// Decision is the pure outcome of comparing the durable verified sum against
// the order's expected amount.
type Decision struct {
	Sum        decimal.Decimal
	NextStatus models.OrderStatus
	Shortfall  *decimal.Decimal
	Overages   []OverageObligation
}

// Reconcile compares the recomputed sum against expected. Sum covering the
// expected amount (within the 0.01 tolerance) advances the order to
// AwaitingReview; a shortfall keeps it in its entry status and creates the
// obligation for the difference. Independently, each single slip exceeding
// the expected amount produces an overage obligation for its excess.
func Reconcile(currentStatus models.OrderStatus, expected decimal.Decimal, slips []SlipAmount) Decision {
	sum := decimal.Zero
	for _, slip := range slips {
		sum = sum.Add(slip.Amount)
	}

	decision := Decision{Sum: sum, NextStatus: currentStatus}
	deficit := expected.Sub(sum)
	if deficit.GreaterThan(utils.AmountEpsilon) {
		shortfall := deficit
		decision.Shortfall = &shortfall
	} else {
		decision.NextStatus = models.OrderStatusAwaitingReview
	}

	for _, slip := range slips {
		excess := slip.Amount.Sub(expected)
		if excess.GreaterThan(utils.AmountEpsilon) {
			decision.Overages = append(decision.Overages, OverageObligation{SlipId: slip.SlipId, Amount: excess})
		}
	}
	return decision
}

// SubmitEvidence verifies each reference, records slips, recomputes the
// durable sum under the per-order posting lock and applies the
// reconciliation decision. A transient verifier failure aborts the whole
// submission with nothing persisted.
func SubmitEvidence(ctx context.Context, input SubmitEvidenceInput) (*SubmitEvidenceResult, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	// Verify everything up front, outside the transaction. Storage happened
	// before this call, so a transient abort here loses nothing.
	type verified struct {
		ref    EvidenceRef
		result *slipverify.Result
		errs   []string
	}
	verifiedRefs := make([]verified, 0, len(input.Refs))
	for _, ref := range input.Refs {
		if config.SlipVerifyDisabled() {
			if ref.DeclaredAmount == nil {
				verifiedRefs = append(verifiedRefs, verified{ref: ref, errs: []string{"declared_amount is required while slip verification is disabled"}})
				continue
			}
			result := &slipverify.Result{Amount: *ref.DeclaredAmount}
			if ref.DeclaredTransferredAt != nil {
				result.TransferredAt = *ref.DeclaredTransferredAt
			}
			verifiedRefs = append(verifiedRefs, verified{ref: ref, result: result})
			continue
		}
		result, err := EvidenceVerifier.Verify(ctx, ref.ObjectKey)
		if err != nil {
			if slipverify.IsTransient(err) {
				config.LogError(logger, "workflow", "SubmitEvidence", "transient verify failure", ref.ObjectKey, err)
				return nil, fmt.Errorf("%w: %v", ErrRetryableSubmission, err)
			}
			verifiedRefs = append(verifiedRefs, verified{ref: ref, errs: []string{err.Error()}})
			continue
		}
		verifiedRefs = append(verifiedRefs, verified{ref: ref, result: result})
	}

	release, err := utils.OrderLock(ctx, businessId, input.OrderId, "workflow", "SubmitEvidence")
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
	if err := AcquireOrderPostingLock(tx, businessId, input.OrderId); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseOrderPostingLock(tx, businessId, input.OrderId)

	order, err := models.GetOrderForUpdate(ctx, tx, businessId, input.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if !order.Status.AllowsEvidenceSubmission() {
		tx.Rollback()
		return nil, fmt.Errorf("%w: order %s is %s and does not accept evidence", utils.ErrorConflict, order.BillNumber, order.Status)
	}

	result := SubmitEvidenceResult{ExpectedAmount: order.ExpectedAmount}
	now := time.Now().UTC()
	for _, item := range verifiedRefs {
		outcome := EvidenceOutcome{ObjectKey: item.ref.ObjectKey}

		if len(item.errs) > 0 {
			slip, err := insertSlipRow(ctx, tx, businessId, order, item.ref.ObjectKey, nil, decimal.Zero, nil, item.errs, userName, now)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			outcome.SlipId = slip.ID
			outcome.Errors = item.errs
			result.FailedCount++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		activeKey := item.ref.ObjectKey
		var transferredAt *time.Time
		if !item.result.TransferredAt.IsZero() {
			t := item.result.TransferredAt.UTC()
			transferredAt = &t
		}
		slip, err := insertSlipRow(ctx, tx, businessId, order, item.ref.ObjectKey, &activeKey, item.result.Amount, transferredAt, nil, userName, now)
		if models.IsDuplicateKeyErr(err) {
			dupErrs := []string{duplicateMessage(tx, item.ref.ObjectKey)}
			slip, err = insertSlipRow(ctx, tx, businessId, order, item.ref.ObjectKey, nil, item.result.Amount, transferredAt, dupErrs, userName, now)
			if err != nil {
				tx.Rollback()
				return nil, err
			}
			outcome.SlipId = slip.ID
			outcome.Duplicate = true
			outcome.Errors = dupErrs
			result.DuplicateCount++
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		outcome.SlipId = slip.ID
		outcome.Accepted = true
		outcome.Amount = item.result.Amount
		result.AcceptedCount++
		result.Outcomes = append(result.Outcomes, outcome)
	}

	if err := applyReconciliation(ctx, tx, order, &result); err != nil {
		tx.Rollback()
		return nil, err
	}
	// RELEASE_LOCK is connection-scoped, so it must run on tx before commit.
	ReleaseOrderPostingLock(tx, businessId, input.OrderId)
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &result, nil
}

func insertSlipRow(ctx context.Context, tx *gorm.DB, businessId string, order *models.Order, objectKey string, activeKey *string, amount decimal.Decimal, transferredAt *time.Time, errs []string, userName string, now time.Time) (*models.Slip, error) {
	status := models.SlipValidationStatusPassed
	if len(errs) > 0 {
		status = models.SlipValidationStatusFailed
	}
	slip := models.Slip{
		BusinessId:            businessId,
		OrderId:               order.ID,
		ObjectKey:             objectKey,
		ActiveKey:             activeKey,
		VerifiedAmount:        amount,
		ExpectedAmount:        order.ExpectedAmount,
		VerificationTimestamp: &now,
		TransferredAt:         transferredAt,
		ValidationStatus:      status,
		ValidationErrors:      errs,
		SubmittedBy:           userName,
	}
	if err := tx.Create(&slip).Error; err != nil {
		return nil, err
	}
	if err := models.PublishOrderEvent(ctx, tx, businessId, order.ID, slip.ID, models.OrderEventReferenceTypeSlip, models.OrderEventActionCreate, nil, &slip); err != nil {
		return nil, err
	}
	return &slip, nil
}

func duplicateMessage(tx *gorm.DB, objectKey string) string {
	existing, err := models.FindSlipByActiveKey(tx, objectKey)
	if err == nil && existing != nil {
		return fmt.Sprintf("%s: already attached to order %d as slip %d", ErrDuplicateEvidence, existing.OrderId, existing.ID)
	}
	return ErrDuplicateEvidence.Error()
}

// applyReconciliation recomputes the authoritative sum from durable rows
// inside tx and applies the decision: status move, shortfall supersede plus
// recreate, and per-slip overage obligations.
func applyReconciliation(ctx context.Context, tx *gorm.DB, order *models.Order, result *SubmitEvidenceResult) error {
	passed, err := passedSlipAmounts(tx, order.BusinessId, order.ID)
	if err != nil {
		return err
	}
	decision := Reconcile(order.Status, order.ExpectedAmount, passed)
	result.TotalVerified = decision.Sum
	if err := tx.Model(&models.Order{}).
		Where("id = ? AND business_id = ?", order.ID, order.BusinessId).
		Update("verified_sum", decision.Sum).Error; err != nil {
		return err
	}
	order.VerifiedSum = decision.Sum

	if err := models.SupersedePendingShortfall(ctx, tx, order.BusinessId, order.ID); err != nil {
		return err
	}
	if decision.Shortfall != nil {
		if _, err := models.CreateRefund(ctx, tx, order.BusinessId, order.ID, nil, models.RefundKindShortfall, *decision.Shortfall); err != nil {
			return err
		}
	}
	for _, overage := range decision.Overages {
		exists, err := models.HasPendingOverageForSlip(tx, order.BusinessId, overage.SlipId)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		slipId := overage.SlipId
		if _, err := models.CreateRefund(ctx, tx, order.BusinessId, order.ID, &slipId, models.RefundKindOverage, overage.Amount); err != nil {
			return err
		}
	}

	if decision.NextStatus != order.Status {
		if err := models.ChangeOrderStatus(ctx, tx, order, decision.NextStatus); err != nil {
			return err
		}
	}
	result.OrderStatus = order.Status
	return nil
}

func passedSlipAmounts(tx *gorm.DB, businessId string, orderId int) ([]SlipAmount, error) {
	var slips []models.Slip
	err := tx.Where("business_id = ? AND order_id = ? AND is_deleted = false AND validation_status = ?",
		businessId, orderId, models.SlipValidationStatusPassed).
		Order("id ASC").
		Find(&slips).Error
	if err != nil {
		return nil, err
	}
	amounts := make([]SlipAmount, 0, len(slips))
	for _, slip := range slips {
		amounts = append(amounts, SlipAmount{SlipId: slip.ID, Amount: slip.VerifiedAmount})
	}
	return amounts, nil
}

type RemoveEvidenceInput struct {
	OrderId int    `json:"order_id" binding:"required"`
	SlipId  int    `json:"slip_id" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// RemoveEvidence soft-deletes a slip, frees its image reference for reuse and
// re-runs reconciliation. An order already past review keeps its evidence.
func RemoveEvidence(ctx context.Context, input RemoveEvidenceInput) (*SubmitEvidenceResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	release, err := utils.OrderLock(ctx, businessId, input.OrderId, "workflow", "RemoveEvidence")
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
	if err := AcquireOrderPostingLock(tx, businessId, input.OrderId); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseOrderPostingLock(tx, businessId, input.OrderId)

	order, err := models.GetOrderForUpdate(ctx, tx, businessId, input.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	switch order.Status {
	case models.OrderStatusDraft, models.OrderStatusDataError, models.OrderStatusAwaitingReview:
	default:
		tx.Rollback()
		return nil, fmt.Errorf("%w: order %s is %s, evidence can no longer be removed", utils.ErrorConflict, order.BillNumber, order.Status)
	}

	slip, err := models.GetSlipForUpdate(tx, businessId, input.SlipId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if slip.OrderId != order.ID {
		tx.Rollback()
		return nil, utils.ErrorRecordNotFound
	}
	if slip.IsDeleted {
		tx.Rollback()
		return nil, fmt.Errorf("%w: slip %d is already removed", utils.ErrorConflict, slip.ID)
	}
	if err := models.SoftDeleteSlip(ctx, tx, slip, input.Reason); err != nil {
		tx.Rollback()
		return nil, err
	}

	result := SubmitEvidenceResult{ExpectedAmount: order.ExpectedAmount}
	// Dropping below the expected amount sends a reviewed order back for
	// correction before the shortfall obligation is written.
	if order.Status == models.OrderStatusAwaitingReview {
		sum, err := models.SumVerifiedSlips(tx, businessId, order.ID)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if order.ExpectedAmount.Sub(sum).GreaterThan(utils.AmountEpsilon) {
			if err := models.ChangeOrderStatus(ctx, tx, order, models.OrderStatusDataError); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}
	if err := applyReconciliation(ctx, tx, order, &result); err != nil {
		tx.Rollback()
		return nil, err
	}
	ReleaseOrderPostingLock(tx, businessId, input.OrderId)
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &result, nil
}
