package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAlreadyDecided = errors.New("record has already been decided")

type ManualCheckResult struct {
	CheckId     int                    `json:"check_id"`
	Matches     []ManualDuplicateMatch `json:"matches,omitempty"`
	OrderStatus models.OrderStatus     `json:"order_status"`
}

// SubmitManualCheck records hand-entered transfer details and reports every
// duplicate clash against the verified evidence store and other manual
// checks. Matches never block the submission; the reviewer decides.
func SubmitManualCheck(ctx context.Context, input models.NewManualSlipCheck) (*ManualCheckResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	transferAt, err := utils.ParseBankLocalMinute(input.TransferDate, input.TransferTime)
	if err != nil {
		return nil, err
	}
	if !input.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
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

	check := models.ManualSlipCheck{
		BusinessId:    businessId,
		OrderId:       order.ID,
		SlipId:        input.SlipId,
		TransferDate:  input.TransferDate,
		TransferTime:  input.TransferTime,
		TransferAt:    transferAt,
		Amount:        input.Amount,
		BankReference: input.BankReference,
		Notes:         input.Notes,
		Status:        models.ManualCheckStatusPending,
		SubmittedBy:   userName,
	}
	if err := tx.Create(&check).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.PublishOrderEvent(ctx, tx, businessId, order.ID, check.ID, models.OrderEventReferenceTypeManualCheck, models.OrderEventActionCreate, nil, &check); err != nil {
		tx.Rollback()
		return nil, err
	}

	matches, err := manualMatchesFor(tx, businessId, check.ID, transferAt, check)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &ManualCheckResult{CheckId: check.ID, Matches: matches, OrderStatus: order.Status}, nil
}

// EditManualCheck corrects the triple while the check is still pending and
// re-runs only the duplicate-match query, not the whole reconciliation.
func EditManualCheck(ctx context.Context, checkId int, input models.EditManualSlipCheck) (*ManualCheckResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	transferAt, err := utils.ParseBankLocalMinute(input.TransferDate, input.TransferTime)
	if err != nil {
		return nil, err
	}
	if !input.Amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var check models.ManualSlipCheck
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND business_id = ?", checkId, businessId).
		First(&check).Error; err != nil {
		tx.Rollback()
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if check.Status != models.ManualCheckStatusPending {
		tx.Rollback()
		return nil, fmt.Errorf("%w: manual check %d is %s", ErrAlreadyDecided, check.ID, check.Status)
	}

	oldCheck := check
	check.TransferDate = input.TransferDate
	check.TransferTime = input.TransferTime
	check.TransferAt = transferAt
	check.Amount = input.Amount
	check.BankReference = input.BankReference
	check.Notes = input.Notes
	if err := tx.Model(&models.ManualSlipCheck{}).Where("id = ?", check.ID).Updates(map[string]interface{}{
		"transfer_date":  check.TransferDate,
		"transfer_time":  check.TransferTime,
		"transfer_at":    check.TransferAt,
		"amount":         check.Amount,
		"bank_reference": check.BankReference,
		"notes":          check.Notes,
	}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := models.PublishOrderEvent(ctx, tx, businessId, check.OrderId, check.ID, models.OrderEventReferenceTypeManualCheck, models.OrderEventActionUpdate, &oldCheck, &check); err != nil {
		tx.Rollback()
		return nil, err
	}

	matches, err := manualMatchesFor(tx, businessId, check.ID, transferAt, check)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &ManualCheckResult{CheckId: check.ID, Matches: matches}, nil
}

// DecideManualCheck finalizes the check. Approval forces the order to
// Verified regardless of where reconciliation left it, since a human has
// vouched for the transfer; rejection forces Rejected. The pending guard is a
// conditional update so two reviewers cannot both decide.
func DecideManualCheck(ctx context.Context, checkId int, outcome models.DecisionOutcome, rejectReason string) (*ManualCheckResult, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := requireDecisionRole(ctx); err != nil {
		return nil, err
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	check, err := models.GetManualCheck(ctx, checkId)
	if err != nil {
		return nil, err
	}

	release, err := utils.OrderLock(ctx, businessId, check.OrderId, "workflow", "DecideManualCheck")
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
	if err := AcquireOrderPostingLock(tx, businessId, check.OrderId); err != nil {
		tx.Rollback()
		return nil, err
	}
	defer ReleaseOrderPostingLock(tx, businessId, check.OrderId)

	order, err := models.GetOrderForUpdate(ctx, tx, businessId, check.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	now := time.Now().UTC()
	newStatus := models.ManualCheckStatusApproved
	if outcome == models.DecisionOutcomeReject {
		newStatus = models.ManualCheckStatusRejected
	}
	updates := map[string]interface{}{
		"status":      newStatus,
		"reviewed_by": userName,
		"reviewed_at": now,
	}
	if outcome == models.DecisionOutcomeReject {
		updates["reject_reason"] = rejectReason
	}
	claim := tx.Model(&models.ManualSlipCheck{}).
		Where("id = ? AND business_id = ? AND status = ?", checkId, businessId, models.ManualCheckStatusPending).
		Updates(updates)
	if claim.Error != nil {
		tx.Rollback()
		return nil, claim.Error
	}
	if claim.RowsAffected == 0 {
		tx.Rollback()
		return nil, fmt.Errorf("%w: manual check %d", ErrAlreadyDecided, checkId)
	}

	oldCheck := *check
	check.Status = newStatus
	check.ReviewedBy = userName
	check.ReviewedAt = &now
	check.RejectReason = rejectReason
	if err := models.PublishOrderEvent(ctx, tx, businessId, order.ID, check.ID, models.OrderEventReferenceTypeManualCheck, models.OrderEventActionUpdate, &oldCheck, check); err != nil {
		tx.Rollback()
		return nil, err
	}

	targetStatus := models.OrderStatusVerified
	if outcome == models.DecisionOutcomeReject {
		targetStatus = models.OrderStatusRejected
	}
	if err := models.ForceOrderStatus(ctx, tx, order, targetStatus); err != nil {
		tx.Rollback()
		return nil, err
	}
	// RELEASE_LOCK is connection-scoped, so it must run on tx before commit.
	ReleaseOrderPostingLock(tx, businessId, check.OrderId)
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &ManualCheckResult{CheckId: check.ID, OrderStatus: order.Status}, nil
}

func manualMatchesFor(tx *gorm.DB, businessId string, checkId int, transferAt time.Time, check models.ManualSlipCheck) ([]ManualDuplicateMatch, error) {
	slips, err := models.FindSlipDuplicateCandidates(tx, businessId, transferAt)
	if err != nil {
		return nil, err
	}
	others, err := models.FindManualDuplicateCandidates(tx, businessId, transferAt, checkId)
	if err != nil {
		return nil, err
	}
	candidates := make([]DuplicateCandidate, 0, len(slips)+len(others))
	for _, slip := range slips {
		if slip.TransferredAt == nil {
			continue
		}
		candidates = append(candidates, DuplicateCandidate{
			SourceType: DuplicateSourceSlip,
			SourceId:   slip.ID,
			OrderId:    slip.OrderId,
			TransferAt: *slip.TransferredAt,
			Amount:     slip.VerifiedAmount,
		})
	}
	for _, other := range others {
		candidates = append(candidates, DuplicateCandidate{
			SourceType: DuplicateSourceManualCheck,
			SourceId:   other.ID,
			OrderId:    other.OrderId,
			TransferAt: other.TransferAt,
			Amount:     other.Amount,
		})
	}
	return ManualTripleMatches(check.TransferAt, check.Amount, candidates), nil
}

func requireDecisionRole(ctx context.Context) error {
	role, ok := utils.GetUserRoleFromContext(ctx)
	if !ok || !models.UserRole(role).CanDecide() {
		return fmt.Errorf("%w: role %q cannot approve or reject", utils.ErrorConflict, role)
	}
	return nil
}
