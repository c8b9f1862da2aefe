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

// Order is the lifecycle aggregate. ExpectedAmount is the payment target the
// evidence must reconcile against; VerifiedSum is a cached mirror of the
// durable slip rows and is always recomputed inside the same transaction that
// mutates evidence.
type Order struct {
	ID              int             `gorm:"primary_key" json:"id"`
	BusinessId      string          `gorm:"size:64;not null;index" json:"business_id"`
	BillNumber      string          `gorm:"size:40;not null;index:uniq_bill_number,unique" json:"bill_number"`
	Channel         string          `gorm:"size:30;not null;index" json:"channel"`
	CustomerName    string          `gorm:"size:255" json:"customer_name"`
	CustomerPhone   string          `gorm:"size:30" json:"customer_phone"`
	ShippingAddress string          `gorm:"type:text" json:"shipping_address"`
	Status          OrderStatus     `gorm:"size:30;not null;index" json:"status"`
	ExpectedAmount  decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"expected_amount"`
	VerifiedSum     decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"verified_sum"`
	Notes           string          `gorm:"type:text" json:"notes"`
	CreatedBy       string          `gorm:"size:100" json:"created_by"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderId" json:"items"`
}

type OrderItem struct {
	ID         int             `gorm:"primary_key" json:"id"`
	BusinessId string          `gorm:"size:64;not null;index" json:"business_id"`
	OrderId    int             `gorm:"not null;index" json:"order_id"`
	Sku        string          `gorm:"size:60;not null" json:"sku"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Qty        int             `gorm:"not null" json:"qty"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"unit_price"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrderItem struct {
	Sku       string          `json:"sku" binding:"required"`
	Name      string          `json:"name" binding:"required"`
	Qty       int             `json:"qty" binding:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" binding:"required"`
}

type NewOrder struct {
	Channel         string          `json:"channel" binding:"required"`
	CustomerName    string          `json:"customer_name"`
	CustomerPhone   string          `json:"customer_phone"`
	ShippingAddress string          `json:"shipping_address"`
	ExpectedAmount  decimal.Decimal `json:"expected_amount" binding:"required"`
	Notes           string          `json:"notes"`
	Items           []NewOrderItem  `json:"items" binding:"required,min=1,dive"`
}

func (input *NewOrder) validate() error {
	if input.ExpectedAmount.IsNegative() || input.ExpectedAmount.IsZero() {
		return fmt.Errorf("expected amount must be positive")
	}
	for _, item := range input.Items {
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("unit price cannot be negative for sku %s", item.Sku)
		}
	}
	return nil
}

// statusTransitions is the single authority for lifecycle moves. A transition
// absent from this table is rejected; ForceOrderStatus bypasses it only for
// manual check decisions and reopen. Verified is never entered from Draft or
// DataError directly, only through AwaitingReview or a manual-check approval.
var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:          {OrderStatusAwaitingReview, OrderStatusRejected, OrderStatusDataError, OrderStatusCancelled},
	OrderStatusAwaitingReview: {OrderStatusVerified, OrderStatusRejected, OrderStatusDataError, OrderStatusCancelled},
	OrderStatusVerified:       {OrderStatusPreparing, OrderStatusCancelled},
	OrderStatusRejected:       {OrderStatusDraft, OrderStatusCancelled},
	OrderStatusDataError:      {OrderStatusDraft, OrderStatusAwaitingReview, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusPreparing:      {OrderStatusPacked, OrderStatusCancelled},
	OrderStatusPacked:         {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:        {},
	OrderStatusCancelled:      {},
}

func CanTransition(from, to OrderStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChangeOrderStatus moves the order along the lifecycle table inside tx and
// writes the outbox event. The caller must already hold the order posting
// lock and have loaded the row FOR UPDATE.
func ChangeOrderStatus(ctx context.Context, tx *gorm.DB, order *Order, to OrderStatus) error {
	if order.Status == to {
		return nil
	}
	if !CanTransition(order.Status, to) {
		return fmt.Errorf("%w: cannot move order %s from %s to %s", utils.ErrorConflict, order.BillNumber, order.Status, to)
	}
	return applyStatus(ctx, tx, order, to)
}

// ForceOrderStatus sets the status without consulting the transition table.
// Manual check decisions and accounting reopens are the only callers.
func ForceOrderStatus(ctx context.Context, tx *gorm.DB, order *Order, to OrderStatus) error {
	if order.Status == to {
		return nil
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("%w: order %s is %s and cannot change", utils.ErrorConflict, order.BillNumber, order.Status)
	}
	return applyStatus(ctx, tx, order, to)
}

func applyStatus(ctx context.Context, tx *gorm.DB, order *Order, to OrderStatus) error {
	oldOrder := *order
	result := tx.Model(&Order{}).
		Where("id = ? AND business_id = ? AND status = ?", order.ID, order.BusinessId, order.Status).
		Update("status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: order %d status changed concurrently", utils.ErrorConflict, order.ID)
	}
	order.Status = to
	return PublishOrderEvent(ctx, tx, order.BusinessId, order.ID, order.ID, OrderEventReferenceTypeOrder, OrderEventActionUpdate, &oldOrder, order)
}

func CreateOrder(ctx context.Context, input NewOrder) (*Order, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	userName, _ := utils.GetUserNameFromContext(ctx)

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	billNumber, err := NextBillNumber(tx, businessId, input.Channel, time.Now().UTC())
	if err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "CreateOrder", "generate bill number", input, err)
		return nil, err
	}

	order := Order{
		BusinessId:      businessId,
		BillNumber:      billNumber,
		Channel:         input.Channel,
		CustomerName:    input.CustomerName,
		CustomerPhone:   input.CustomerPhone,
		ShippingAddress: input.ShippingAddress,
		Status:          OrderStatusDraft,
		ExpectedAmount:  input.ExpectedAmount,
		VerifiedSum:     decimal.Zero,
		Notes:           input.Notes,
		CreatedBy:       userName,
	}
	for _, item := range input.Items {
		order.Items = append(order.Items, OrderItem{
			BusinessId: businessId,
			Sku:        item.Sku,
			Name:       item.Name,
			Qty:        item.Qty,
			UnitPrice:  item.UnitPrice,
		})
	}
	if err := tx.Create(&order).Error; err != nil {
		tx.Rollback()
		config.LogError(logger, "models", "CreateOrder", "insert order", input, err)
		return nil, err
	}
	if err := PublishOrderEvent(ctx, tx, businessId, order.ID, order.ID, OrderEventReferenceTypeOrder, OrderEventActionCreate, nil, &order); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func GetOrder(ctx context.Context, id int) (*Order, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	var order Order
	err := db.WithContext(ctx).Preload("Items").
		Where("id = ? AND business_id = ?", id, businessId).
		First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetOrderForUpdate loads the row with a row lock inside tx.
func GetOrderForUpdate(ctx context.Context, tx *gorm.DB, businessId string, id int) (*Order, error) {
	var order Order
	err := tx.Clauses(forUpdateClause()).
		Where("id = ? AND business_id = ?", id, businessId).
		First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

type OrderListFilter struct {
	Status  string `form:"status"`
	Channel string `form:"channel"`
	Limit   int    `form:"limit"`
	Offset  int    `form:"offset"`
}

func ListOrders(ctx context.Context, filter OrderListFilter) ([]Order, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	query := db.WithContext(ctx).Where("business_id = ?", businessId)
	if filter.Status != "" {
		status, err := ParseOrderStatus(filter.Status)
		if err != nil {
			return nil, err
		}
		query = query.Where("status = ?", status)
	}
	if filter.Channel != "" {
		query = query.Where("channel = ?", filter.Channel)
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	var orders []Order
	err := query.Order("id DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&orders).Error
	return orders, err
}
