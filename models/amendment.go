package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

// OrderAmendment is a gated request to change or cancel an order after it
// entered fulfillment. PendingKey holds "order-<id>" while the request is
// pending and is NULLed on decision; the unique index on it is what enforces
// at most one pending request per order under concurrency.
type OrderAmendment struct {
	ID           int                 `gorm:"primary_key" json:"id"`
	BusinessId   string              `gorm:"size:64;not null;index" json:"business_id"`
	OrderId      int                 `gorm:"not null;index" json:"order_id"`
	AmendmentNo  string              `gorm:"size:40;not null;index:uniq_amendment_no,unique" json:"amendment_no"`
	PendingKey   *string             `gorm:"size:60;index:uniq_pending_amendment,unique" json:"-"`
	ReasonType   AmendmentReasonType `gorm:"size:30;not null" json:"reason_type"`
	ReasonDetail string              `gorm:"size:500" json:"reason_detail"`
	ChangesJson  []byte              `gorm:"type:blob" json:"changes_json,omitempty"`
	ItemsBefore  []byte              `gorm:"type:blob" json:"items_before,omitempty"`
	ItemsAfter   []byte              `gorm:"type:blob" json:"items_after,omitempty"`
	IsCancel     bool                `gorm:"not null;default:false" json:"is_cancel"`
	Status       AmendmentStatus     `gorm:"size:20;not null;index" json:"status"`
	RequestedBy  string              `gorm:"size:100;not null" json:"requested_by"`
	DecidedBy    string              `gorm:"size:100" json:"decided_by,omitempty"`
	DecidedAt    *time.Time          `json:"decided_at,omitempty"`
	RejectReason string              `gorm:"size:255" json:"reject_reason,omitempty"`
	ExecutedAt   *time.Time          `json:"executed_at,omitempty"`
	ExecuteError *string             `gorm:"type:text" json:"execute_error,omitempty"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// AmendmentChanges is the field-level payload snapshot stored in ChangesJson.
type AmendmentChanges struct {
	CustomerName    *string        `json:"customer_name,omitempty"`
	CustomerPhone   *string        `json:"customer_phone,omitempty"`
	ShippingAddress *string        `json:"shipping_address,omitempty"`
	Notes           *string        `json:"notes,omitempty"`
	Items           []NewOrderItem `json:"items,omitempty"`
}

func (c AmendmentChanges) IsEmpty() bool {
	return c.CustomerName == nil && c.CustomerPhone == nil &&
		c.ShippingAddress == nil && c.Notes == nil && len(c.Items) == 0
}

type NewOrderAmendment struct {
	OrderId      int              `json:"order_id" binding:"required"`
	ReasonType   string           `json:"reason_type" binding:"required"`
	ReasonDetail string           `json:"reason_detail"`
	IsCancel     bool             `json:"is_cancel"`
	Changes      AmendmentChanges `json:"changes"`
}

func pendingKeyForOrder(orderId int) string {
	return fmt.Sprintf("order-%d", orderId)
}

// AmendmentNumberSequence holds one counter per order. Numbers come from the
// row under FOR UPDATE so a reject-then-resubmit in the same second still
// gets a fresh, strictly increasing amendment number.
type AmendmentNumberSequence struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_amendment_seq,unique" json:"business_id"`
	OrderId    int       `gorm:"not null;index:uniq_amendment_seq,unique" json:"order_id"`
	LastNumber int       `gorm:"not null;default:0" json:"last_number"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NextAmendmentNumber allocates the next number in the order's series inside
// the caller's transaction. Format: AMD-<bill_no>-<NN>.
func NextAmendmentNumber(tx *gorm.DB, businessId string, order *Order) (string, error) {
	var seq AmendmentNumberSequence
	err := tx.Clauses(forUpdateClause()).
		Where("business_id = ? AND order_id = ?", businessId, order.ID).
		First(&seq).Error
	if err == gorm.ErrRecordNotFound {
		seq = AmendmentNumberSequence{BusinessId: businessId, OrderId: order.ID, LastNumber: 0}
		if err := tx.Create(&seq).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				// Lost the race creating the counter row: lock the winner's.
				if err := tx.Clauses(forUpdateClause()).
					Where("business_id = ? AND order_id = ?", businessId, order.ID).
					First(&seq).Error; err != nil {
					return "", err
				}
			} else {
				return "", err
			}
		}
	} else if err != nil {
		return "", err
	}

	seq.LastNumber++
	if err := tx.Model(&AmendmentNumberSequence{}).Where("id = ?", seq.ID).
		Update("last_number", seq.LastNumber).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("AMD-%s-%02d", order.BillNumber, seq.LastNumber), nil
}

// InsertAmendment writes the pending row inside tx. A duplicate-key result on
// PendingKey means another pending request already exists for the order.
func InsertAmendment(ctx context.Context, tx *gorm.DB, businessId string, order *Order, input NewOrderAmendment, reasonType AmendmentReasonType) (*OrderAmendment, error) {
	userName, _ := utils.GetUserNameFromContext(ctx)

	itemsBefore, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}
	var changesJson, itemsAfter []byte
	if !input.IsCancel {
		changesJson, err = json.Marshal(input.Changes)
		if err != nil {
			return nil, err
		}
		if len(input.Changes.Items) > 0 {
			itemsAfter, err = json.Marshal(input.Changes.Items)
			if err != nil {
				return nil, err
			}
		}
	}

	amendmentNo, err := NextAmendmentNumber(tx, businessId, order)
	if err != nil {
		return nil, err
	}
	pendingKey := pendingKeyForOrder(order.ID)
	amendment := OrderAmendment{
		BusinessId:   businessId,
		OrderId:      order.ID,
		AmendmentNo:  amendmentNo,
		PendingKey:   &pendingKey,
		ReasonType:   reasonType,
		ReasonDetail: input.ReasonDetail,
		ChangesJson:  changesJson,
		ItemsBefore:  itemsBefore,
		ItemsAfter:   itemsAfter,
		IsCancel:     input.IsCancel,
		Status:       AmendmentStatusPending,
		RequestedBy:  userName,
	}
	if err := tx.Create(&amendment).Error; err != nil {
		return nil, err
	}
	if err := PublishOrderEvent(ctx, tx, businessId, order.ID, amendment.ID, OrderEventReferenceTypeAmendment, OrderEventActionCreate, nil, &amendment); err != nil {
		return nil, err
	}
	return &amendment, nil
}

func GetAmendment(ctx context.Context, id int) (*OrderAmendment, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[OrderAmendment](ctx, businessId, id)
}

func GetAmendmentForUpdate(tx *gorm.DB, businessId string, id int) (*OrderAmendment, error) {
	var amendment OrderAmendment
	err := tx.Clauses(forUpdateClause()).
		Where("id = ? AND business_id = ?", id, businessId).
		First(&amendment).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &amendment, nil
}

func ListAmendments(ctx context.Context, orderId int, status string, limit int, offset int) ([]OrderAmendment, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	query := db.WithContext(ctx).Where("business_id = ?", businessId)
	if orderId != 0 {
		query = query.Where("order_id = ?", orderId)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var amendments []OrderAmendment
	err := query.Order("id DESC").Limit(limit).Offset(offset).Find(&amendments).Error
	return amendments, err
}
