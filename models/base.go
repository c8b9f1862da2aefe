package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func forUpdateClause() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// OrderEventRecord implements the transactional outbox for status-change
// notifications: the row is written inside the caller's DB transaction but
// NOT published to Pub/Sub. Publishing is performed asynchronously by the
// outbox dispatcher after commit.
type OrderEventRecord struct {
	ID            int                     `gorm:"primary_key;index:idx_event_dispatch,priority:3" json:"id"`
	BusinessId    string                  `gorm:"size:64;not null;index" json:"business_id"`
	OccurredAt    time.Time               `gorm:"index;not null" json:"occurred_at"`
	OrderId       int                     `gorm:"index;not null" json:"order_id"`
	ReferenceId   int                     `json:"reference_id"`
	ReferenceType OrderEventReferenceType `gorm:"type:enum('ORD','SLP','MSC','RFD','AMD')" json:"reference_type"`
	Action        OrderEventAction        `gorm:"type:enum('C','U','D')" json:"action"`
	OldObj        []byte                  `gorm:"type:blob" json:"old_obj"`
	NewObj        []byte                  `gorm:"type:blob" json:"new_obj"`
	ActorUserId   int                     `gorm:"index" json:"actor_user_id,omitempty"`

	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_event_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_event_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishOrderEvent writes the outbox row for a lifecycle change within tx.
func PublishOrderEvent(ctx context.Context, tx *gorm.DB, businessId string, orderId int, refId int, refType OrderEventReferenceType, action OrderEventAction, oldObj interface{}, newObj interface{}) error {
	var oldInByte, newInByte []byte
	var err error

	if oldObj != nil {
		oldInByte, err = json.Marshal(oldObj)
		if err != nil {
			return err
		}
	}
	if newObj != nil {
		newInByte, err = json.Marshal(newObj)
		if err != nil {
			return err
		}
	}

	record := OrderEventRecord{
		BusinessId:    businessId,
		OccurredAt:    time.Now().UTC(),
		OrderId:       orderId,
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		OldObj:        oldInByte,
		NewObj:        newInByte,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		ActorUserId:   actorUserIdFromContext(ctx),
	}
	return tx.Create(&record).Error
}

func actorUserIdFromContext(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	id, _ := utils.GetUserIdFromContext(ctx)
	return id
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// IsDuplicateKeyErr reports a MySQL unique-constraint violation (1062).
// Conditional writes (active evidence keys, pending amendment keys,
// idempotency keys) rely on this rather than read-then-write checks.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// StringList stores an ordered list of strings as JSON text.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
}

type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	BusinessId  string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"business_id"`
	HandlerName string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	MessageId   string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"message_id"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
