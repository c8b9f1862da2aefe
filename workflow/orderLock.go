package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireOrderPostingLock serializes reconciliation per order across instances
// using MySQL advisory locks.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB that will do the posting transaction.
func AcquireOrderPostingLock(tx *gorm.DB, businessId string, orderId int) error {
	lockName := fmt.Sprintf("order:%s:%d", businessId, orderId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for order_id=%d", orderId)
	}
	return nil
}

func ReleaseOrderPostingLock(tx *gorm.DB, businessId string, orderId int) {
	lockName := fmt.Sprintf("order:%s:%d", businessId, orderId)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
