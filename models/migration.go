package models

import (
	"bitbucket.org/mmdatafocus/orders_backend/config"
)

// MigrateTable runs gorm auto-migration for every table the service owns.
func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&User{},
		&Order{},
		&OrderItem{},
		&ChannelNumberPrefix{},
		&BillNumberSequence{},
		&Slip{},
		&ManualSlipCheck{},
		&Refund{},
		&OrderAmendment{},
		&AmendmentNumberSequence{},
		&OrderEventRecord{},
		&IdempotencyKey{},
	)
}
