package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/orders_backend/config"
)

/* DB fetching */

// fetch model from db
// (ctx's business_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, businessId string, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// check a resource row exists for the business
// (may return RecordNotFound)
func ValidateResourceId[T any](ctx context.Context, businessId string, id int) error {
	db := config.GetDB()
	var count int64
	var model T
	if err := db.WithContext(ctx).Model(&model).
		Where("business_id = ? AND id = ?", businessId, id).Count(&count).Error; err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}
	return nil
}
