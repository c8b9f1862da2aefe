package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"gorm.io/gorm"
)

// ChannelNumberPrefix maps a sales channel to the short code used in bill
// numbers, e.g. channel "facebook" -> "FB" gives FB2608-0001 in Aug 2026.
type ChannelNumberPrefix struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_channel_prefix,unique" json:"business_id"`
	Channel    string    `gorm:"size:30;not null;index:uniq_channel_prefix,unique" json:"channel"`
	Prefix     string    `gorm:"size:6;not null" json:"prefix"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BillNumberSequence holds one counter per (business, prefix, yymm). The row
// is incremented under FOR UPDATE so concurrent order creation never reuses
// a number.
type BillNumberSequence struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"size:64;not null;index:uniq_bill_seq,unique" json:"business_id"`
	Prefix     string    `gorm:"size:6;not null;index:uniq_bill_seq,unique" json:"prefix"`
	YearMonth  string    `gorm:"size:4;not null;index:uniq_bill_seq,unique" json:"year_month"`
	LastNumber int       `gorm:"not null;default:0" json:"last_number"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func channelPrefixCacheKey(businessId string) string {
	return fmt.Sprintf("%s_channel_prefixes", businessId)
}

func channelPrefixFor(db *gorm.DB, businessId string, channel string) (string, error) {
	cacheKey := channelPrefixCacheKey(businessId)
	prefixes := map[string]string{}
	if found, err := config.GetRedisObject(cacheKey, &prefixes); err == nil && found {
		if prefix, ok := prefixes[channel]; ok {
			return prefix, nil
		}
	}

	var rows []ChannelNumberPrefix
	if err := db.Where("business_id = ?", businessId).Find(&rows).Error; err != nil {
		return "", err
	}
	prefixes = map[string]string{}
	for _, row := range rows {
		prefixes[row.Channel] = row.Prefix
	}
	_ = config.SetRedisObject(cacheKey, prefixes, 24*time.Hour)

	if prefix, ok := prefixes[channel]; ok {
		return prefix, nil
	}
	// Unregistered channels fall back to the first two letters.
	fallback := strings.ToUpper(channel)
	if len(fallback) > 2 {
		fallback = fallback[:2]
	}
	if fallback == "" {
		return "", fmt.Errorf("cannot derive bill number prefix for channel %q", channel)
	}
	return fallback, nil
}

// NextBillNumber allocates the next number in the channel's monthly series
// inside the caller's transaction. Format: <PREFIX><YYMM>-<NNNN>.
func NextBillNumber(tx *gorm.DB, businessId string, channel string, now time.Time) (string, error) {
	prefix, err := channelPrefixFor(tx, businessId, channel)
	if err != nil {
		return "", err
	}
	yearMonth := now.Format("0601")

	var seq BillNumberSequence
	err = tx.Clauses(forUpdateClause()).
		Where("business_id = ? AND prefix = ? AND year_month = ?", businessId, prefix, yearMonth).
		First(&seq).Error
	if err == gorm.ErrRecordNotFound {
		seq = BillNumberSequence{
			BusinessId: businessId,
			Prefix:     prefix,
			YearMonth:  yearMonth,
			LastNumber: 0,
		}
		if err := tx.Create(&seq).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				// Lost the race creating the counter row: lock the winner's.
				if err := tx.Clauses(forUpdateClause()).
					Where("business_id = ? AND prefix = ? AND year_month = ?", businessId, prefix, yearMonth).
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
	if err := tx.Model(&BillNumberSequence{}).Where("id = ?", seq.ID).
		Update("last_number", seq.LastNumber).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%s-%04d", prefix, yearMonth, seq.LastNumber), nil
}

type NewChannelNumberPrefix struct {
	Channel string `json:"channel" binding:"required"`
	Prefix  string `json:"prefix" binding:"required,max=6"`
}

func UpsertChannelNumberPrefix(ctx context.Context, input NewChannelNumberPrefix) (*ChannelNumberPrefix, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	input.Prefix = strings.ToUpper(strings.TrimSpace(input.Prefix))
	if input.Prefix == "" {
		return nil, fmt.Errorf("prefix cannot be blank")
	}

	var row ChannelNumberPrefix
	err := db.WithContext(ctx).
		Where("business_id = ? AND channel = ?", businessId, input.Channel).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		row = ChannelNumberPrefix{BusinessId: businessId, Channel: input.Channel, Prefix: input.Prefix}
		err = db.WithContext(ctx).Create(&row).Error
	} else if err == nil {
		err = db.WithContext(ctx).Model(&row).Update("prefix", input.Prefix).Error
		row.Prefix = input.Prefix
	}
	if err != nil {
		return nil, err
	}
	_ = config.RemoveRedisKey(channelPrefixCacheKey(businessId))
	return &row, nil
}
