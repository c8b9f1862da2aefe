package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// AmountEpsilon is the monetary tolerance used everywhere amounts are compared
// for equality. Two decimal places, so one cent absorbs provider rounding.
var AmountEpsilon = decimal.New(1, -2) // 0.01

// AmountsMatch reports whether two monetary amounts are equal within
// AmountEpsilon, regardless of sign of the difference.
func AmountsMatch(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(AmountEpsilon)
}

// BankLocalZone is the fixed offset the banking provider operates in.
// Timestamps are stored as UTC instants; this offset is applied only at the
// comparison boundary (duplicate matching of manual entries).
var BankLocalZone = time.FixedZone("UTC+7", 7*60*60)

// LocalMinute converts a UTC instant into the bank's fixed local offset and
// truncates it to the minute.
func LocalMinute(t time.Time) time.Time {
	lt := t.In(BankLocalZone)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), lt.Minute(), 0, 0, BankLocalZone)
}

// ParseBankLocalMinute parses a user-typed "2006-01-02" date and "15:04" time
// as a bank-local instant, returned in UTC.
func ParseBankLocalMinute(date string, clock string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(date)+" "+strings.TrimSpace(clock), BankLocalZone)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		errorResponse["request"] = err.Error()
		return errorResponse
	}
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}

// OrderLock obtains a short redis lock scoped to one order and fast-fails
// with ErrorConflict when another request holds it. Correctness does not
// depend on this lock (the MySQL advisory lock in workflow is authoritative);
// it exists to reject contending requests before they queue on the database.
func OrderLock(ctx context.Context, businessId string, orderId int, moduleName string, functionName string) (release func(), err error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", businessId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("order:%s:%d", businessId, orderId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain lock for order", lockKey, err)
		return nil, fmt.Errorf("%w: order is being processed by another request", ErrorConflict)
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining lock for order", lockKey, err)
		return nil, err
	}
	return func() {
		_ = lock.Release(ctx)
	}, nil
}
