package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CouponEngine validates coupons and computes discounts. Usage accounting is
// two-sided: the coupon's global times_used counter plus one coupon_usages
// row per application, both written in the order's transaction so a rolled
// back checkout never consumes a use.
type CouponEngine struct {
	logger *zap.Logger
}

// NewCouponEngine creates a new coupon engine
func NewCouponEngine() *CouponEngine {
	return &CouponEngine{logger: util.GetLogger()}
}

// Preview validates a coupon against a subtotal without consuming a use.
// Reads are unlocked, so the answer is advisory; checkout re-validates under
// the coupon row lock.
func (e *CouponEngine) Preview(ctx context.Context, tx store.Tx, code string, userID, subtotal int64) (*models.Coupon, int64, error) {
	coupon, err := tx.GetCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, 0, models.NotFoundError(models.CodeCouponNotFound, "coupon not found")
		}
		return nil, 0, err
	}
	discount, err := e.validate(ctx, tx, coupon, userID, subtotal)
	if err != nil {
		return nil, 0, err
	}
	return coupon, discount, nil
}

// Validate locks the coupon row and validates it for a checkout. The lock is
// held until the order's transaction commits, serializing the usage counter.
func (e *CouponEngine) Validate(ctx context.Context, tx store.Tx, code string, userID, subtotal int64) (*models.Coupon, int64, error) {
	coupon, err := tx.GetCouponByCodeForUpdate(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.CouponsRejectedTotal.WithLabelValues("not_found").Inc()
			return nil, 0, models.NotFoundError(models.CodeCouponNotFound, "coupon not found")
		}
		return nil, 0, err
	}
	discount, err := e.validate(ctx, tx, coupon, userID, subtotal)
	if err != nil {
		return nil, 0, err
	}
	return coupon, discount, nil
}

func (e *CouponEngine) validate(ctx context.Context, tx store.Tx, coupon *models.Coupon, userID, subtotal int64) (int64, error) {
	now := time.Now()

	if !coupon.IsActive {
		util.CouponsRejectedTotal.WithLabelValues("inactive").Inc()
		return 0, models.BusinessRuleError(models.CodeCouponInactive, "coupon is not active")
	}
	if now.Before(coupon.ValidFrom) || now.After(coupon.ValidUntil) {
		util.CouponsRejectedTotal.WithLabelValues("outside_window").Inc()
		return 0, models.BusinessRuleError(models.CodeCouponExpired, "coupon is not valid at this time")
	}
	if subtotal < coupon.MinOrderValue {
		util.CouponsRejectedTotal.WithLabelValues("min_order").Inc()
		return 0, models.BusinessRuleError(models.CodeCouponMinOrder,
			fmt.Sprintf("order subtotal below coupon minimum of %d", coupon.MinOrderValue))
	}
	if coupon.UsageLimitTotal > 0 && coupon.TimesUsed >= coupon.UsageLimitTotal {
		util.CouponsRejectedTotal.WithLabelValues("limit_total").Inc()
		return 0, models.BusinessRuleError(models.CodeCouponLimitTotal, "coupon usage limit reached")
	}
	if coupon.UsageLimitPerUser > 0 {
		used, err := tx.CountUserCouponUsages(ctx, coupon.ID, userID)
		if err != nil {
			return 0, err
		}
		if used >= coupon.UsageLimitPerUser {
			util.CouponsRejectedTotal.WithLabelValues("limit_per_user").Inc()
			return 0, models.BusinessRuleError(models.CodeCouponLimitPerUser, "coupon already used the maximum number of times")
		}
	}

	return e.discount(coupon, subtotal), nil
}

// discount computes the discount in minor units, never exceeding subtotal.
func (e *CouponEngine) discount(coupon *models.Coupon, subtotal int64) int64 {
	var d int64
	switch coupon.DiscountType {
	case models.DiscountTypePercentage:
		d = subtotal * coupon.DiscountValue / 100
		if coupon.MaxDiscountAmount > 0 && d > coupon.MaxDiscountAmount {
			d = coupon.MaxDiscountAmount
		}
	case models.DiscountTypeFixed:
		d = coupon.DiscountValue
	}
	if d > subtotal {
		d = subtotal
	}
	return d
}

// RecordUsage consumes one use for a placed order.
func (e *CouponEngine) RecordUsage(ctx context.Context, tx store.Tx, coupon *models.Coupon, userID, orderID, discount int64) error {
	if err := tx.AddCouponTimesUsed(ctx, coupon.ID, 1); err != nil {
		return err
	}
	usage := &models.CouponUsage{
		CouponID:        coupon.ID,
		UserID:          userID,
		OrderID:         &orderID,
		DiscountApplied: discount,
	}
	if err := tx.InsertCouponUsage(ctx, usage); err != nil {
		return err
	}
	util.CouponsAppliedTotal.Inc()
	return nil
}

// Reverse returns the order's coupon use on cancellation. A second reversal
// for the same order is a silent no-op.
func (e *CouponEngine) Reverse(ctx context.Context, tx store.Tx, orderID int64) error {
	usage, err := tx.CouponUsageByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	if err := tx.ReverseCouponUsage(ctx, usage.ID); err != nil {
		return err
	}
	if err := tx.AddCouponTimesUsed(ctx, usage.CouponID, -1); err != nil {
		return err
	}

	util.CouponsReversedTotal.Inc()
	e.logger.Info("Coupon usage reversed",
		zap.Int64("order_id", orderID),
		zap.Int64("coupon_id", usage.CouponID))
	return nil
}
