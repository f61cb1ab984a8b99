package store

import (
	"context"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCouponByCode fetches a coupon by code, case-insensitively.
func (q *queries) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := sqlx.GetContext(ctx, q.ext, &coupon,
		"SELECT * FROM coupons WHERE UPPER(code) = UPPER($1)", code)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &coupon, nil
}

// GetCouponByCodeForUpdate locks the coupon row so concurrent checkouts
// serialize on the usage counter.
func (q *queries) GetCouponByCodeForUpdate(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := sqlx.GetContext(ctx, q.ext, &coupon,
		"SELECT * FROM coupons WHERE UPPER(code) = UPPER($1) FOR UPDATE", code)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &coupon, nil
}

// GetCouponByID fetches a coupon by id
func (q *queries) GetCouponByID(ctx context.Context, id int64) (*models.Coupon, error) {
	var coupon models.Coupon
	err := sqlx.GetContext(ctx, q.ext, &coupon, "SELECT * FROM coupons WHERE id = $1", id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &coupon, nil
}

// CountUserCouponUsages counts the user's non-reversed usages of a coupon.
func (q *queries) CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q.ext, &count,
		"SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2 AND is_reversed = FALSE",
		couponID, userID)
	return count, err
}

// AddCouponTimesUsed applies a signed delta to the global usage counter.
func (q *queries) AddCouponTimesUsed(ctx context.Context, couponID int64, delta int) error {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE coupons SET times_used = times_used + $1, updated_at = NOW() WHERE id = $2",
		delta, couponID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertCouponUsage records one application of a coupon
func (q *queries) InsertCouponUsage(ctx context.Context, usage *models.CouponUsage) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO coupon_usages (coupon_id, user_id, order_id, discount_applied)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, used_at`,
		usage.CouponID, usage.UserID, usage.OrderID, usage.DiscountApplied)
	return row.Scan(&usage.ID, &usage.UsedAt)
}

// CouponUsageByOrder returns the non-reversed usage attached to an order.
func (q *queries) CouponUsageByOrder(ctx context.Context, orderID int64) (*models.CouponUsage, error) {
	var usage models.CouponUsage
	err := sqlx.GetContext(ctx, q.ext, &usage,
		"SELECT * FROM coupon_usages WHERE order_id = $1 AND is_reversed = FALSE", orderID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &usage, nil
}

// ReverseCouponUsage marks a usage as reversed; reversing twice is a no-op
// at this layer, callers guard with CouponUsageByOrder first.
func (q *queries) ReverseCouponUsage(ctx context.Context, usageID int64) error {
	_, err := q.ext.ExecContext(ctx,
		"UPDATE coupon_usages SET is_reversed = TRUE, reversed_at = NOW() WHERE id = $1 AND is_reversed = FALSE",
		usageID)
	return err
}
