package service

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func save10() models.Coupon {
	return models.Coupon{
		Code:              "SAVE10",
		DiscountType:      models.DiscountTypePercentage,
		DiscountValue:     10,
		MinOrderValue:     50000,
		MaxDiscountAmount: 10000,
		UsageLimitTotal:   100,
		UsageLimitPerUser: 1,
		ValidFrom:         time.Now().Add(-time.Hour),
		ValidUntil:        time.Now().Add(time.Hour),
		IsActive:          true,
	}
}

func validateCoupon(t *testing.T, m *memStore, code string, userID, subtotal int64) (*models.Coupon, int64, error) {
	t.Helper()
	engine := NewCouponEngine()
	var coupon *models.Coupon
	var discount int64
	err := m.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		coupon, discount, err = engine.Validate(context.Background(), tx, code, userID, subtotal)
		return err
	})
	return coupon, discount, err
}

func TestPercentageDiscountIsCapped(t *testing.T) {
	m := newMemStore()
	m.addCoupon(save10())

	// 10% of 250000 is 25000, capped at 10000.
	_, discount, err := validateCoupon(t, m, "SAVE10", 1, 250000)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), discount)

	// Under the cap the raw percentage applies.
	_, discount, err = validateCoupon(t, m, "save10", 1, 60000)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), discount)
}

func TestFixedDiscountNeverExceedsSubtotal(t *testing.T) {
	m := newMemStore()
	m.addCoupon(models.Coupon{
		Code:          "FLAT150",
		DiscountType:  models.DiscountTypeFixed,
		DiscountValue: 15000,
		ValidFrom:     time.Now().Add(-time.Hour),
		ValidUntil:    time.Now().Add(time.Hour),
		IsActive:      true,
	})

	_, discount, err := validateCoupon(t, m, "FLAT150", 1, 12000)
	require.NoError(t, err)
	assert.Equal(t, int64(12000), discount)
}

func TestCouponRejections(t *testing.T) {
	expired := save10()
	expired.Code = "OLD10"
	expired.ValidUntil = time.Now().Add(-time.Minute)

	inactive := save10()
	inactive.Code = "OFF10"
	inactive.IsActive = false

	exhausted := save10()
	exhausted.Code = "GONE10"
	exhausted.UsageLimitTotal = 5
	exhausted.TimesUsed = 5

	m := newMemStore()
	m.addCoupon(save10())
	m.addCoupon(expired)
	m.addCoupon(inactive)
	m.addCoupon(exhausted)

	cases := []struct {
		name     string
		code     string
		subtotal int64
		wantCode string
	}{
		{"unknown code", "NOPE", 100000, models.CodeCouponNotFound},
		{"outside validity window", "OLD10", 100000, models.CodeCouponExpired},
		{"inactive", "OFF10", 100000, models.CodeCouponInactive},
		{"below minimum order", "SAVE10", 49999, models.CodeCouponMinOrder},
		{"global limit reached", "GONE10", 100000, models.CodeCouponLimitTotal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := validateCoupon(t, m, tc.code, 1, tc.subtotal)
			require.Error(t, err)
			appErr, ok := models.AsAppError(err)
			require.True(t, ok)
			assert.Equal(t, tc.wantCode, appErr.Code)
		})
	}
}

func TestPerUserLimitAndReversal(t *testing.T) {
	m := newMemStore()
	m.addCoupon(save10())
	engine := NewCouponEngine()
	ctx := context.Background()

	// First use consumes the per-user allowance.
	require.NoError(t, m.WithTx(ctx, func(tx store.Tx) error {
		coupon, discount, err := engine.Validate(ctx, tx, "SAVE10", 1, 100000)
		if err != nil {
			return err
		}
		return engine.RecordUsage(ctx, tx, coupon, 1, 11, discount)
	}))
	coupon, err := m.GetCouponByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, coupon.TimesUsed)

	// Second use by the same user is rejected; another user is fine.
	_, _, err = validateCoupon(t, m, "SAVE10", 1, 100000)
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeCouponLimitPerUser, appErr.Code)

	_, _, err = validateCoupon(t, m, "SAVE10", 2, 100000)
	assert.NoError(t, err)

	// Reversal returns the use on both sides of the ledger.
	require.NoError(t, m.WithTx(ctx, func(tx store.Tx) error {
		return engine.Reverse(ctx, tx, 11)
	}))
	coupon, err = m.GetCouponByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 0, coupon.TimesUsed)

	_, _, err = validateCoupon(t, m, "SAVE10", 1, 100000)
	assert.NoError(t, err)

	// Reversing again changes nothing.
	require.NoError(t, m.WithTx(ctx, func(tx store.Tx) error {
		return engine.Reverse(ctx, tx, 11)
	}))
	coupon, err = m.GetCouponByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 0, coupon.TimesUsed)
}
