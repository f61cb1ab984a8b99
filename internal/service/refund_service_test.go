package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRefund walks a refund through approval and gateway processing to
// completion.
func runRefund(t *testing.T, f *fixture, refundID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.refunds.Approve(ctx, refundID))
	require.NoError(t, f.refunds.Process(ctx, refundID))
	require.NoError(t, f.refunds.Complete(ctx, refundID))
}

func TestPartialRefundsNeverExceedPayment(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 44500, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	view := f.placePaidOrder(t, 7)
	ctx := context.Background()

	// 44500 + 5000 delivery + 500 platform.
	require.Equal(t, int64(50000), view.Order.TotalAmount)

	first, err := f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 10000, Reason: "missing accessory",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, models.RefundTypePartial, first.RefundType)
	assert.Contains(t, first.RefundNumber, "REF-")
	runRefund(t, f, first.ID)

	second, err := f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 20000, Reason: "late delivery",
	}, false)
	require.NoError(t, err)
	runRefund(t, f, second.ID)

	// 30000 repaid, 20000 left. Asking for more is rejected.
	_, err = f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 25000, Reason: "too much",
	}, false)
	require.Error(t, err)
	appErr, ok := models.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeRefundExceedsOwed, appErr.Code)

	// Exactly the remainder is typed FULL.
	last, err := f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 20000, Reason: "the rest",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, models.RefundTypeFull, last.RefundType)

	// Partial completions alone never touch the payment status.
	payment, err := f.m.GetPaymentByOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, payment.Status)
}

func TestFullRefundRestocksAndClosesPayment(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.m.addCoupon(save10())
	f.seedCart(t, 7, map[int64]int{1: 2})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 1, CouponCode: "SAVE10"})
	require.NoError(t, err)
	resp, err := f.payments.Initiate(ctx, 7, view.Order.ID, &InitiatePaymentRequest{
		PaymentMethod: models.PaymentMethodUPI,
		Amount:        view.Order.TotalAmount,
	})
	require.NoError(t, err)
	require.NoError(t, f.payments.Verify(ctx, 7, view.Order.ID, &VerifyPaymentRequest{
		GatewayOrderID:   resp.GatewayOrderID,
		GatewayPaymentID: "pay_test",
		Signature:        Sign(testGatewaySecret, resp.GatewayOrderID, "pay_test"),
	}))

	require.Equal(t, 8, f.m.inventory[1].QuantityAvailable)

	refund, err := f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: view.Order.TotalAmount, Reason: "order returned",
	}, false)
	require.NoError(t, err)
	require.Equal(t, models.RefundTypeFull, refund.RefundType)

	// The order was delivered and came back before the money did.
	for _, status := range []string{
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusOutForDelivery,
		models.OrderStatusDelivered,
		models.OrderStatusReturned,
	} {
		require.NoError(t, f.orders.UpdateStatus(ctx, view.Order.ID, status))
	}

	runRefund(t, f, refund.ID)

	// Units are back on the shelf.
	assert.Equal(t, 10, f.m.inventory[1].QuantityAvailable)

	payment, err := f.m.GetPaymentByOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, payment.Status)

	order, err := f.m.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, order.Status)
	assert.Equal(t, models.PaymentStatusRefunded, order.PaymentStatus)

	// The coupon use came back with the money.
	coupon, err := f.m.GetCouponByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 0, coupon.TimesUsed)

	// Completing again is a quiet no-op.
	assert.NoError(t, f.refunds.Complete(ctx, refund.ID))
}

func TestRefundRequiresSettledPayment(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 3})
	require.NoError(t, err)

	_, err = f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 1000, Reason: "never paid",
	}, false)
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeRefundNotEligible, appErr.Code)
}

func TestRefundCannotSkipProcessing(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	view := f.placePaidOrder(t, 7)
	ctx := context.Background()

	refund, err := f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 5000, Reason: "partial",
	}, false)
	require.NoError(t, err)

	// REQUESTED cannot jump straight to COMPLETED.
	err = f.refunds.Complete(ctx, refund.ID)
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeInvalidTransition, appErr.Code)
	assert.Equal(t, models.KindConflict, appErr.Kind)
}

func TestRejectedRefundIsTerminal(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	view := f.placePaidOrder(t, 7)
	ctx := context.Background()

	refund, err := f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 5000, Reason: "disputed",
	}, false)
	require.NoError(t, err)

	require.NoError(t, f.refunds.Reject(ctx, refund.ID))

	err = f.refunds.Approve(ctx, refund.ID)
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeInvalidTransition, appErr.Code)
}

func TestFailedRefundCanBeRetried(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	view := f.placePaidOrder(t, 7)
	ctx := context.Background()

	refund, err := f.refunds.Initiate(ctx, 7, view.Order.ID, &InitiateRefundRequest{
		Amount: 5000, Reason: "partial",
	}, false)
	require.NoError(t, err)

	require.NoError(t, f.refunds.Approve(ctx, refund.ID))
	require.NoError(t, f.refunds.Process(ctx, refund.ID))
	require.NoError(t, f.refunds.MarkFailed(ctx, refund.ID))

	// A gateway hiccup is not the end; processing again succeeds.
	require.NoError(t, f.refunds.Process(ctx, refund.ID))
	require.NoError(t, f.refunds.Complete(ctx, refund.ID))

	got, err := f.m.GetRefundByOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.NotEmpty(t, got.GatewayRefundID)
}
