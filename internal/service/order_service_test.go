package service

import (
	"context"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGatewaySecret = "test-secret"

type fixture struct {
	m        *memStore
	ledger   *InventoryLedger
	carts    *CartService
	orders   *OrderService
	payments *PaymentService
	refunds  *RefundService
}

func newFixture() *fixture {
	m := newMemStore()
	ledger := NewInventoryLedger()
	validator := NewCartValidator()
	coupons := NewCouponEngine()
	refunds := NewRefundService(m, nil, nil, ledger, coupons)
	orders := NewOrderService(m, nil, nil, ledger, validator, coupons, refunds,
		15*time.Minute, 30*time.Minute, 5000, 500)
	payments := NewPaymentService(m, nil, nil, ledger, testGatewaySecret, "razorpay", "INR")
	carts := NewCartService(m, nil, ledger, validator, 15*time.Minute)
	return &fixture{m: m, ledger: ledger, carts: carts, orders: orders, payments: payments, refunds: refunds}
}

// seedCart creates a cart with items priced at the current catalog price,
// without taking cart locks.
func (f *fixture) seedCart(t *testing.T, userID int64, quantities map[int64]int) {
	t.Helper()
	ctx := context.Background()
	cart, err := f.m.CreateCart(ctx, userID)
	require.NoError(t, err)
	for productID, qty := range quantities {
		product := f.m.products[productID]
		require.NoError(t, f.m.UpsertCartItem(ctx, &models.CartItem{
			CartID:     cart.ID,
			ProductID:  productID,
			Quantity:   qty,
			PriceAtAdd: product.SellingPrice,
		}))
	}
}

// placePaidOrder runs checkout, payment initiation and settlement.
func (f *fixture) placePaidOrder(t *testing.T, userID int64) *OrderView {
	t.Helper()
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, userID, &CreateOrderRequest{AddressID: 1})
	require.NoError(t, err)

	resp, err := f.payments.Initiate(ctx, userID, view.Order.ID, &InitiatePaymentRequest{
		PaymentMethod: models.PaymentMethodUPI,
		Amount:        view.Order.TotalAmount,
	})
	require.NoError(t, err)

	require.NoError(t, f.payments.Verify(ctx, userID, view.Order.ID, &VerifyPaymentRequest{
		GatewayOrderID:   resp.GatewayOrderID,
		GatewayPaymentID: "pay_test",
		Signature:        Sign(testGatewaySecret, resp.GatewayOrderID, "pay_test"),
	}))
	return view
}

func TestCreateOrderFreezesItemsAndTotals(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.m.addProduct(2, 50000, 5, 0)
	f.m.addCoupon(save10())
	f.seedCart(t, 7, map[int64]int{1: 2, 2: 1})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{
		AddressID:  3,
		CouponCode: "SAVE10",
	})
	require.NoError(t, err)

	order := view.Order
	assert.Equal(t, int64(250000), order.Subtotal)
	assert.Equal(t, int64(10000), order.DiscountAmount)
	assert.Equal(t, int64(5000), order.DeliveryFee)
	assert.Equal(t, int64(500), order.PlatformFee)
	assert.Equal(t, order.Subtotal-order.DiscountAmount+order.DeliveryFee+order.PlatformFee, order.TotalAmount)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, models.PaymentStatusPending, order.PaymentStatus)
	assert.Contains(t, order.OrderNumber, "ORD-")

	// Line items are frozen copies of the catalog.
	require.Len(t, view.Items, 2)
	for _, item := range view.Items {
		product := f.m.products[item.ProductID]
		assert.Equal(t, product.Name, item.ProductName)
		assert.Equal(t, product.SellingPrice, item.UnitPrice)
		assert.Equal(t, product.SellingPrice*int64(item.Quantity), item.TotalPrice)
	}

	// Stock is reserved under order-type locks, not yet sold.
	locks, err := f.m.LocksByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	for _, lock := range locks {
		assert.Equal(t, models.LockTypeOrder, lock.LockType)
	}
	assert.Equal(t, 2, f.m.inventory[1].QuantityReserved)
	assert.Equal(t, 10, f.m.inventory[1].QuantityAvailable)

	// The coupon use and the cart are both consumed.
	coupon, err := f.m.GetCouponByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 1, coupon.TimesUsed)
	cart, err := f.m.GetCartByUser(ctx, 7)
	require.NoError(t, err)
	items, err := f.m.CartItems(ctx, cart.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateOrderFreezesCatalogDiscount(t *testing.T) {
	f := newFixture()
	f.m.addDiscountedProduct(1, 100000, 10, 10)
	f.seedCart(t, 7, map[int64]int{1: 2})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 3})
	require.NoError(t, err)

	require.Len(t, view.Items, 1)
	item := view.Items[0]
	assert.Equal(t, int64(90000), item.UnitPrice)
	assert.Equal(t, int64(10), item.DiscountPercent)
	assert.Equal(t, int64(180000), item.TotalPrice)
	assert.Equal(t, item.TotalPrice, view.Order.Subtotal)

	// A later catalog change must not touch the placed order.
	product := f.m.products[1]
	product.DiscountPercent = 50
	product.SellingPrice = 50000
	f.m.products[1] = product

	items, err := f.m.OrderItems(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), items[0].DiscountPercent)
	assert.Equal(t, int64(90000), items[0].UnitPrice)
}

func TestCreateOrderRollsBackWhenStockRunsOut(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.m.addProduct(2, 50000, 2, 0)
	f.seedCart(t, 7, map[int64]int{1: 2, 2: 5})
	ctx := context.Background()

	_, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 3})
	require.Error(t, err)
	appErr, ok := models.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeInsufficientStock, appErr.Code)

	// Nothing was partially applied.
	assert.Empty(t, f.m.orders)
	assert.Empty(t, f.m.locks)
	assert.Equal(t, 0, f.m.inventory[1].QuantityReserved)
	cart, err := f.m.GetCartByUser(ctx, 7)
	require.NoError(t, err)
	items, err := f.m.CartItems(ctx, cart.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCreateOrderRejectsEmptyCart(t *testing.T) {
	f := newFixture()
	f.seedCart(t, 7, nil)

	_, err := f.orders.CreateOrder(context.Background(), 7, &CreateOrderRequest{AddressID: 3})
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeCartEmpty, appErr.Code)
}

func TestCancelBeforePaymentReturnsStockAndCoupon(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.m.addCoupon(save10())
	f.seedCart(t, 7, map[int64]int{1: 2})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 3, CouponCode: "SAVE10"})
	require.NoError(t, err)
	require.Equal(t, 2, f.m.inventory[1].QuantityReserved)

	require.NoError(t, f.orders.CancelOrder(ctx, 7, view.Order.ID, "changed my mind", false))

	order, err := f.m.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, "changed my mind", order.CancellationReason)
	require.NotNil(t, order.CancelledAt)

	assert.Equal(t, 0, f.m.inventory[1].QuantityReserved)
	assert.Equal(t, 10, f.m.inventory[1].QuantityAvailable)
	assert.Empty(t, f.m.locks)

	coupon, err := f.m.GetCouponByCode(ctx, "SAVE10")
	require.NoError(t, err)
	assert.Equal(t, 0, coupon.TimesUsed)

	// No refund is opened when nothing was paid.
	assert.Empty(t, f.m.refunds)

	// Cancelling again is a quiet no-op.
	assert.NoError(t, f.orders.CancelOrder(ctx, 7, view.Order.ID, "again", false))
}

func TestCancelAfterPaymentOpensFullRefund(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 2})
	ctx := context.Background()

	view := f.placePaidOrder(t, 7)
	// Settlement already sold the stock.
	require.Equal(t, 8, f.m.inventory[1].QuantityAvailable)
	require.Equal(t, 0, f.m.inventory[1].QuantityReserved)

	require.NoError(t, f.orders.CancelOrder(ctx, 7, view.Order.ID, "damaged in transit", false))

	order, err := f.m.GetOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)

	// Stock is not restored at cancel; that happens when the refund
	// completes.
	assert.Equal(t, 8, f.m.inventory[1].QuantityAvailable)

	refund, err := f.m.GetRefundByOrder(ctx, view.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundStatusRequested, refund.Status)
	assert.Equal(t, models.RefundTypeFull, refund.RefundType)
	assert.Equal(t, view.Order.TotalAmount, refund.Amount)
}

func TestCancelRejectedOnceShipped(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 3})
	require.NoError(t, err)

	order := f.m.orders[view.Order.ID]
	order.Status = models.OrderStatusShipped
	f.m.orders[view.Order.ID] = order

	err = f.orders.CancelOrder(ctx, 7, view.Order.ID, "too late", false)
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeOrderNotCancelable, appErr.Code)
	assert.Equal(t, models.KindConflict, appErr.Kind)
}

func TestOrderOwnershipReadsAsNotFound(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 3})
	require.NoError(t, err)

	_, err = f.orders.GetOrder(ctx, 99, view.Order.ID, false)
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeOrderNotFound, appErr.Code)

	// Admins see everything.
	_, err = f.orders.GetOrder(ctx, 99, view.Order.ID, true)
	assert.NoError(t, err)
}

func TestOrderStatusTransitions(t *testing.T) {
	f := newFixture()
	f.m.addProduct(1, 100000, 10, 0)
	f.seedCart(t, 7, map[int64]int{1: 1})
	ctx := context.Background()

	view, err := f.orders.CreateOrder(ctx, 7, &CreateOrderRequest{AddressID: 3})
	require.NoError(t, err)
	orderID := view.Order.ID

	// Walking the chain forward works.
	for _, status := range []string{
		models.OrderStatusConfirmed,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
		models.OrderStatusOutForDelivery,
		models.OrderStatusDelivered,
	} {
		require.NoError(t, f.orders.UpdateStatus(ctx, orderID, status))
	}

	// Jumping backward is rejected.
	err = f.orders.UpdateStatus(ctx, orderID, models.OrderStatusPending)
	require.Error(t, err)
	appErr, _ := models.AsAppError(err)
	assert.Equal(t, models.CodeInvalidTransition, appErr.Code)
}
