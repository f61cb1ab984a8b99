package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// allowedOrderTransitions defines the fulfillment state machine. CANCELLED
// and REFUNDED are terminal.
var allowedOrderTransitions = map[string][]string{
	models.OrderStatusPending:        {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed:      {models.OrderStatusProcessing, models.OrderStatusCancelled},
	models.OrderStatusProcessing:     {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:        {models.OrderStatusOutForDelivery},
	models.OrderStatusOutForDelivery: {models.OrderStatusDelivered},
	models.OrderStatusDelivered:      {models.OrderStatusReturned},
	models.OrderStatusReturned:       {models.OrderStatusRefunded},
}

func orderTransitionAllowed(from, to string) bool {
	for _, s := range allowedOrderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// cancellableStatuses are the pre-shipment states a user may cancel from.
var cancellableStatuses = map[string]bool{
	models.OrderStatusPending:    true,
	models.OrderStatusConfirmed:  true,
	models.OrderStatusProcessing: true,
}

// OrderService orchestrates checkout and cancellation. An order either
// commits fully (items frozen, stock reserved, coupon consumed, cart
// cleared) or not at all; there is no partially placed order.
type OrderService struct {
	store          Datastore
	redis          *redisclient.Client
	eventPublisher *broker.EventPublisher
	ledger         *InventoryLedger
	validator      *CartValidator
	coupons        *CouponEngine
	refunds        *RefundService
	cartLockTTL    time.Duration
	orderLockTTL   time.Duration
	deliveryFee    int64
	platformFee    int64
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store Datastore,
	redis *redisclient.Client,
	eventPublisher *broker.EventPublisher,
	ledger *InventoryLedger,
	validator *CartValidator,
	coupons *CouponEngine,
	refunds *RefundService,
	cartLockTTL, orderLockTTL time.Duration,
	deliveryFee, platformFee int64,
) *OrderService {
	return &OrderService{
		store:          store,
		redis:          redis,
		eventPublisher: eventPublisher,
		ledger:         ledger,
		validator:      validator,
		coupons:        coupons,
		refunds:        refunds,
		cartLockTTL:    cartLockTTL,
		orderLockTTL:   orderLockTTL,
		deliveryFee:    deliveryFee,
		platformFee:    platformFee,
		logger:         util.GetLogger(),
	}
}

// CreateOrderRequest represents a checkout request
type CreateOrderRequest struct {
	AddressID       int64  `json:"address_id" binding:"required"`
	ShippingAddress string `json:"shipping_address"`
	CouponCode      string `json:"coupon_code"`
	Notes           string `json:"notes"`
}

// OrderView is an order with its line items.
type OrderView struct {
	Order models.Order       `json:"order"`
	Items []models.OrderItem `json:"items"`
}

// CreateOrder runs the checkout in one transaction: validate the cart,
// re-reserve stock under order locks, apply the coupon, freeze items, clear
// the cart. Pricing always uses the current catalog price, never the price
// at add time.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, req *CreateOrderRequest) (*OrderView, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	start := time.Now()
	view := &OrderView{}
	var createdEvent *models.OrderCreatedEvent

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := tx.GetCartByUser(ctx, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.BusinessRuleError(models.CodeCartEmpty, "cart is empty")
			}
			return err
		}
		items, err := tx.CartItems(ctx, cart.ID)
		if err != nil {
			return err
		}

		result, err := s.validator.Validate(ctx, tx, cart.ID, items)
		if err != nil {
			return err
		}
		if !result.Valid {
			util.OrdersFailedTotal.WithLabelValues("cart_invalid").Inc()
			return cartInvalidError(result)
		}

		// The cart's own short locks are superseded by the order's locks.
		if err := s.ledger.ReleaseCartLocks(ctx, tx, cart.ID); err != nil {
			return err
		}

		lockIDs := make([]int64, 0, len(result.Items))
		expiry := time.Now().Add(s.cartLockTTL)
		for _, item := range result.Items {
			lock, err := s.ledger.Reserve(ctx, tx, item.Product.ID, item.Quantity, cart.ID, expiry)
			if err != nil {
				util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
				return err
			}
			lockIDs = append(lockIDs, lock.ID)
		}

		subtotal := result.Subtotal
		var discount int64
		var coupon *models.Coupon
		if req.CouponCode != "" {
			coupon, discount, err = s.coupons.Validate(ctx, tx, req.CouponCode, userID, subtotal)
			if err != nil {
				util.OrdersFailedTotal.WithLabelValues("coupon_rejected").Inc()
				return err
			}
		}

		order := &models.Order{
			OrderNumber:     NewOrderNumber(time.Now()),
			UserID:          userID,
			AddressID:       req.AddressID,
			Subtotal:        subtotal,
			DiscountAmount:  discount,
			DeliveryFee:     s.deliveryFee,
			PlatformFee:     s.platformFee,
			TotalAmount:     subtotal - discount + s.deliveryFee + s.platformFee,
			Status:          models.OrderStatusPending,
			PaymentStatus:   models.PaymentStatusPending,
			ShippingAddress: req.ShippingAddress,
			Notes:           req.Notes,
		}
		if coupon != nil {
			order.CouponID = &coupon.ID
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
			return fmt.Errorf("failed to create order: %w", err)
		}

		eventItems := make([]models.OrderItemData, 0, len(result.Items))
		for _, item := range result.Items {
			lineTotal := item.Product.SellingPrice * int64(item.Quantity)
			orderItem := &models.OrderItem{
				OrderID:         order.ID,
				ProductID:       item.Product.ID,
				ProductName:     item.Product.Name,
				ProductSKU:      item.Product.SKU,
				ProductImageURL: item.Product.ImageURL,
				Quantity:        item.Quantity,
				UnitPrice:       item.Product.SellingPrice,
				DiscountPercent: item.Product.DiscountPercent,
				TotalPrice:      lineTotal,
			}
			if err := tx.InsertOrderItem(ctx, orderItem); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			view.Items = append(view.Items, *orderItem)
			eventItems = append(eventItems, models.OrderItemData{
				ProductID: item.Product.ID,
				Quantity:  item.Quantity,
				UnitPrice: item.Product.SellingPrice,
			})
		}

		if err := tx.PromoteLocksToOrder(ctx, lockIDs, order.ID, time.Now().Add(s.orderLockTTL)); err != nil {
			return err
		}

		if coupon != nil {
			if err := s.coupons.RecordUsage(ctx, tx, coupon, userID, order.ID, discount); err != nil {
				return err
			}
		}

		if err := tx.ClearCart(ctx, cart.ID); err != nil {
			return err
		}

		view.Order = *order
		createdEvent = &models.OrderCreatedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderCreated,
				Timestamp: time.Now(),
			},
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      userID,
			TotalAmount: order.TotalAmount,
			Items:       eventItems,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	util.ReserveLatency.Observe(time.Since(start).Seconds())
	s.logger.Info("Order created",
		zap.Int64("order_id", view.Order.ID),
		zap.String("order_number", view.Order.OrderNumber),
		zap.Int64("total_amount", view.Order.TotalAmount))

	s.publishOrderCreated(ctx, createdEvent)
	s.syncMirrors(ctx, view.Items)
	return view, nil
}

// GetOrder returns an order with its items. Non-admin callers only see
// their own orders; ownership failures read as not found.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID int64, isAdmin bool) (*OrderView, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NotFoundError(models.CodeOrderNotFound, "order not found")
		}
		return nil, err
	}
	if !isAdmin && order.UserID != userID {
		return nil, models.NotFoundError(models.CodeOrderNotFound, "order not found")
	}
	items, err := s.store.OrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderView{Order: *order, Items: items}, nil
}

// ListOrders returns a page of the user's orders.
func (s *OrderService) ListOrders(ctx context.Context, userID int64, status string, limit, offset int) ([]models.Order, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListUserOrders(ctx, userID, status, limit, offset)
}

// CancelOrder cancels a pre-shipment order. Before payment the reserved
// stock is released and the coupon use returned; after payment the stock was
// already sold, so cancellation opens a full refund instead and the restock
// happens when that refund completes.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID int64, reason string, isAdmin bool) error {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	var released []models.InventoryLock
	var cancelledEvent *models.OrderCancelledEvent
	var refund *models.Refund

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeOrderNotFound, "order not found")
			}
			return err
		}
		if !isAdmin && order.UserID != userID {
			return models.NotFoundError(models.CodeOrderNotFound, "order not found")
		}
		if order.Status == models.OrderStatusCancelled {
			return models.ErrNoOp
		}
		if !cancellableStatuses[order.Status] {
			return models.ConflictError(models.CodeOrderNotCancelable,
				fmt.Sprintf("order in status %s cannot be cancelled", order.Status))
		}

		paid := order.PaymentStatus == models.PaymentStatusSuccess
		if paid {
			refund, err = s.refunds.openFullRefund(ctx, tx, order, reason)
			if err != nil {
				return err
			}
		} else {
			released, err = s.ledger.ReleaseOrderLocks(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if err := s.cancelOpenPayment(ctx, tx, order); err != nil {
				return err
			}
		}

		if err := s.coupons.Reverse(ctx, tx, orderID); err != nil {
			return err
		}
		if err := tx.MarkOrderCancelled(ctx, orderID, reason); err != nil {
			return err
		}

		cancelledEvent = &models.OrderCancelledEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOrderCancelled,
				Timestamp: time.Now(),
			},
			OrderID: orderID,
			UserID:  order.UserID,
			Reason:  reason,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNoOp) {
			return nil
		}
		return err
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.String("reason", reason))

	if s.eventPublisher != nil {
		if err := s.eventPublisher.PublishOrderCancelled(ctx, cancelledEvent); err != nil {
			s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
		}
		if refund != nil {
			s.refunds.publishRequested(ctx, refund)
		}
	}

	for _, lock := range released {
		s.mirrorRelease(ctx, lock.ProductID, lock.QuantityLocked)
	}
	return nil
}

// UpdateStatus moves an order along the fulfillment state machine.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID int64, toStatus string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeOrderNotFound, "order not found")
			}
			return err
		}
		if order.Status == toStatus {
			return models.ErrNoOp
		}
		if !orderTransitionAllowed(order.Status, toStatus) {
			return models.ConflictError(models.CodeInvalidTransition,
				fmt.Sprintf("cannot move order from %s to %s", order.Status, toStatus))
		}
		if toStatus == models.OrderStatusCancelled {
			return models.ConflictError(models.CodeInvalidTransition, "use the cancel operation to cancel an order")
		}
		return tx.UpdateOrderStatus(ctx, orderID, toStatus)
	})
}

// cancelOpenPayment moves a live payment row to CANCELLED alongside its
// order. Absent or already-terminal payments are left alone.
func (s *OrderService) cancelOpenPayment(ctx context.Context, tx store.Tx, order *models.Order) error {
	payment, err := tx.GetPaymentByOrderForUpdate(ctx, order.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if paymentTerminal(payment.Status) {
		return nil
	}
	payment.Status = models.PaymentStatusCancelled
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	return tx.UpdateOrderPaymentStatus(ctx, order.ID, models.PaymentStatusCancelled)
}

func (s *OrderService) publishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) {
	if s.eventPublisher == nil || event == nil {
		return
	}
	if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event",
			zap.Int64("order_id", event.OrderID), zap.Error(err))
	}
}

func (s *OrderService) syncMirrors(ctx context.Context, items []models.OrderItem) {
	if s.redis == nil {
		return
	}
	for _, item := range items {
		inv, err := s.store.GetInventory(ctx, item.ProductID)
		if err != nil {
			continue
		}
		if err := s.redis.SyncInventory(ctx, item.ProductID, inv.QuantityAvailable, inv.QuantityReserved); err != nil {
			s.logger.Warn("Failed to sync inventory mirror",
				zap.Int64("product_id", item.ProductID), zap.Error(err))
		}
	}
}

func (s *OrderService) mirrorRelease(ctx context.Context, productID int64, qty int) {
	if s.redis == nil {
		return
	}
	if err := s.redis.ReleaseStock(ctx, productID, qty); err != nil {
		s.logger.Warn("Failed to release mirrored stock",
			zap.Int64("product_id", productID), zap.Error(err))
	}
}

// cartInvalidError folds per-line issues into one rejection. Single-issue
// carts surface the specific code.
func cartInvalidError(result *CartValidationResult) error {
	if len(result.Issues) == 1 && result.Issues[0].Code == models.CodeCartEmpty {
		return models.BusinessRuleError(models.CodeCartEmpty, "cart is empty")
	}
	if len(result.Issues) == 1 && result.Issues[0].Code == IssueInsufficientStock {
		return models.BusinessRuleError(models.CodeInsufficientStock, result.Issues[0].Message)
	}
	return models.BusinessRuleError(models.CodeCartInvalid,
		fmt.Sprintf("cart failed validation with %d issue(s)", len(result.Issues)))
}
