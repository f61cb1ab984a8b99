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

// allowedRefundTransitions defines the refund state machine. COMPLETED and
// REJECTED are terminal; FAILED can re-enter PROCESSING.
var allowedRefundTransitions = map[string][]string{
	models.RefundStatusRequested:  {models.RefundStatusApproved, models.RefundStatusRejected},
	models.RefundStatusApproved:   {models.RefundStatusProcessing},
	models.RefundStatusProcessing: {models.RefundStatusCompleted, models.RefundStatusFailed},
	models.RefundStatusFailed:     {models.RefundStatusProcessing},
}

func refundTransitionAllowed(from, to string) bool {
	for _, s := range allowedRefundTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RefundService orchestrates the refund lifecycle. The refundable balance is
// the payment amount minus refunds already COMPLETED; requested or in-flight
// refunds do not reduce it until they finish, and the balance is re-checked
// at completion.
type RefundService struct {
	store          Datastore
	redis          *redisclient.Client
	eventPublisher *broker.EventPublisher
	ledger         *InventoryLedger
	coupons        *CouponEngine
	logger         *zap.Logger
}

// NewRefundService creates a new refund service
func NewRefundService(store Datastore, redis *redisclient.Client, eventPublisher *broker.EventPublisher, ledger *InventoryLedger, coupons *CouponEngine) *RefundService {
	return &RefundService{
		store:          store,
		redis:          redis,
		eventPublisher: eventPublisher,
		ledger:         ledger,
		coupons:        coupons,
		logger:         util.GetLogger(),
	}
}

// InitiateRefundRequest represents a refund request
type InitiateRefundRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// Initiate opens a refund request against a settled payment. The amount must
// not exceed the remaining refundable balance; a request for the full
// balance is typed FULL, anything less PARTIAL.
func (s *RefundService) Initiate(ctx context.Context, userID, orderID int64, req *InitiateRefundRequest, isAdmin bool) (*models.Refund, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.Initiate")
	defer span.End()

	if req.Amount <= 0 {
		return nil, models.ValidationError(models.CodeQuantityInvalid, "refund amount must be positive")
	}

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

		payment, err := tx.GetPaymentByOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.BusinessRuleError(models.CodeRefundNotEligible, "order has no settled payment")
			}
			return err
		}
		if payment.Status != models.PaymentStatusSuccess {
			return models.BusinessRuleError(models.CodeRefundNotEligible,
				fmt.Sprintf("payment in status %s is not refundable", payment.Status))
		}

		refunded, err := tx.SumCompletedRefunds(ctx, payment.ID)
		if err != nil {
			return err
		}
		remaining := payment.Amount - refunded
		if req.Amount > remaining {
			return models.BusinessRuleError(models.CodeRefundExceedsOwed,
				fmt.Sprintf("refund of %d exceeds remaining balance of %d", req.Amount, remaining))
		}

		refund, err = s.open(ctx, tx, order, payment, req.Amount, remaining, req.Reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.publishRequested(ctx, refund)
	return refund, nil
}

// openFullRefund opens a FULL refund for the remaining balance inside the
// caller's transaction. Used when a paid order is cancelled.
func (s *RefundService) openFullRefund(ctx context.Context, tx store.Tx, order *models.Order, reason string) (*models.Refund, error) {
	payment, err := tx.GetPaymentByOrderForUpdate(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	refunded, err := tx.SumCompletedRefunds(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	remaining := payment.Amount - refunded
	if remaining <= 0 {
		return nil, models.BusinessRuleError(models.CodeRefundNotEligible, "payment is already fully refunded")
	}
	return s.open(ctx, tx, order, payment, remaining, remaining, reason)
}

func (s *RefundService) open(ctx context.Context, tx store.Tx, order *models.Order, payment *models.Payment, amount, remaining int64, reason string) (*models.Refund, error) {
	refundType := models.RefundTypePartial
	if amount == remaining {
		refundType = models.RefundTypeFull
	}
	refund := &models.Refund{
		RefundNumber: NewRefundNumber(time.Now()),
		OrderID:      order.ID,
		PaymentID:    payment.ID,
		RefundType:   refundType,
		Amount:       amount,
		Status:       models.RefundStatusRequested,
		Reason:       reason,
	}
	if err := tx.InsertRefund(ctx, refund); err != nil {
		return nil, err
	}

	util.RefundsRequestedTotal.Inc()
	s.logger.Info("Refund requested",
		zap.Int64("order_id", order.ID),
		zap.String("refund_number", refund.RefundNumber),
		zap.Int64("amount", amount),
		zap.String("type", refundType))
	return refund, nil
}

// Approve moves a REQUESTED refund to APPROVED.
func (s *RefundService) Approve(ctx context.Context, refundID int64) error {
	return s.transition(ctx, refundID, models.RefundStatusApproved, nil)
}

// Reject terminally rejects a REQUESTED refund.
func (s *RefundService) Reject(ctx context.Context, refundID int64) error {
	return s.transition(ctx, refundID, models.RefundStatusRejected, nil)
}

// Process hands an APPROVED refund to the gateway.
func (s *RefundService) Process(ctx context.Context, refundID int64) error {
	return s.transition(ctx, refundID, models.RefundStatusProcessing, func(refund *models.Refund) {
		now := time.Now()
		refund.GatewayRefundID = "gwr_" + shortID()
		refund.ProcessedAt = &now
	})
}

// MarkFailed records a gateway failure; the refund can be re-processed.
func (s *RefundService) MarkFailed(ctx context.Context, refundID int64) error {
	return s.transition(ctx, refundID, models.RefundStatusFailed, nil)
}

func (s *RefundService) transition(ctx context.Context, refundID int64, toStatus string, mutate func(*models.Refund)) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		refund, err := tx.GetRefundForUpdate(ctx, refundID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeRefundNotFound, "refund not found")
			}
			return err
		}
		if refund.Status == toStatus {
			return models.ErrNoOp
		}
		if !refundTransitionAllowed(refund.Status, toStatus) {
			return models.ConflictError(models.CodeInvalidTransition,
				fmt.Sprintf("cannot move refund from %s to %s", refund.Status, toStatus))
		}
		refund.Status = toStatus
		if mutate != nil {
			mutate(refund)
		}
		return tx.UpdateRefund(ctx, refund)
	})
}

// Complete finishes a PROCESSING refund: money is back with the customer.
// The balance is re-checked under the payment row lock so racing refunds can
// never over-refund; a FULL refund also restocks the order's items and,
// once the payment is fully repaid, marks payment and order REFUNDED and
// reverses any linked coupon usage.
func (s *RefundService) Complete(ctx context.Context, refundID int64) error {
	ctx, span := util.StartSpan(ctx, "RefundService.Complete")
	defer span.End()

	var completedEvent *models.RefundCompletedEvent
	var restocked []models.OrderItem

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		refund, err := tx.GetRefundForUpdate(ctx, refundID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeRefundNotFound, "refund not found")
			}
			return err
		}
		if refund.Status == models.RefundStatusCompleted {
			return models.ErrNoOp
		}
		if !refundTransitionAllowed(refund.Status, models.RefundStatusCompleted) {
			return models.ConflictError(models.CodeInvalidTransition,
				fmt.Sprintf("cannot complete refund in status %s", refund.Status))
		}

		payment, err := tx.GetPaymentByOrderForUpdate(ctx, refund.OrderID)
		if err != nil {
			return err
		}
		refunded, err := tx.SumCompletedRefunds(ctx, payment.ID)
		if err != nil {
			return err
		}
		if refund.Amount > payment.Amount-refunded {
			return models.ConflictError(models.CodeRefundExceedsOwed,
				"completing this refund would exceed the payment amount")
		}

		now := time.Now()
		refund.Status = models.RefundStatusCompleted
		refund.CompletedAt = &now
		if err := tx.UpdateRefund(ctx, refund); err != nil {
			return err
		}

		order, err := tx.GetOrderForUpdate(ctx, refund.OrderID)
		if err != nil {
			return err
		}

		if refund.RefundType == models.RefundTypeFull {
			items, err := tx.OrderItems(ctx, refund.OrderID)
			if err != nil {
				return err
			}
			for _, item := range items {
				if err := s.ledger.Restore(ctx, tx, item.ProductID, item.Quantity); err != nil {
					return err
				}
			}
			restocked = items
		}

		fullyRefunded := refunded+refund.Amount >= payment.Amount
		if fullyRefunded {
			payment.Status = models.PaymentStatusRefunded
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return err
			}
			if err := tx.UpdateOrderPaymentStatus(ctx, order.ID, models.PaymentStatusRefunded); err != nil {
				return err
			}
			if order.Status == models.OrderStatusReturned {
				if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusRefunded); err != nil {
					return err
				}
			}
			// No-op when the cancel path already reversed it.
			if err := s.coupons.Reverse(ctx, tx, order.ID); err != nil {
				return err
			}
		}

		completedEvent = &models.RefundCompletedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeRefundCompleted,
				Timestamp: time.Now(),
			},
			RefundID:      refund.ID,
			RefundNumber:  refund.RefundNumber,
			OrderID:       refund.OrderID,
			Amount:        refund.Amount,
			FullyRefunded: fullyRefunded,
		}
		util.RefundsCompletedTotal.WithLabelValues(refund.RefundType).Inc()
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNoOp) {
			return nil
		}
		return err
	}

	s.logger.Info("Refund completed", zap.Int64("refund_id", refundID))
	if s.eventPublisher != nil && completedEvent != nil {
		if err := s.eventPublisher.PublishRefundCompleted(ctx, completedEvent); err != nil {
			s.logger.Error("Failed to publish RefundCompleted event", zap.Error(err))
		}
	}
	if s.redis != nil {
		for _, item := range restocked {
			if err := s.redis.RestoreStock(ctx, item.ProductID, item.Quantity); err != nil {
				s.logger.Warn("Failed to restore mirrored stock",
					zap.Int64("product_id", item.ProductID), zap.Error(err))
			}
		}
	}
	return nil
}

// GetRefundForOrder returns the latest refund on an order, scoped to its
// owner.
func (s *RefundService) GetRefundForOrder(ctx context.Context, userID, orderID int64, isAdmin bool) (*models.Refund, error) {
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
	refund, err := s.store.GetRefundByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NotFoundError(models.CodeRefundNotFound, "no refund for this order")
		}
		return nil, err
	}
	return refund, nil
}

func (s *RefundService) publishRequested(ctx context.Context, refund *models.Refund) {
	if s.eventPublisher == nil || refund == nil {
		return
	}
	event := &models.RefundRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRefundRequested,
			Timestamp: time.Now(),
		},
		RefundID:     refund.ID,
		RefundNumber: refund.RefundNumber,
		OrderID:      refund.OrderID,
		Amount:       refund.Amount,
	}
	if err := s.eventPublisher.PublishRefundRequested(ctx, event); err != nil {
		s.logger.Error("Failed to publish RefundRequested event", zap.Error(err))
	}
}
