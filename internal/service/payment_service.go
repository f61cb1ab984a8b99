package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

// Gateway webhook event names.
const (
	WebhookEventCaptured = "payment.captured"
	WebhookEventFailed   = "payment.failed"
)

// webhookCacheTTL bounds the redis front of the webhook ledger; the
// processed_webhooks table stays authoritative past it.
const webhookCacheTTL = 24 * time.Hour

// allowedPaymentTransitions defines the payment state machine. CANCELLED
// and REFUNDED are terminal; FAILED can re-enter INITIATED on retry.
var allowedPaymentTransitions = map[string][]string{
	models.PaymentStatusPending:    {models.PaymentStatusInitiated, models.PaymentStatusCancelled},
	models.PaymentStatusInitiated:  {models.PaymentStatusProcessing, models.PaymentStatusSuccess, models.PaymentStatusFailed, models.PaymentStatusCancelled},
	models.PaymentStatusProcessing: {models.PaymentStatusSuccess, models.PaymentStatusFailed, models.PaymentStatusCancelled},
	models.PaymentStatusFailed:     {models.PaymentStatusInitiated},
	models.PaymentStatusSuccess:    {models.PaymentStatusRefunded},
}

func paymentTransitionAllowed(from, to string) bool {
	for _, s := range allowedPaymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func paymentTerminal(status string) bool {
	return status == models.PaymentStatusCancelled || status == models.PaymentStatusRefunded
}

var validPaymentMethods = map[string]bool{
	models.PaymentMethodUPI:        true,
	models.PaymentMethodCard:       true,
	models.PaymentMethodNetBanking: true,
	models.PaymentMethodWallet:     true,
	models.PaymentMethodCOD:        true,
}

// PaymentService owns the payment lifecycle for orders. Settlement commits
// the order's stock locks in the same transaction that flips the payment to
// SUCCESS, so money and stock never disagree.
type PaymentService struct {
	store          Datastore
	redis          *redisclient.Client
	eventPublisher *broker.EventPublisher
	ledger         *InventoryLedger
	gatewaySecret  string
	gatewayName    string
	currency       string
	logger         *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store Datastore,
	redis *redisclient.Client,
	eventPublisher *broker.EventPublisher,
	ledger *InventoryLedger,
	gatewaySecret, gatewayName, currency string,
) *PaymentService {
	return &PaymentService{
		store:          store,
		redis:          redis,
		eventPublisher: eventPublisher,
		ledger:         ledger,
		gatewaySecret:  gatewaySecret,
		gatewayName:    gatewayName,
		currency:       currency,
		logger:         util.GetLogger(),
	}
}

// InitiatePaymentRequest represents a request to start (or retry) payment
type InitiatePaymentRequest struct {
	PaymentMethod string `json:"payment_method" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
}

// InitiatePaymentResponse carries what the client needs to drive the gateway
type InitiatePaymentResponse struct {
	TransactionID  string `json:"transaction_id"`
	GatewayOrderID string `json:"gateway_order_id"`
	Gateway        string `json:"gateway"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
}

// Initiate starts or retries payment for an order. The declared amount must
// match the order total exactly; a mismatch is rejected before any row is
// created or mutated.
func (s *PaymentService) Initiate(ctx context.Context, userID, orderID int64, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initiate")
	defer span.End()

	if !validPaymentMethods[req.PaymentMethod] {
		return nil, models.ValidationError(models.CodeCartInvalid,
			fmt.Sprintf("unknown payment method %q", req.PaymentMethod))
	}

	var resp *InitiatePaymentResponse
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeOrderNotFound, "order not found")
			}
			return err
		}
		if order.UserID != userID {
			return models.NotFoundError(models.CodeOrderNotFound, "order not found")
		}
		if order.Status == models.OrderStatusCancelled {
			return models.ConflictError(models.CodeOrderNotCancelable, "order is cancelled")
		}
		if order.PaymentStatus == models.PaymentStatusSuccess {
			return models.ConflictError(models.CodePaymentTerminal, "order is already paid")
		}
		if req.Amount != order.TotalAmount {
			return models.ValidationError(models.CodeAmountMismatch,
				fmt.Sprintf("declared amount %d does not match order total %d", req.Amount, order.TotalAmount))
		}

		now := time.Now()
		payment, err := tx.GetPaymentByOrderForUpdate(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			payment = &models.Payment{
				OrderID:        orderID,
				PaymentMethod:  req.PaymentMethod,
				Amount:         order.TotalAmount,
				Currency:       s.currency,
				Status:         models.PaymentStatusInitiated,
				TransactionID:  NewTransactionID(),
				GatewayOrderID: "gwo_" + shortID(),
				Attempts:       1,
				LastAttemptAt:  &now,
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			if paymentTerminal(payment.Status) || payment.Status == models.PaymentStatusSuccess {
				return models.ConflictError(models.CodePaymentTerminal,
					fmt.Sprintf("payment is already %s", payment.Status))
			}
			if payment.Status == models.PaymentStatusProcessing {
				return models.ConflictError(models.CodeInvalidTransition, "payment is being processed")
			}
			// Retry: fresh transaction id, same payment row.
			payment.Status = models.PaymentStatusInitiated
			payment.PaymentMethod = req.PaymentMethod
			payment.TransactionID = NewTransactionID()
			payment.GatewayOrderID = "gwo_" + shortID()
			payment.FailureReason = ""
			payment.Attempts++
			payment.LastAttemptAt = &now
			if err := tx.UpdatePayment(ctx, payment); err != nil {
				return err
			}
		}

		attempt := &models.PaymentAttempt{
			PaymentID:     payment.ID,
			AttemptNumber: payment.Attempts,
			PaymentMethod: req.PaymentMethod,
			Status:        models.PaymentStatusInitiated,
		}
		if err := tx.InsertPaymentAttempt(ctx, attempt); err != nil {
			return err
		}
		if err := tx.UpdateOrderPaymentStatus(ctx, orderID, models.PaymentStatusInitiated); err != nil {
			return err
		}

		resp = &InitiatePaymentResponse{
			TransactionID:  payment.TransactionID,
			GatewayOrderID: payment.GatewayOrderID,
			Gateway:        s.gatewayName,
			Amount:         payment.Amount,
			Currency:       payment.Currency,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.PaymentAttemptsTotal.Inc()
	s.logger.Info("Payment initiated",
		zap.Int64("order_id", orderID),
		zap.String("transaction_id", resp.TransactionID))
	return resp, nil
}

// VerifyPaymentRequest is the client-side gateway callback
type VerifyPaymentRequest struct {
	GatewayOrderID   string `json:"gateway_order_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" binding:"required"`
	Signature        string `json:"signature" binding:"required"`
}

// Sign computes the gateway's callback signature: hex HMAC-SHA256 of
// "<gateway_order_id>|<gateway_payment_id>".
func Sign(secret, gatewayOrderID, gatewayPaymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBody computes the webhook signature over the raw request body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify settles a payment from the client-side gateway callback. An invalid
// signature fails the attempt; a valid one commits the order's stock and
// confirms the order in the same transaction. Verifying an already settled
// payment is a no-op success.
func (s *PaymentService) Verify(ctx context.Context, userID, orderID int64, req *VerifyPaymentRequest) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.Verify")
	defer span.End()

	signatureValid := hmac.Equal(
		[]byte(Sign(s.gatewaySecret, req.GatewayOrderID, req.GatewayPaymentID)),
		[]byte(req.Signature))

	var committed []models.InventoryLock
	var succeededEvent *models.PaymentSucceededEvent
	var failedEvent *models.PaymentFailedEvent

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeOrderNotFound, "order not found")
			}
			return err
		}
		if order.UserID != userID {
			return models.NotFoundError(models.CodeOrderNotFound, "order not found")
		}

		payment, err := tx.GetPaymentByOrderForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodePaymentNotFound, "no payment initiated for this order")
			}
			return err
		}
		// The callback must belong to this payment; a signature from some
		// other payment's callback must never settle it.
		if req.GatewayOrderID != payment.GatewayOrderID {
			return models.ValidationError(models.CodeTransactionUnknown,
				"callback does not match the payment for this order")
		}
		if payment.Status == models.PaymentStatusSuccess {
			return models.ErrNoOp
		}

		if !signatureValid {
			failedEvent, err = s.failPayment(ctx, tx, order, payment, "signature verification failed")
			if err != nil {
				return err
			}
			return nil
		}

		if !paymentTransitionAllowed(payment.Status, models.PaymentStatusSuccess) {
			return models.ConflictError(models.CodeInvalidTransition,
				fmt.Sprintf("payment in status %s cannot settle", payment.Status))
		}

		payment.GatewayPaymentID = req.GatewayPaymentID
		payment.GatewaySignature = req.Signature
		committed, succeededEvent, err = s.settle(ctx, tx, order, payment)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrNoOp) {
			return nil
		}
		return err
	}

	s.afterSettlement(ctx, committed, succeededEvent, failedEvent)

	if !signatureValid {
		return models.ValidationError(models.CodeSignatureInvalid, "payment signature is invalid")
	}
	return nil
}

// WebhookRequest is the server-to-server gateway notification. The handler
// has already authenticated the raw body signature by the time this is
// processed.
type WebhookRequest struct {
	Event            string `json:"event" binding:"required"`
	TransactionID    string `json:"transaction_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id"`
	Amount           int64  `json:"amount"`
	FailureReason    string `json:"failure_reason"`
}

// ProcessWebhook applies one gateway notification exactly once. Duplicates
// of an already processed (transaction, event) pair are acknowledged without
// effect. Unknown transactions are flagged and acknowledged; an amount
// mismatch fails the payment and is flagged, never silently accepted. All
// recorded deliveries ack so the gateway stops retrying.
func (s *PaymentService) ProcessWebhook(ctx context.Context, req *WebhookRequest) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessWebhook")
	defer span.End()

	// Redis fronts the database ledger so retry storms of an already
	// processed delivery skip the transaction entirely.
	cacheKey := req.TransactionID + ":" + req.Event
	if s.redis != nil {
		if seen, err := s.redis.CheckIdempotencyKey(ctx, cacheKey); err == nil && seen {
			util.WebhooksDuplicateTotal.Inc()
			return nil
		}
	}

	var committed []models.InventoryLock
	var succeededEvent *models.PaymentSucceededEvent
	var failedEvent *models.PaymentFailedEvent

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		done, err := tx.IsWebhookProcessed(ctx, req.TransactionID, req.Event)
		if err != nil {
			return err
		}
		if done {
			util.WebhooksDuplicateTotal.Inc()
			return models.ErrNoOp
		}

		payment, err := tx.GetPaymentByTransactionForUpdate(ctx, req.TransactionID)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("Webhook for unknown transaction",
				zap.String("transaction_id", req.TransactionID), zap.String("event", req.Event))
			util.WebhooksFlaggedTotal.Inc()
			return tx.MarkWebhookProcessed(ctx, req.TransactionID, req.Event)
		} else if err != nil {
			return err
		}

		order, err := tx.GetOrderForUpdate(ctx, payment.OrderID)
		if err != nil {
			return err
		}

		if req.Amount != 0 && req.Amount != payment.Amount {
			s.logger.Error("Webhook amount mismatch, flagged for investigation",
				zap.String("transaction_id", req.TransactionID),
				zap.Int64("webhook_amount", req.Amount),
				zap.Int64("payment_amount", payment.Amount))
			util.WebhooksFlaggedTotal.Inc()
			if paymentTransitionAllowed(payment.Status, models.PaymentStatusFailed) {
				failedEvent, err = s.failPayment(ctx, tx, order, payment, "webhook amount mismatch")
				if err != nil {
					return err
				}
			}
			return tx.MarkWebhookProcessed(ctx, req.TransactionID, req.Event)
		}

		switch req.Event {
		case WebhookEventCaptured:
			if payment.Status != models.PaymentStatusSuccess {
				if !paymentTransitionAllowed(payment.Status, models.PaymentStatusSuccess) {
					s.logger.Warn("Capture webhook for payment that cannot settle",
						zap.String("transaction_id", req.TransactionID),
						zap.String("status", payment.Status))
					util.WebhooksFlaggedTotal.Inc()
					break
				}
				payment.GatewayPaymentID = req.GatewayPaymentID
				committed, succeededEvent, err = s.settle(ctx, tx, order, payment)
				if err != nil {
					return err
				}
			}

		case WebhookEventFailed:
			if payment.Status != models.PaymentStatusFailed && paymentTransitionAllowed(payment.Status, models.PaymentStatusFailed) {
				reason := req.FailureReason
				if reason == "" {
					reason = "payment failed at gateway"
				}
				failedEvent, err = s.failPayment(ctx, tx, order, payment, reason)
				if err != nil {
					return err
				}
			}

		default:
			s.logger.Warn("Unhandled webhook event", zap.String("event", req.Event))
		}

		return tx.MarkWebhookProcessed(ctx, req.TransactionID, req.Event)
	})
	if err != nil {
		if errors.Is(err, models.ErrNoOp) {
			return nil
		}
		return err
	}

	if s.redis != nil {
		if err := s.redis.SetIdempotencyKey(ctx, cacheKey, "1", webhookCacheTTL); err != nil {
			s.logger.Warn("Failed to cache processed webhook",
				zap.String("transaction_id", req.TransactionID), zap.Error(err))
		}
	}

	s.afterSettlement(ctx, committed, succeededEvent, failedEvent)
	return nil
}

// GetPayment returns the payment for an order, scoped to its owner.
func (s *PaymentService) GetPayment(ctx context.Context, userID, orderID int64, isAdmin bool) (*models.Payment, error) {
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
	payment, err := s.store.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NotFoundError(models.CodePaymentNotFound, "no payment initiated for this order")
		}
		return nil, err
	}
	return payment, nil
}

// settle flips the payment to SUCCESS, confirms the order and commits its
// stock locks, all inside the caller's transaction.
func (s *PaymentService) settle(ctx context.Context, tx store.Tx, order *models.Order, payment *models.Payment) ([]models.InventoryLock, *models.PaymentSucceededEvent, error) {
	now := time.Now()
	payment.Status = models.PaymentStatusSuccess
	payment.FailureReason = ""
	payment.CompletedAt = &now
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return nil, nil, err
	}

	attempt := &models.PaymentAttempt{
		PaymentID:     payment.ID,
		AttemptNumber: payment.Attempts,
		PaymentMethod: payment.PaymentMethod,
		Status:        models.PaymentStatusSuccess,
	}
	if err := tx.InsertPaymentAttempt(ctx, attempt); err != nil {
		return nil, nil, err
	}

	if err := tx.UpdateOrderPaymentStatus(ctx, order.ID, models.PaymentStatusSuccess); err != nil {
		return nil, nil, err
	}
	if order.Status == models.OrderStatusPending {
		if err := tx.UpdateOrderStatus(ctx, order.ID, models.OrderStatusConfirmed); err != nil {
			return nil, nil, err
		}
	}

	committed, err := s.ledger.CommitOrderLocks(ctx, tx, order.ID)
	if err != nil {
		return nil, nil, err
	}

	event := &models.PaymentSucceededEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentSucceeded,
			Timestamp: time.Now(),
		},
		OrderID:       order.ID,
		PaymentID:     payment.ID,
		TransactionID: payment.TransactionID,
		Amount:        payment.Amount,
	}
	return committed, event, nil
}

// failPayment moves the payment to FAILED with an audit attempt row. The
// order's stock locks stay in place for a retry; the sweeper reclaims them
// if no retry comes.
func (s *PaymentService) failPayment(ctx context.Context, tx store.Tx, order *models.Order, payment *models.Payment, reason string) (*models.PaymentFailedEvent, error) {
	if !paymentTransitionAllowed(payment.Status, models.PaymentStatusFailed) {
		return nil, models.ConflictError(models.CodeInvalidTransition,
			fmt.Sprintf("payment in status %s cannot fail", payment.Status))
	}
	payment.Status = models.PaymentStatusFailed
	payment.FailureReason = reason
	if err := tx.UpdatePayment(ctx, payment); err != nil {
		return nil, err
	}

	attempt := &models.PaymentAttempt{
		PaymentID:     payment.ID,
		AttemptNumber: payment.Attempts,
		PaymentMethod: payment.PaymentMethod,
		Status:        models.PaymentStatusFailed,
		FailureReason: reason,
	}
	if err := tx.InsertPaymentAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	if err := tx.UpdateOrderPaymentStatus(ctx, order.ID, models.PaymentStatusFailed); err != nil {
		return nil, err
	}

	return &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentFailed,
			Timestamp: time.Now(),
		},
		OrderID:       order.ID,
		PaymentID:     payment.ID,
		TransactionID: payment.TransactionID,
		Reason:        reason,
	}, nil
}

// afterSettlement runs the post-commit side effects: metrics, events and
// mirror updates. All best effort.
func (s *PaymentService) afterSettlement(ctx context.Context, committed []models.InventoryLock, succeeded *models.PaymentSucceededEvent, failed *models.PaymentFailedEvent) {
	if succeeded != nil {
		util.PaymentSuccessTotal.Inc()
		if s.eventPublisher != nil {
			if err := s.eventPublisher.PublishPaymentSucceeded(ctx, succeeded); err != nil {
				s.logger.Error("Failed to publish PaymentSucceeded event", zap.Error(err))
			}
		}
	}
	if failed != nil {
		util.PaymentFailedTotal.Inc()
		if s.eventPublisher != nil {
			if err := s.eventPublisher.PublishPaymentFailed(ctx, failed); err != nil {
				s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
			}
		}
	}
	if s.redis != nil {
		for _, lock := range committed {
			if err := s.redis.CommitStock(ctx, lock.ProductID, lock.QuantityLocked); err != nil {
				s.logger.Warn("Failed to commit mirrored stock",
					zap.Int64("product_id", lock.ProductID), zap.Error(err))
			}
		}
	}
}
