package store

import (
	"context"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertPayment creates the payment row for an order and fills in id and
// timestamps. Fails on the unique order_id constraint if one already exists.
func (q *queries) InsertPayment(ctx context.Context, payment *models.Payment) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO payments (order_id, payment_method, amount, currency, status, transaction_id,
		                       gateway_order_id, attempts, last_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at, updated_at`,
		payment.OrderID, payment.PaymentMethod, payment.Amount, payment.Currency, payment.Status,
		payment.TransactionID, payment.GatewayOrderID, payment.Attempts, payment.LastAttemptAt)
	return row.Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
}

// GetPaymentByOrder fetches the payment for an order
func (q *queries) GetPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment,
		"SELECT * FROM payments WHERE order_id = $1", orderID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &payment, nil
}

// GetPaymentByOrderForUpdate locks the payment row; state transitions and
// webhook processing serialize here.
func (q *queries) GetPaymentByOrderForUpdate(ctx context.Context, orderID int64) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment,
		"SELECT * FROM payments WHERE order_id = $1 FOR UPDATE", orderID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &payment, nil
}

// GetPaymentByTransactionForUpdate locks the payment owning a gateway
// transaction id. Webhooks resolve their payment through this lookup.
func (q *queries) GetPaymentByTransactionForUpdate(ctx context.Context, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := sqlx.GetContext(ctx, q.ext, &payment,
		"SELECT * FROM payments WHERE transaction_id = $1 FOR UPDATE", transactionID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &payment, nil
}

// UpdatePayment writes the mutable payment fields back.
func (q *queries) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE payments
		 SET payment_method = $1, status = $2, transaction_id = $3, gateway_order_id = $4,
		     gateway_payment_id = $5, gateway_signature = $6, failure_reason = $7,
		     attempts = $8, last_attempt_at = $9, completed_at = $10, updated_at = NOW()
		 WHERE id = $11`,
		payment.PaymentMethod, payment.Status, payment.TransactionID, payment.GatewayOrderID,
		payment.GatewayPaymentID, payment.GatewaySignature, payment.FailureReason,
		payment.Attempts, payment.LastAttemptAt, payment.CompletedAt, payment.ID)
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

// InsertPaymentAttempt appends one audit row
func (q *queries) InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO payment_attempts (payment_id, attempt_number, payment_method, status,
		                               gateway_response, failure_reason)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		attempt.PaymentID, attempt.AttemptNumber, attempt.PaymentMethod, attempt.Status,
		attempt.GatewayResponse, attempt.FailureReason)
	return row.Scan(&attempt.ID, &attempt.CreatedAt)
}

// IsWebhookProcessed reports whether this (transaction, event) pair was
// already applied.
func (q *queries) IsWebhookProcessed(ctx context.Context, transactionID, event string) (bool, error) {
	var count int
	err := sqlx.GetContext(ctx, q.ext, &count,
		"SELECT COUNT(*) FROM processed_webhooks WHERE transaction_id = $1 AND event = $2",
		transactionID, event)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkWebhookProcessed records the pair inside the same transaction as the
// effects it guards, so a crash can never record without applying.
func (q *queries) MarkWebhookProcessed(ctx context.Context, transactionID, event string) error {
	_, err := q.ext.ExecContext(ctx,
		"INSERT INTO processed_webhooks (transaction_id, event) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		transactionID, event)
	return err
}
