package store

import (
	"context"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertRefund creates the refund row and fills in id and timestamps.
func (q *queries) InsertRefund(ctx context.Context, refund *models.Refund) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO refunds (refund_number, order_id, payment_id, refund_type, amount, status, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		refund.RefundNumber, refund.OrderID, refund.PaymentID, refund.RefundType,
		refund.Amount, refund.Status, refund.Reason)
	return row.Scan(&refund.ID, &refund.CreatedAt, &refund.UpdatedAt)
}

// GetRefundForUpdate locks the refund row for a state transition.
func (q *queries) GetRefundForUpdate(ctx context.Context, id int64) (*models.Refund, error) {
	var refund models.Refund
	err := sqlx.GetContext(ctx, q.ext, &refund,
		"SELECT * FROM refunds WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &refund, nil
}

// UpdateRefund writes the mutable refund fields back.
func (q *queries) UpdateRefund(ctx context.Context, refund *models.Refund) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE refunds
		 SET status = $1, gateway_refund_id = $2, processed_at = $3, completed_at = $4, updated_at = NOW()
		 WHERE id = $5`,
		refund.Status, refund.GatewayRefundID, refund.ProcessedAt, refund.CompletedAt, refund.ID)
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

// SumCompletedRefunds returns the total already refunded against a payment.
// Only COMPLETED refunds count toward the refundable balance.
func (q *queries) SumCompletedRefunds(ctx context.Context, paymentID int64) (int64, error) {
	var total int64
	err := sqlx.GetContext(ctx, q.ext, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE payment_id = $1 AND status = $2",
		paymentID, models.RefundStatusCompleted)
	return total, err
}
