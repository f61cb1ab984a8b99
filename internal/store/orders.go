package store

import (
	"context"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertOrder creates the order row and fills in id and timestamps.
func (q *queries) InsertOrder(ctx context.Context, order *models.Order) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO orders (order_number, user_id, address_id, subtotal, discount_amount, coupon_id,
		                     delivery_fee, platform_fee, total_amount, status, payment_status,
		                     shipping_address_snapshot, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id, created_at, updated_at`,
		order.OrderNumber, order.UserID, order.AddressID, order.Subtotal, order.DiscountAmount,
		order.CouponID, order.DeliveryFee, order.PlatformFee, order.TotalAmount, order.Status,
		order.PaymentStatus, order.ShippingAddress, order.Notes)
	return row.Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// InsertOrderItem creates one frozen line item
func (q *queries) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO order_items (order_id, product_id, product_name, product_sku, product_image_url,
		                          quantity, unit_price, discount_percent, total_price)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		item.OrderID, item.ProductID, item.ProductName, item.ProductSKU, item.ProductImageURL,
		item.Quantity, item.UnitPrice, item.DiscountPercent, item.TotalPrice)
	return row.Scan(&item.ID, &item.CreatedAt)
}

// GetOrder fetches an order by id
func (q *queries) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &order, nil
}

// GetOrderForUpdate locks the order row for the rest of the transaction.
// Cancellation, webhooks and refund decisions all serialize here.
func (q *queries) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, q.ext, &order, "SELECT * FROM orders WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &order, nil
}

// OrderItems returns the order's line items
func (q *queries) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, q.ext, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// UpdateOrderStatus sets the fulfillment status
func (q *queries) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2", status, orderID)
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

// UpdateOrderPaymentStatus sets the denormalized payment status on the order
func (q *queries) UpdateOrderPaymentStatus(ctx context.Context, orderID int64, paymentStatus string) error {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2", paymentStatus, orderID)
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

// MarkOrderCancelled sets the terminal cancelled state with audit fields.
func (q *queries) MarkOrderCancelled(ctx context.Context, orderID int64, reason string) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE orders
		 SET status = $1, cancelled_at = NOW(), cancellation_reason = $2, updated_at = NOW()
		 WHERE id = $3`,
		models.OrderStatusCancelled, reason, orderID)
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
