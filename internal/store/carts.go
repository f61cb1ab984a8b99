package store

import (
	"context"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetCartByUser fetches the user's open cart
func (q *queries) GetCartByUser(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := sqlx.GetContext(ctx, q.ext, &cart, "SELECT * FROM carts WHERE user_id = $1", userID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &cart, nil
}

// CreateCart creates an empty cart for the user
func (q *queries) CreateCart(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	row := q.ext.QueryRowxContext(ctx,
		"INSERT INTO carts (user_id) VALUES ($1) RETURNING id, user_id, created_at, updated_at", userID)
	if err := row.StructScan(&cart); err != nil {
		return nil, err
	}
	return &cart, nil
}

// CartItems returns the cart's items in insertion order
func (q *queries) CartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := sqlx.SelectContext(ctx, q.ext, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	return items, err
}

// GetCartItem fetches one item by cart and product
func (q *queries) GetCartItem(ctx context.Context, cartID, productID int64) (*models.CartItem, error) {
	var item models.CartItem
	err := sqlx.GetContext(ctx, q.ext, &item,
		"SELECT * FROM cart_items WHERE cart_id = $1 AND product_id = $2", cartID, productID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &item, nil
}

// UpsertCartItem inserts the item or replaces the quantity and price of the
// existing row for the same product.
func (q *queries) UpsertCartItem(ctx context.Context, item *models.CartItem) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, price_at_add)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cart_id, product_id)
		 DO UPDATE SET quantity = EXCLUDED.quantity, price_at_add = EXCLUDED.price_at_add
		 RETURNING id, created_at`,
		item.CartID, item.ProductID, item.Quantity, item.PriceAtAdd)
	return row.Scan(&item.ID, &item.CreatedAt)
}

// DeleteCartItem removes one product from the cart
func (q *queries) DeleteCartItem(ctx context.Context, cartID, productID int64) error {
	res, err := q.ext.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id = $1 AND product_id = $2", cartID, productID)
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

// ClearCart removes every item from the cart
func (q *queries) ClearCart(ctx context.Context, cartID int64) error {
	_, err := q.ext.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", cartID)
	return err
}
