package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// GetProduct fetches a product by id
func (q *queries) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var p models.Product
	err := sqlx.GetContext(ctx, q.ext, &p, "SELECT * FROM products WHERE id = $1", id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// GetProducts fetches the given products in one round trip.
func (q *queries) GetProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	var products []models.Product
	if err := sqlx.SelectContext(ctx, q.ext, &products, query, args...); err != nil {
		return nil, err
	}
	return products, nil
}

// GetInventory fetches the stock counters for a product
func (q *queries) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := sqlx.GetContext(ctx, q.ext, &inv,
		"SELECT * FROM inventory WHERE product_id = $1", productID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &inv, nil
}

// GetInventoryForUpdate locks the inventory row for the rest of the
// transaction. Concurrent reservations for the same product serialize here.
func (q *queries) GetInventoryForUpdate(ctx context.Context, productID int64) (*models.Inventory, error) {
	var inv models.Inventory
	err := sqlx.GetContext(ctx, q.ext, &inv,
		"SELECT * FROM inventory WHERE product_id = $1 FOR UPDATE", productID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &inv, nil
}

// AdjustInventory applies signed deltas to the stock counters. The CHECK
// constraints on the table reject any adjustment that would drive a counter
// negative.
func (q *queries) AdjustInventory(ctx context.Context, productID int64, availableDelta, reservedDelta int) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE inventory
		 SET quantity_available = quantity_available + $1,
		     quantity_reserved = quantity_reserved + $2,
		     updated_at = NOW()
		 WHERE product_id = $3`,
		availableDelta, reservedDelta, productID)
	if err != nil {
		return fmt.Errorf("failed to adjust inventory for product %d: %w", productID, err)
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

// InsertInventoryLock creates a lock row and fills in its id.
func (q *queries) InsertInventoryLock(ctx context.Context, lock *models.InventoryLock) error {
	row := q.ext.QueryRowxContext(ctx,
		`INSERT INTO inventory_locks (product_id, cart_id, order_id, quantity_locked, lock_type, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		lock.ProductID, lock.CartID, lock.OrderID, lock.QuantityLocked, lock.LockType, lock.ExpiresAt)
	return row.Scan(&lock.ID, &lock.CreatedAt)
}

// DeleteInventoryLock removes a lock row
func (q *queries) DeleteInventoryLock(ctx context.Context, id int64) error {
	_, err := q.ext.ExecContext(ctx, "DELETE FROM inventory_locks WHERE id = $1", id)
	return err
}

// GetInventoryLockForUpdate locks a single lock row; returns ErrNotFound when
// it was already released by a concurrent settlement.
func (q *queries) GetInventoryLockForUpdate(ctx context.Context, id int64) (*models.InventoryLock, error) {
	var lock models.InventoryLock
	err := sqlx.GetContext(ctx, q.ext, &lock,
		"SELECT * FROM inventory_locks WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &lock, nil
}

// LocksByOrder returns all locks held by an order
func (q *queries) LocksByOrder(ctx context.Context, orderID int64) ([]models.InventoryLock, error) {
	var locks []models.InventoryLock
	err := sqlx.SelectContext(ctx, q.ext, &locks,
		"SELECT * FROM inventory_locks WHERE order_id = $1 ORDER BY id", orderID)
	return locks, err
}

// LocksByCart returns all cart-type locks held by a cart
func (q *queries) LocksByCart(ctx context.Context, cartID int64) ([]models.InventoryLock, error) {
	var locks []models.InventoryLock
	err := sqlx.SelectContext(ctx, q.ext, &locks,
		"SELECT * FROM inventory_locks WHERE cart_id = $1 ORDER BY id", cartID)
	return locks, err
}

// PromoteLocksToOrder rebinds provisional locks to a persisted order and
// extends their expiry to the order lock TTL.
func (q *queries) PromoteLocksToOrder(ctx context.Context, lockIDs []int64, orderID int64, expiresAt time.Time) error {
	if len(lockIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE inventory_locks
		 SET order_id = ?, cart_id = NULL, lock_type = ?, expires_at = ?
		 WHERE id IN (?)`,
		orderID, models.LockTypeOrder, expiresAt, lockIDs)
	if err != nil {
		return err
	}
	query = sqlx.Rebind(sqlx.DOLLAR, query)
	_, err = q.ext.ExecContext(ctx, query, args...)
	return err
}
