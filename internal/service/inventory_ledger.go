package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// InventoryLedger owns the stock counter rules. Usable stock is
// quantity_available - quantity_reserved; a reservation only moves the
// reserved counter, the available counter moves at commit (sale final) or
// restore (refund restock). Every method runs inside the caller's
// transaction and takes the inventory row lock first.
type InventoryLedger struct {
	logger *zap.Logger
}

// NewInventoryLedger creates a new inventory ledger
func NewInventoryLedger() *InventoryLedger {
	return &InventoryLedger{logger: util.GetLogger()}
}

// Reserve claims qty units for a cart. On success the reserved counter is
// incremented and a cart-type lock row records the claim with its expiry.
func (l *InventoryLedger) Reserve(ctx context.Context, tx store.Tx, productID int64, qty int, cartID int64, expiresAt time.Time) (*models.InventoryLock, error) {
	if qty <= 0 {
		return nil, models.ValidationError(models.CodeQuantityInvalid, "quantity must be positive")
	}

	inv, err := tx.GetInventoryForUpdate(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NotFoundError(models.CodeProductNotFound, fmt.Sprintf("no inventory for product %d", productID))
		}
		return nil, err
	}

	usable := inv.QuantityAvailable - inv.QuantityReserved
	if usable < qty {
		util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
		return nil, models.BusinessRuleError(models.CodeInsufficientStock,
			fmt.Sprintf("product %d has %d units usable, %d requested", productID, usable, qty))
	}

	if err := tx.AdjustInventory(ctx, productID, 0, qty); err != nil {
		return nil, err
	}

	lock := &models.InventoryLock{
		ProductID:      productID,
		CartID:         &cartID,
		QuantityLocked: qty,
		LockType:       models.LockTypeCart,
		ExpiresAt:      expiresAt,
	}
	if err := tx.InsertInventoryLock(ctx, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseLock returns a lock's units to usable stock and deletes the lock.
// A reserved counter lower than the lock quantity means the counters
// diverged somewhere; the release is clamped and logged rather than driving
// the counter negative.
func (l *InventoryLedger) ReleaseLock(ctx context.Context, tx store.Tx, lock *models.InventoryLock) error {
	inv, err := tx.GetInventoryForUpdate(ctx, lock.ProductID)
	if err != nil {
		return err
	}

	release := lock.QuantityLocked
	if release > inv.QuantityReserved {
		l.logger.Error("Reserved counter below lock quantity, clamping release",
			zap.Int64("product_id", lock.ProductID),
			zap.Int64("lock_id", lock.ID),
			zap.Int("lock_quantity", lock.QuantityLocked),
			zap.Int("reserved", inv.QuantityReserved))
		release = inv.QuantityReserved
	}

	if release > 0 {
		if err := tx.AdjustInventory(ctx, lock.ProductID, 0, -release); err != nil {
			return err
		}
	}
	return tx.DeleteInventoryLock(ctx, lock.ID)
}

// ReleaseCartLocks releases every lock a cart still holds.
func (l *InventoryLedger) ReleaseCartLocks(ctx context.Context, tx store.Tx, cartID int64) error {
	locks, err := tx.LocksByCart(ctx, cartID)
	if err != nil {
		return err
	}
	for i := range locks {
		if err := l.ReleaseLock(ctx, tx, &locks[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseOrderLocks releases every lock an order holds (cancellation before
// payment, expiry sweep) and returns the released locks.
func (l *InventoryLedger) ReleaseOrderLocks(ctx context.Context, tx store.Tx, orderID int64) ([]models.InventoryLock, error) {
	locks, err := tx.LocksByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range locks {
		if err := l.ReleaseLock(ctx, tx, &locks[i]); err != nil {
			return nil, err
		}
	}
	return locks, nil
}

// CommitOrderLocks finalizes an order's claims on successful payment: both
// counters drop by the locked quantity and the locks are deleted. Returns
// the committed locks so the caller can mirror the deduction.
func (l *InventoryLedger) CommitOrderLocks(ctx context.Context, tx store.Tx, orderID int64) ([]models.InventoryLock, error) {
	locks, err := tx.LocksByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	for i := range locks {
		lock := &locks[i]
		inv, err := tx.GetInventoryForUpdate(ctx, lock.ProductID)
		if err != nil {
			return nil, err
		}

		commit := lock.QuantityLocked
		if commit > inv.QuantityReserved || commit > inv.QuantityAvailable {
			l.logger.Error("Counters below lock quantity at commit, clamping",
				zap.Int64("product_id", lock.ProductID),
				zap.Int64("lock_id", lock.ID),
				zap.Int("lock_quantity", lock.QuantityLocked),
				zap.Int("available", inv.QuantityAvailable),
				zap.Int("reserved", inv.QuantityReserved))
		}
		da := min(commit, inv.QuantityAvailable)
		dr := min(commit, inv.QuantityReserved)
		if err := tx.AdjustInventory(ctx, lock.ProductID, -da, -dr); err != nil {
			return nil, err
		}
		if err := tx.DeleteInventoryLock(ctx, lock.ID); err != nil {
			return nil, err
		}
	}
	return locks, nil
}

// Restore adds units back to available stock after a refund restock.
func (l *InventoryLedger) Restore(ctx context.Context, tx store.Tx, productID int64, qty int) error {
	if qty <= 0 {
		return models.ValidationError(models.CodeQuantityInvalid, "quantity must be positive")
	}
	if _, err := tx.GetInventoryForUpdate(ctx, productID); err != nil {
		return err
	}
	return tx.AdjustInventory(ctx, productID, qty, 0)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
