package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// Datastore is the persistence surface the services depend on. *store.Store
// implements it; tests substitute an in-memory fake.
type Datastore interface {
	store.Tx

	WithTx(ctx context.Context, fn func(tx store.Tx) error) error
	ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.InventoryLock, error)
	ListUserOrders(ctx context.Context, userID int64, status string, limit, offset int) ([]models.Order, error)
	GetRefundByOrder(ctx context.Context, orderID int64) (*models.Refund, error)
}

var _ Datastore = (*store.Store)(nil)
