package worker

import (
	"context"
	"errors"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

// Sweeper reclaims expired inventory locks. Expired cart locks are the
// normal case (abandoned carts) and are released quietly; an expired
// order-type lock means an order never settled and is alerted on. A Redis
// lock keeps concurrent instances from sweeping at the same time.
type Sweeper struct {
	store          service.Datastore
	redis          *redisclient.Client
	eventPublisher *broker.EventPublisher
	ledger         *service.InventoryLedger
	interval       time.Duration
	logger         *zap.Logger
}

// NewSweeper creates a new lock sweeper
func NewSweeper(store service.Datastore, redis *redisclient.Client, eventPublisher *broker.EventPublisher, ledger *service.InventoryLedger, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:          store,
		redis:          redis,
		eventPublisher: eventPublisher,
		ledger:         ledger,
		interval:       interval,
		logger:         util.GetLogger(),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting lock sweeper", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lock sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.redis != nil {
		acquired, err := s.redis.AcquireLock(ctx, "lock-sweeper", s.interval)
		if err != nil {
			s.logger.Warn("Failed to acquire sweep lock", zap.Error(err))
			return
		}
		if !acquired {
			return
		}
		defer func() {
			if err := s.redis.ReleaseLock(ctx, "lock-sweeper"); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	locks, err := s.store.ListExpiredLocks(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		s.logger.Error("Failed to list expired locks", zap.Error(err))
		return
	}

	for _, candidate := range locks {
		s.sweepOne(ctx, candidate)
	}
}

// sweepOne releases a single expired lock in its own transaction. The lock
// is re-read under FOR UPDATE because a settlement may have consumed it
// between listing and now.
func (s *Sweeper) sweepOne(ctx context.Context, candidate models.InventoryLock) {
	var swept *models.InventoryLock

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		lock, err := tx.GetInventoryLockForUpdate(ctx, candidate.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if lock.ExpiresAt.After(time.Now()) {
			return nil
		}
		if err := s.ledger.ReleaseLock(ctx, tx, lock); err != nil {
			return err
		}
		swept = lock
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to sweep lock",
			zap.Int64("lock_id", candidate.ID), zap.Error(err))
		return
	}
	if swept == nil {
		return
	}

	util.LocksSweptTotal.WithLabelValues(swept.LockType).Inc()
	if swept.LockType == models.LockTypeOrder {
		util.StuckOrderLocksTotal.Inc()
		var orderID int64
		if swept.OrderID != nil {
			orderID = *swept.OrderID
		}
		s.logger.Warn("Released stuck order lock",
			zap.Int64("lock_id", swept.ID),
			zap.Int64("order_id", orderID),
			zap.Int64("product_id", swept.ProductID))
		s.alert(ctx, swept.ProductID, orderID, swept.QuantityLocked, models.AlertReasonStuckOrderLock)
	}

	if s.redis != nil {
		if err := s.redis.ReleaseStock(ctx, swept.ProductID, swept.QuantityLocked); err != nil {
			s.logger.Warn("Failed to release mirrored stock",
				zap.Int64("product_id", swept.ProductID), zap.Error(err))
		}
	}

	s.checkLowStock(ctx, swept.ProductID)
}

func (s *Sweeper) checkLowStock(ctx context.Context, productID int64) {
	inv, err := s.store.GetInventory(ctx, productID)
	if err != nil {
		return
	}
	if inv.LowStockThreshold > 0 && inv.QuantityAvailable-inv.QuantityReserved <= inv.LowStockThreshold {
		s.alert(ctx, productID, 0, inv.QuantityAvailable-inv.QuantityReserved, models.AlertReasonLowStock)
	}
}

func (s *Sweeper) alert(ctx context.Context, productID, orderID int64, qty int, reason string) {
	if s.eventPublisher == nil {
		return
	}
	event := &models.StockAlertEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeStockAlert,
			Timestamp: time.Now(),
		},
		ProductID: productID,
		OrderID:   orderID,
		Quantity:  qty,
		Reason:    reason,
	}
	if err := s.eventPublisher.PublishStockAlert(ctx, event); err != nil {
		s.logger.Error("Failed to publish StockAlert event", zap.Error(err))
	}
}
