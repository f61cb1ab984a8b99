package worker

import (
	"context"
	"log"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// AlertWorker consumes StockAlert events and surfaces them operationally.
// Stuck order locks point at settlements that never finished; low stock
// feeds replenishment.
type AlertWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewAlertWorker creates a new alert worker
func NewAlertWorker(consumer *broker.Consumer) *AlertWorker {
	w := &AlertWorker{
		consumer: consumer,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnStockAlert(w.handleStockAlert)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *AlertWorker) Start(ctx context.Context) error {
	log.Println("Starting alert worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *AlertWorker) Stop() error {
	log.Println("Stopping alert worker...")
	return w.consumer.Close()
}

func (w *AlertWorker) handleStockAlert(ctx context.Context, event *models.StockAlertEvent) error {
	switch event.Reason {
	case models.AlertReasonStuckOrderLock:
		w.logger.Warn("Stuck order lock alert",
			zap.Int64("product_id", event.ProductID),
			zap.Int64("order_id", event.OrderID),
			zap.Int("quantity", event.Quantity))
	case models.AlertReasonLowStock:
		w.logger.Warn("Low stock alert",
			zap.Int64("product_id", event.ProductID),
			zap.Int("usable", event.Quantity))
	default:
		w.logger.Info("Stock alert",
			zap.String("reason", event.Reason),
			zap.Int64("product_id", event.ProductID))
	}
	return nil
}
