package models

import "time"

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypePaymentSucceeded = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
	EventTypeRefundRequested  = "REFUND_REQUESTED"
	EventTypeRefundCompleted  = "REFUND_COMPLETED"
	EventTypeStockAlert       = "STOCK_ALERT"
)

// Stock alert reasons
const (
	AlertReasonStuckOrderLock = "stuck_order_lock"
	AlertReasonLowStock       = "low_stock"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published after an order commits with status PENDING
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderCancelledEvent published after a cancellation commits
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

// PaymentSucceededEvent published when a payment settles
type PaymentSucceededEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	PaymentID     int64  `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// PaymentFailedEvent published when a payment reaches FAILED or CANCELLED
type PaymentFailedEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	PaymentID     int64  `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// RefundRequestedEvent published when a refund is opened
type RefundRequestedEvent struct {
	BaseEvent
	RefundID     int64  `json:"refund_id"`
	RefundNumber string `json:"refund_number"`
	OrderID      int64  `json:"order_id"`
	Amount       int64  `json:"amount"`
}

// RefundCompletedEvent published when a refund completes
type RefundCompletedEvent struct {
	BaseEvent
	RefundID      int64  `json:"refund_id"`
	RefundNumber  string `json:"refund_number"`
	OrderID       int64  `json:"order_id"`
	Amount        int64  `json:"amount"`
	FullyRefunded bool   `json:"fully_refunded"`
}

// StockAlertEvent is the operational surface for stuck order locks and
// low-stock conditions found by the sweeper.
type StockAlertEvent struct {
	BaseEvent
	ProductID int64  `json:"product_id"`
	OrderID   int64  `json:"order_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
