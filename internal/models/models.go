package models

import "time"

// All monetary amounts are int64 minor units (paise), 2 fraction digits.

// Product represents a product in the catalog. SellingPrice is the net unit
// price actually charged: MRP less DiscountPercent, rounded down to minor
// units. MRP and DiscountPercent are carried so orders can freeze the
// discount the buyer was shown.
type Product struct {
	ID              int64     `db:"id" json:"id"`
	SKU             string    `db:"sku" json:"sku"`
	Name            string    `db:"name" json:"name"`
	ImageURL        string    `db:"image_url" json:"image_url,omitempty"`
	MRP             int64     `db:"mrp" json:"mrp"`
	DiscountPercent int64     `db:"discount_percent" json:"discount_percent"`
	SellingPrice    int64     `db:"selling_price" json:"selling_price"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Inventory represents per-product stock counters.
// Usable stock = QuantityAvailable - QuantityReserved.
type Inventory struct {
	ProductID         int64     `db:"product_id" json:"product_id"`
	QuantityAvailable int       `db:"quantity_available" json:"quantity_available"`
	QuantityReserved  int       `db:"quantity_reserved" json:"quantity_reserved"`
	LowStockThreshold int       `db:"low_stock_threshold" json:"low_stock_threshold"`
	ReorderPoint      int       `db:"reorder_point" json:"reorder_point"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// Lock types
const (
	LockTypeCart  = "cart"
	LockTypeOrder = "order"
)

// InventoryLock is a time-bounded claim on reserved stock. Exactly one of
// CartID/OrderID is set, matching LockType.
type InventoryLock struct {
	ID             int64     `db:"id" json:"id"`
	ProductID      int64     `db:"product_id" json:"product_id"`
	CartID         *int64    `db:"cart_id" json:"cart_id,omitempty"`
	OrderID        *int64    `db:"order_id" json:"order_id,omitempty"`
	QuantityLocked int       `db:"quantity_locked" json:"quantity_locked"`
	LockType       string    `db:"lock_type" json:"lock_type"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Cart is the single open cart for a user.
type Cart struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CartItem holds a product reference and quantity (1..10). PriceAtAdd is the
// unit price last shown to the user; it is used only for price-drift warnings
// at validation time, never for order pricing.
type CartItem struct {
	ID         int64     `db:"id" json:"id"`
	CartID     int64     `db:"cart_id" json:"cart_id"`
	ProductID  int64     `db:"product_id" json:"product_id"`
	Quantity   int       `db:"quantity" json:"quantity"`
	PriceAtAdd int64     `db:"price_at_add" json:"price_at_add"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Cart item quantity bounds
const (
	CartItemMinQuantity = 1
	CartItemMaxQuantity = 10
)

// Coupon discount types
const (
	DiscountTypePercentage = "PERCENTAGE"
	DiscountTypeFixed      = "FIXED"
)

// Coupon represents a discount code. For PERCENTAGE the DiscountValue is a
// whole percent (0-100); for FIXED it is minor units.
type Coupon struct {
	ID                int64     `db:"id" json:"id"`
	Code              string    `db:"code" json:"code"`
	Description       string    `db:"description" json:"description,omitempty"`
	DiscountType      string    `db:"discount_type" json:"discount_type"`
	DiscountValue     int64     `db:"discount_value" json:"discount_value"`
	MinOrderValue     int64     `db:"min_order_value" json:"min_order_value"`
	MaxDiscountAmount int64     `db:"max_discount_amount" json:"max_discount_amount"`
	UsageLimitTotal   int       `db:"usage_limit_total" json:"usage_limit_total"`
	UsageLimitPerUser int       `db:"usage_limit_per_user" json:"usage_limit_per_user"`
	TimesUsed         int       `db:"times_used" json:"times_used"`
	ValidFrom         time.Time `db:"valid_from" json:"valid_from"`
	ValidUntil        time.Time `db:"valid_until" json:"valid_until"`
	IsActive          bool      `db:"is_active" json:"is_active"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// CouponUsage records one successful application of a coupon.
type CouponUsage struct {
	ID              int64      `db:"id" json:"id"`
	CouponID        int64      `db:"coupon_id" json:"coupon_id"`
	UserID          int64      `db:"user_id" json:"user_id"`
	OrderID         *int64     `db:"order_id" json:"order_id,omitempty"`
	DiscountApplied int64      `db:"discount_applied" json:"discount_applied"`
	UsedAt          time.Time  `db:"used_at" json:"used_at"`
	IsReversed      bool       `db:"is_reversed" json:"is_reversed"`
	ReversedAt      *time.Time `db:"reversed_at" json:"reversed_at,omitempty"`
}

// Order statuses
const (
	OrderStatusPending        = "PENDING"
	OrderStatusConfirmed      = "CONFIRMED"
	OrderStatusProcessing     = "PROCESSING"
	OrderStatusShipped        = "SHIPPED"
	OrderStatusOutForDelivery = "OUT_FOR_DELIVERY"
	OrderStatusDelivered      = "DELIVERED"
	OrderStatusCancelled      = "CANCELLED"
	OrderStatusReturned       = "RETURNED"
	OrderStatusRefunded       = "REFUNDED"
)

// Order is an immutable snapshot of a purchase at creation time.
// Invariant: TotalAmount = Subtotal - DiscountAmount + DeliveryFee + PlatformFee.
type Order struct {
	ID                 int64      `db:"id" json:"id"`
	OrderNumber        string     `db:"order_number" json:"order_number"`
	UserID             int64      `db:"user_id" json:"user_id"`
	AddressID          int64      `db:"address_id" json:"address_id"`
	Subtotal           int64      `db:"subtotal" json:"subtotal"`
	DiscountAmount     int64      `db:"discount_amount" json:"discount_amount"`
	CouponID           *int64     `db:"coupon_id" json:"coupon_id,omitempty"`
	DeliveryFee        int64      `db:"delivery_fee" json:"delivery_fee"`
	PlatformFee        int64      `db:"platform_fee" json:"platform_fee"`
	TotalAmount        int64      `db:"total_amount" json:"total_amount"`
	Status             string     `db:"status" json:"status"`
	PaymentStatus      string     `db:"payment_status" json:"payment_status"`
	ShippingAddress    string     `db:"shipping_address_snapshot" json:"shipping_address,omitempty"`
	Notes              string     `db:"notes" json:"notes,omitempty"`
	CancelledAt        *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	CancellationReason string     `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// OrderItem is a frozen copy of the product at order time. Catalog changes
// never retroactively affect a placed order. UnitPrice is the discounted
// unit price charged; DiscountPercent records the discount that produced it,
// so TotalPrice = UnitPrice × Quantity already has the discount folded in.
type OrderItem struct {
	ID              int64     `db:"id" json:"id"`
	OrderID         int64     `db:"order_id" json:"order_id"`
	ProductID       int64     `db:"product_id" json:"product_id"`
	ProductName     string    `db:"product_name" json:"product_name"`
	ProductSKU      string    `db:"product_sku" json:"product_sku"`
	ProductImageURL string    `db:"product_image_url" json:"product_image_url,omitempty"`
	Quantity        int       `db:"quantity" json:"quantity"`
	UnitPrice       int64     `db:"unit_price" json:"unit_price"`
	DiscountPercent int64     `db:"discount_percent" json:"discount_percent"`
	TotalPrice      int64     `db:"total_price" json:"total_price"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Payment statuses
const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusInitiated  = "INITIATED"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusSuccess    = "SUCCESS"
	PaymentStatusFailed     = "FAILED"
	PaymentStatusCancelled  = "CANCELLED"
	PaymentStatusRefunded   = "REFUNDED"
)

// Payment methods
const (
	PaymentMethodUPI        = "UPI"
	PaymentMethodCard       = "CARD"
	PaymentMethodNetBanking = "NET_BANKING"
	PaymentMethodWallet     = "WALLET"
	PaymentMethodCOD        = "COD"
)

// Payment is one-to-one with an order. TransactionID is the idempotency key
// for gateway callbacks and webhooks.
type Payment struct {
	ID               int64      `db:"id" json:"id"`
	OrderID          int64      `db:"order_id" json:"order_id"`
	PaymentMethod    string     `db:"payment_method" json:"payment_method"`
	Amount           int64      `db:"amount" json:"amount"`
	Currency         string     `db:"currency" json:"currency"`
	Status           string     `db:"status" json:"status"`
	TransactionID    string     `db:"transaction_id" json:"transaction_id,omitempty"`
	GatewayOrderID   string     `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	GatewayPaymentID string     `db:"gateway_payment_id" json:"gateway_payment_id,omitempty"`
	GatewaySignature string     `db:"gateway_signature" json:"-"`
	FailureReason    string     `db:"failure_reason" json:"failure_reason,omitempty"`
	Attempts         int        `db:"attempts" json:"attempts"`
	LastAttemptAt    *time.Time `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// PaymentAttempt is an append-only audit record; rows are never mutated.
type PaymentAttempt struct {
	ID              int64     `db:"id" json:"id"`
	PaymentID       int64     `db:"payment_id" json:"payment_id"`
	AttemptNumber   int       `db:"attempt_number" json:"attempt_number"`
	PaymentMethod   string    `db:"payment_method" json:"payment_method"`
	Status          string    `db:"status" json:"status"`
	GatewayResponse string    `db:"gateway_response" json:"gateway_response,omitempty"`
	FailureReason   string    `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Refund statuses
const (
	RefundStatusRequested  = "REQUESTED"
	RefundStatusApproved   = "APPROVED"
	RefundStatusProcessing = "PROCESSING"
	RefundStatusCompleted  = "COMPLETED"
	RefundStatusRejected   = "REJECTED"
	RefundStatusFailed     = "FAILED"
)

// Refund types
const (
	RefundTypeFull    = "FULL"
	RefundTypePartial = "PARTIAL"
)

// Refund is owned by an order and references the payment it reverses.
type Refund struct {
	ID              int64      `db:"id" json:"id"`
	RefundNumber    string     `db:"refund_number" json:"refund_number"`
	OrderID         int64      `db:"order_id" json:"order_id"`
	PaymentID       int64      `db:"payment_id" json:"payment_id"`
	RefundType      string     `db:"refund_type" json:"refund_type"`
	Amount          int64      `db:"amount" json:"amount"`
	Status          string     `db:"status" json:"status"`
	Reason          string     `db:"reason" json:"reason"`
	GatewayRefundID string     `db:"gateway_refund_id" json:"gateway_refund_id,omitempty"`
	ProcessedAt     *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// ProcessedWebhook collapses duplicate gateway notifications: one row per
// (transaction_id, event) combination ever processed.
type ProcessedWebhook struct {
	TransactionID string    `db:"transaction_id"`
	Event         string    `db:"event"`
	ProcessedAt   time.Time `db:"processed_at"`
}
