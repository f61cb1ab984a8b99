package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Tx is the set of data operations available inside a single database
// transaction. Every order-affecting request runs its writes through one Tx
// so that partial application is never visible (one checkout, one webhook
// event, one refund decision per transaction).
type Tx interface {
	// products and inventory
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	GetProducts(ctx context.Context, ids []int64) ([]models.Product, error)
	GetInventory(ctx context.Context, productID int64) (*models.Inventory, error)
	GetInventoryForUpdate(ctx context.Context, productID int64) (*models.Inventory, error)
	AdjustInventory(ctx context.Context, productID int64, availableDelta, reservedDelta int) error
	InsertInventoryLock(ctx context.Context, lock *models.InventoryLock) error
	DeleteInventoryLock(ctx context.Context, id int64) error
	GetInventoryLockForUpdate(ctx context.Context, id int64) (*models.InventoryLock, error)
	LocksByOrder(ctx context.Context, orderID int64) ([]models.InventoryLock, error)
	LocksByCart(ctx context.Context, cartID int64) ([]models.InventoryLock, error)
	PromoteLocksToOrder(ctx context.Context, lockIDs []int64, orderID int64, expiresAt time.Time) error

	// carts
	GetCartByUser(ctx context.Context, userID int64) (*models.Cart, error)
	CreateCart(ctx context.Context, userID int64) (*models.Cart, error)
	CartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	GetCartItem(ctx context.Context, cartID, productID int64) (*models.CartItem, error)
	UpsertCartItem(ctx context.Context, item *models.CartItem) error
	DeleteCartItem(ctx context.Context, cartID, productID int64) error
	ClearCart(ctx context.Context, cartID int64) error

	// coupons
	GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
	GetCouponByCodeForUpdate(ctx context.Context, code string) (*models.Coupon, error)
	GetCouponByID(ctx context.Context, id int64) (*models.Coupon, error)
	CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error)
	AddCouponTimesUsed(ctx context.Context, couponID int64, delta int) error
	InsertCouponUsage(ctx context.Context, usage *models.CouponUsage) error
	CouponUsageByOrder(ctx context.Context, orderID int64) (*models.CouponUsage, error)
	ReverseCouponUsage(ctx context.Context, usageID int64) error

	// orders
	InsertOrder(ctx context.Context, order *models.Order) error
	InsertOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error)
	OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderPaymentStatus(ctx context.Context, orderID int64, paymentStatus string) error
	MarkOrderCancelled(ctx context.Context, orderID int64, reason string) error

	// payments
	InsertPayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error)
	GetPaymentByOrderForUpdate(ctx context.Context, orderID int64) (*models.Payment, error)
	GetPaymentByTransactionForUpdate(ctx context.Context, transactionID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, payment *models.Payment) error
	InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	IsWebhookProcessed(ctx context.Context, transactionID, event string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, transactionID, event string) error

	// refunds
	InsertRefund(ctx context.Context, refund *models.Refund) error
	GetRefundForUpdate(ctx context.Context, id int64) (*models.Refund, error)
	UpdateRefund(ctx context.Context, refund *models.Refund) error
	SumCompletedRefunds(ctx context.Context, paymentID int64) (int64, error)
}

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sqlx.DB
	queries
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, queries: queries{ext: db}}, nil
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(databaseURL, migrationsPath string) error {
	m, err := migrate.New(migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one database transaction; any error rolls the whole
// transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	txx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &sqlTx{queries: queries{ext: txx}}
	if err := fn(t); err != nil {
		_ = txx.Rollback()
		return err
	}
	return txx.Commit()
}

// sqlTx implements Tx on top of an open sqlx transaction.
type sqlTx struct {
	queries
}

// queries holds the shared query implementations; ext is either the pooled
// connection (plain reads on Store) or an open transaction (sqlTx).
type queries struct {
	ext sqlx.ExtContext
}

// ListExpiredLocks returns locks past their expiry, oldest first. Used by
// the sweeper outside of a transaction; each lock is then released in its
// own transaction with a fresh FOR UPDATE read.
func (s *Store) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.InventoryLock, error) {
	var locks []models.InventoryLock
	err := sqlx.SelectContext(ctx, s.db, &locks,
		"SELECT * FROM inventory_locks WHERE expires_at < $1 ORDER BY expires_at LIMIT $2", now, limit)
	return locks, err
}

// ListUserOrders returns a page of the user's orders, newest first. An empty
// status matches all statuses.
func (s *Store) ListUserOrders(ctx context.Context, userID int64, status string, limit, offset int) ([]models.Order, error) {
	var orders []models.Order
	if status != "" {
		err := sqlx.SelectContext(ctx, s.db, &orders,
			"SELECT * FROM orders WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4",
			userID, status, limit, offset)
		return orders, err
	}
	err := sqlx.SelectContext(ctx, s.db, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3",
		userID, limit, offset)
	return orders, err
}

// GetRefundByOrder returns the most recent refund for an order.
func (s *Store) GetRefundByOrder(ctx context.Context, orderID int64) (*models.Refund, error) {
	var refund models.Refund
	err := sqlx.GetContext(ctx, s.db, &refund,
		"SELECT * FROM refunds WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &refund, nil
}
