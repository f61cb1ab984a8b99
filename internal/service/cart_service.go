package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CartService manages the user's single open cart. Adding an item also takes
// a short cart-type inventory lock so stock shown at add time is briefly
// protected; the sweeper reclaims these quietly when they expire.
type CartService struct {
	store       Datastore
	redis       *redisclient.Client
	ledger      *InventoryLedger
	validator   *CartValidator
	cartLockTTL time.Duration
	logger      *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(store Datastore, redis *redisclient.Client, ledger *InventoryLedger, validator *CartValidator, cartLockTTL time.Duration) *CartService {
	return &CartService{
		store:       store,
		redis:       redis,
		ledger:      ledger,
		validator:   validator,
		cartLockTTL: cartLockTTL,
		logger:      util.GetLogger(),
	}
}

// CartView is a cart with its lines expanded for the API.
type CartView struct {
	Cart     models.Cart       `json:"cart"`
	Items    []models.CartItem `json:"items"`
	Subtotal int64             `json:"subtotal"`
}

// GetCart returns the user's cart, creating an empty one on first touch.
func (s *CartService) GetCart(ctx context.Context, userID int64) (*CartView, error) {
	view := &CartView{}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := s.getOrCreateCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		items, err := tx.CartItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		view.Cart = *cart
		view.Items = items
		for _, item := range items {
			view.Subtotal += item.PriceAtAdd * int64(item.Quantity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// AddItem adds qty units of a product to the cart, stacking onto any
// existing line up to the per-line maximum.
func (s *CartService) AddItem(ctx context.Context, userID, productID int64, qty int) error {
	if qty <= 0 {
		return models.ValidationError(models.CodeQuantityInvalid, "quantity must be positive")
	}

	ok, undo := s.fastReserve(ctx, productID, qty)
	if !ok {
		util.ReservationsFailedTotal.WithLabelValues("mirror_precheck").Inc()
		return models.BusinessRuleError(models.CodeInsufficientStock, "insufficient stock")
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := s.getOrCreateCart(ctx, tx, userID)
		if err != nil {
			return err
		}

		product, err := tx.GetProduct(ctx, productID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeProductNotFound, "product not found")
			}
			return err
		}
		if !product.IsActive {
			return models.BusinessRuleError(models.CodeProductNotFound, "product is no longer available")
		}

		total := qty
		if existing, err := tx.GetCartItem(ctx, cart.ID, productID); err == nil {
			total += existing.Quantity
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if total > models.CartItemMaxQuantity {
			return models.ValidationError(models.CodeQuantityInvalid,
				fmt.Sprintf("at most %d units of one product per cart", models.CartItemMaxQuantity))
		}

		if err := s.relockProduct(ctx, tx, cart.ID, productID, total); err != nil {
			return err
		}

		item := &models.CartItem{
			CartID:     cart.ID,
			ProductID:  productID,
			Quantity:   total,
			PriceAtAdd: product.SellingPrice,
		}
		return tx.UpsertCartItem(ctx, item)
	})
	if err != nil {
		undo()
		return err
	}

	s.syncMirror(ctx, productID)
	return nil
}

// UpdateItemQuantity sets the line quantity; zero removes the line.
func (s *CartService) UpdateItemQuantity(ctx context.Context, userID, productID int64, qty int) error {
	if qty == 0 {
		return s.RemoveItem(ctx, userID, productID)
	}
	if qty < models.CartItemMinQuantity || qty > models.CartItemMaxQuantity {
		return models.ValidationError(models.CodeQuantityInvalid,
			fmt.Sprintf("quantity must be between %d and %d", models.CartItemMinQuantity, models.CartItemMaxQuantity))
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := s.requireCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		item, err := tx.GetCartItem(ctx, cart.ID, productID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeProductNotFound, "product is not in the cart")
			}
			return err
		}

		if err := s.relockProduct(ctx, tx, cart.ID, productID, qty); err != nil {
			return err
		}

		item.Quantity = qty
		return tx.UpsertCartItem(ctx, item)
	})
	if err != nil {
		return err
	}

	s.syncMirror(ctx, productID)
	return nil
}

// RemoveItem drops a product from the cart and releases its lock.
func (s *CartService) RemoveItem(ctx context.Context, userID, productID int64) error {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := s.requireCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.releaseProductLocks(ctx, tx, cart.ID, productID); err != nil {
			return err
		}
		if err := tx.DeleteCartItem(ctx, cart.ID, productID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return models.NotFoundError(models.CodeProductNotFound, "product is not in the cart")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.syncMirror(ctx, productID)
	return nil
}

// Clear empties the cart and releases every lock it holds.
func (s *CartService) Clear(ctx context.Context, userID int64) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := s.requireCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		if err := s.ledger.ReleaseCartLocks(ctx, tx, cart.ID); err != nil {
			return err
		}
		return tx.ClearCart(ctx, cart.ID)
	})
}

// Validate re-checks every cart line against the live catalog and stock.
func (s *CartService) Validate(ctx context.Context, userID int64) (*CartValidationResult, error) {
	var result *CartValidationResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		cart, err := s.requireCart(ctx, tx, userID)
		if err != nil {
			return err
		}
		items, err := tx.CartItems(ctx, cart.ID)
		if err != nil {
			return err
		}
		result, err = s.validator.Validate(ctx, tx, cart.ID, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stock reports a product's availability: the redis mirror when it is warm,
// the database otherwise.
func (s *CartService) Stock(ctx context.Context, productID int64) (*models.Inventory, error) {
	if s.redis != nil {
		if available, reserved, err := s.redis.GetStock(ctx, productID); err == nil {
			return &models.Inventory{
				ProductID:         productID,
				QuantityAvailable: available,
				QuantityReserved:  reserved,
			}, nil
		}
	}
	inv, err := s.store.GetInventory(ctx, productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NotFoundError(models.CodeProductNotFound, "product not found")
		}
		return nil, err
	}
	return inv, nil
}

func (s *CartService) getOrCreateCart(ctx context.Context, tx store.Tx, userID int64) (*models.Cart, error) {
	cart, err := tx.GetCartByUser(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return tx.CreateCart(ctx, userID)
}

func (s *CartService) requireCart(ctx context.Context, tx store.Tx, userID int64) (*models.Cart, error) {
	cart, err := tx.GetCartByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.BusinessRuleError(models.CodeCartEmpty, "cart is empty")
		}
		return nil, err
	}
	return cart, nil
}

// relockProduct replaces the cart's lock on a product with one covering the
// new total quantity and a fresh expiry.
func (s *CartService) relockProduct(ctx context.Context, tx store.Tx, cartID, productID int64, qty int) error {
	if err := s.releaseProductLocks(ctx, tx, cartID, productID); err != nil {
		return err
	}
	_, err := s.ledger.Reserve(ctx, tx, productID, qty, cartID, time.Now().Add(s.cartLockTTL))
	return err
}

func (s *CartService) releaseProductLocks(ctx context.Context, tx store.Tx, cartID, productID int64) error {
	locks, err := tx.LocksByCart(ctx, cartID)
	if err != nil {
		return err
	}
	for i := range locks {
		if locks[i].ProductID != productID {
			continue
		}
		if err := s.ledger.ReleaseLock(ctx, tx, &locks[i]); err != nil {
			return err
		}
	}
	return nil
}

// fastReserve claims qty units in the redis mirror before the transaction
// opens, so an obviously out-of-stock add is rejected without a database
// round trip. The returned undo releases the claim if the transaction fails;
// mirror errors fall through to the database check.
func (s *CartService) fastReserve(ctx context.Context, productID int64, qty int) (bool, func()) {
	noop := func() {}
	if s.redis == nil {
		return true, noop
	}
	ok, err := s.redis.ReserveStock(ctx, productID, qty)
	if err != nil {
		s.logger.Warn("Stock mirror pre-check failed",
			zap.Int64("product_id", productID), zap.Error(err))
		return true, noop
	}
	if !ok {
		return false, nil
	}
	return true, func() {
		if err := s.redis.ReleaseStock(ctx, productID, qty); err != nil {
			s.logger.Warn("Failed to release mirror pre-reservation",
				zap.Int64("product_id", productID), zap.Error(err))
		}
	}
}

// syncMirror pushes the fresh counters into the Redis mirror, best effort.
func (s *CartService) syncMirror(ctx context.Context, productID int64) {
	if s.redis == nil {
		return
	}
	inv, err := s.store.GetInventory(ctx, productID)
	if err != nil {
		return
	}
	if err := s.redis.SyncInventory(ctx, productID, inv.QuantityAvailable, inv.QuantityReserved); err != nil {
		s.logger.Warn("Failed to sync inventory mirror",
			zap.Int64("product_id", productID), zap.Error(err))
	}
}
