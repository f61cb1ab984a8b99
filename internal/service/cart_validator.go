package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// Cart issue codes surfaced by validation.
const (
	IssueProductInactive   = "PRODUCT_INACTIVE"
	IssueProductMissing    = "PRODUCT_MISSING"
	IssueQuantityInvalid   = "QUANTITY_INVALID"
	IssueInsufficientStock = "INSUFFICIENT_STOCK"
	WarningPriceChanged    = "PRICE_CHANGED"
)

// CartIssue describes one problem or warning for a cart line.
type CartIssue struct {
	ProductID int64  `json:"product_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ValidatedItem is a cart line that passed validation, priced from the
// current catalog.
type ValidatedItem struct {
	Product  models.Product
	Quantity int
}

// CartValidationResult is the full verdict for a cart. Issues block
// checkout; warnings (price drift) do not.
type CartValidationResult struct {
	Valid    bool
	Items    []ValidatedItem
	Subtotal int64
	Issues   []CartIssue
	Warnings []CartIssue
}

// CartValidator checks a cart against the live catalog and stock counters.
// Stock math credits the cart's own locks back, so a cart holding a lock on
// the last unit still validates.
type CartValidator struct{}

// NewCartValidator creates a new cart validator
func NewCartValidator() *CartValidator {
	return &CartValidator{}
}

// Validate checks every line of the cart and prices valid lines at the
// current selling price.
func (v *CartValidator) Validate(ctx context.Context, tx store.Tx, cartID int64, items []models.CartItem) (*CartValidationResult, error) {
	result := &CartValidationResult{}

	if len(items) == 0 {
		result.Issues = append(result.Issues, CartIssue{Code: models.CodeCartEmpty, Message: "cart is empty"})
		return result, nil
	}

	ownLocks, err := tx.LocksByCart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	ownLocked := make(map[int64]int)
	for _, lock := range ownLocks {
		ownLocked[lock.ProductID] += lock.QuantityLocked
	}

	productIDs := make([]int64, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := tx.GetProducts(ctx, productIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]models.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	for _, item := range items {
		product, ok := byID[item.ProductID]
		if !ok {
			result.Issues = append(result.Issues, CartIssue{
				ProductID: item.ProductID,
				Code:      IssueProductMissing,
				Message:   "product no longer exists",
			})
			continue
		}
		if !product.IsActive {
			result.Issues = append(result.Issues, CartIssue{
				ProductID: item.ProductID,
				Code:      IssueProductInactive,
				Message:   "product is no longer available",
			})
			continue
		}
		if item.Quantity < models.CartItemMinQuantity || item.Quantity > models.CartItemMaxQuantity {
			result.Issues = append(result.Issues, CartIssue{
				ProductID: item.ProductID,
				Code:      IssueQuantityInvalid,
				Message: fmt.Sprintf("quantity must be between %d and %d",
					models.CartItemMinQuantity, models.CartItemMaxQuantity),
			})
			continue
		}

		inv, err := tx.GetInventory(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		usable := inv.QuantityAvailable - inv.QuantityReserved + ownLocked[item.ProductID]
		if usable < item.Quantity {
			result.Issues = append(result.Issues, CartIssue{
				ProductID: item.ProductID,
				Code:      IssueInsufficientStock,
				Message:   fmt.Sprintf("only %d units available", max(usable, 0)),
			})
			continue
		}

		if item.PriceAtAdd != product.SellingPrice {
			result.Warnings = append(result.Warnings, CartIssue{
				ProductID: item.ProductID,
				Code:      WarningPriceChanged,
				Message: fmt.Sprintf("price changed from %d to %d since added",
					item.PriceAtAdd, product.SellingPrice),
			})
		}

		result.Items = append(result.Items, ValidatedItem{Product: product, Quantity: item.Quantity})
		result.Subtotal += product.SellingPrice * int64(item.Quantity)
	}

	result.Valid = len(result.Issues) == 0
	return result, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
