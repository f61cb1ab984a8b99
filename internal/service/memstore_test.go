package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
)

// memStore is an in-memory Datastore. WithTx serializes on a mutex and
// snapshots the state, so a returned error rolls everything back just like
// the real transaction does.
type memStore struct {
	mu sync.Mutex
	memState
}

type memState struct {
	products     map[int64]models.Product
	inventory    map[int64]models.Inventory
	locks        map[int64]models.InventoryLock
	carts        map[int64]models.Cart
	cartItems    map[int64]models.CartItem
	coupons      map[int64]models.Coupon
	couponUsages map[int64]models.CouponUsage
	orders       map[int64]models.Order
	orderItems   map[int64]models.OrderItem
	payments     map[int64]models.Payment
	attempts     map[int64]models.PaymentAttempt
	refunds      map[int64]models.Refund
	webhooks     map[string]bool
	seq          int64
}

var _ Datastore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{memState: memState{
		products:     map[int64]models.Product{},
		inventory:    map[int64]models.Inventory{},
		locks:        map[int64]models.InventoryLock{},
		carts:        map[int64]models.Cart{},
		cartItems:    map[int64]models.CartItem{},
		coupons:      map[int64]models.Coupon{},
		couponUsages: map[int64]models.CouponUsage{},
		orders:       map[int64]models.Order{},
		orderItems:   map[int64]models.OrderItem{},
		payments:     map[int64]models.Payment{},
		attempts:     map[int64]models.PaymentAttempt{},
		refunds:      map[int64]models.Refund{},
		webhooks:     map[string]bool{},
	}}
}

func (m *memStore) nextID() int64 {
	m.seq++
	return m.seq
}

func copyMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (s memState) snapshot() memState {
	return memState{
		products:     copyMap(s.products),
		inventory:    copyMap(s.inventory),
		locks:        copyMap(s.locks),
		carts:        copyMap(s.carts),
		cartItems:    copyMap(s.cartItems),
		coupons:      copyMap(s.coupons),
		couponUsages: copyMap(s.couponUsages),
		orders:       copyMap(s.orders),
		orderItems:   copyMap(s.orderItems),
		payments:     copyMap(s.payments),
		attempts:     copyMap(s.attempts),
		refunds:      copyMap(s.refunds),
		webhooks:     copyMap(s.webhooks),
		seq:          s.seq,
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := m.memState.snapshot()
	if err := fn(m); err != nil {
		m.memState = saved
		return err
	}
	return nil
}

// --- seed helpers ---

func (m *memStore) addProduct(id int64, price int64, available, reserved int) {
	m.products[id] = models.Product{
		ID: id, SKU: "SKU-" + time.Now().Format("150405"), Name: "product",
		MRP: price, SellingPrice: price, IsActive: true,
	}
	m.inventory[id] = models.Inventory{
		ProductID: id, QuantityAvailable: available, QuantityReserved: reserved,
	}
	if id > m.seq {
		m.seq = id
	}
}

func (m *memStore) addDiscountedProduct(id, mrp, discountPercent int64, available int) {
	m.products[id] = models.Product{
		ID: id, SKU: "SKU-" + time.Now().Format("150405"), Name: "product",
		MRP: mrp, DiscountPercent: discountPercent,
		SellingPrice: mrp - mrp*discountPercent/100, IsActive: true,
	}
	m.inventory[id] = models.Inventory{
		ProductID: id, QuantityAvailable: available,
	}
	if id > m.seq {
		m.seq = id
	}
}

func (m *memStore) addCoupon(c models.Coupon) {
	if c.ID == 0 {
		c.ID = m.nextID()
	}
	m.coupons[c.ID] = c
	if c.ID > m.seq {
		m.seq = c.ID
	}
}

// --- products and inventory ---

func (m *memStore) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m *memStore) GetProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetInventory(ctx context.Context, productID int64) (*models.Inventory, error) {
	inv, ok := m.inventory[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (m *memStore) GetInventoryForUpdate(ctx context.Context, productID int64) (*models.Inventory, error) {
	return m.GetInventory(ctx, productID)
}

func (m *memStore) AdjustInventory(ctx context.Context, productID int64, availableDelta, reservedDelta int) error {
	inv, ok := m.inventory[productID]
	if !ok {
		return store.ErrNotFound
	}
	inv.QuantityAvailable += availableDelta
	inv.QuantityReserved += reservedDelta
	m.inventory[productID] = inv
	return nil
}

func (m *memStore) InsertInventoryLock(ctx context.Context, lock *models.InventoryLock) error {
	lock.ID = m.nextID()
	lock.CreatedAt = time.Now()
	m.locks[lock.ID] = *lock
	return nil
}

func (m *memStore) DeleteInventoryLock(ctx context.Context, id int64) error {
	delete(m.locks, id)
	return nil
}

func (m *memStore) GetInventoryLockForUpdate(ctx context.Context, id int64) (*models.InventoryLock, error) {
	lock, ok := m.locks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &lock, nil
}

func (m *memStore) lockList(match func(models.InventoryLock) bool) []models.InventoryLock {
	var out []models.InventoryLock
	for _, lock := range m.locks {
		if match(lock) {
			out = append(out, lock)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) LocksByOrder(ctx context.Context, orderID int64) ([]models.InventoryLock, error) {
	return m.lockList(func(l models.InventoryLock) bool {
		return l.OrderID != nil && *l.OrderID == orderID
	}), nil
}

func (m *memStore) LocksByCart(ctx context.Context, cartID int64) ([]models.InventoryLock, error) {
	return m.lockList(func(l models.InventoryLock) bool {
		return l.CartID != nil && *l.CartID == cartID
	}), nil
}

func (m *memStore) PromoteLocksToOrder(ctx context.Context, lockIDs []int64, orderID int64, expiresAt time.Time) error {
	for _, id := range lockIDs {
		lock, ok := m.locks[id]
		if !ok {
			continue
		}
		oid := orderID
		lock.OrderID = &oid
		lock.CartID = nil
		lock.LockType = models.LockTypeOrder
		lock.ExpiresAt = expiresAt
		m.locks[id] = lock
	}
	return nil
}

func (m *memStore) ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]models.InventoryLock, error) {
	out := m.lockList(func(l models.InventoryLock) bool { return l.ExpiresAt.Before(now) })
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- carts ---

func (m *memStore) GetCartByUser(ctx context.Context, userID int64) (*models.Cart, error) {
	for _, cart := range m.carts {
		if cart.UserID == userID {
			c := cart
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) CreateCart(ctx context.Context, userID int64) (*models.Cart, error) {
	cart := models.Cart{ID: m.nextID(), UserID: userID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	m.carts[cart.ID] = cart
	return &cart, nil
}

func (m *memStore) CartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	var out []models.CartItem
	for _, item := range m.cartItems {
		if item.CartID == cartID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetCartItem(ctx context.Context, cartID, productID int64) (*models.CartItem, error) {
	for _, item := range m.cartItems {
		if item.CartID == cartID && item.ProductID == productID {
			i := item
			return &i, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpsertCartItem(ctx context.Context, item *models.CartItem) error {
	if existing, err := m.GetCartItem(ctx, item.CartID, item.ProductID); err == nil {
		item.ID = existing.ID
		item.CreatedAt = existing.CreatedAt
	} else {
		item.ID = m.nextID()
		item.CreatedAt = time.Now()
	}
	m.cartItems[item.ID] = *item
	return nil
}

func (m *memStore) DeleteCartItem(ctx context.Context, cartID, productID int64) error {
	item, err := m.GetCartItem(ctx, cartID, productID)
	if err != nil {
		return err
	}
	delete(m.cartItems, item.ID)
	return nil
}

func (m *memStore) ClearCart(ctx context.Context, cartID int64) error {
	for id, item := range m.cartItems {
		if item.CartID == cartID {
			delete(m.cartItems, id)
		}
	}
	return nil
}

// --- coupons ---

func (m *memStore) GetCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	for _, c := range m.coupons {
		if strings.EqualFold(c.Code, code) {
			coupon := c
			return &coupon, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetCouponByCodeForUpdate(ctx context.Context, code string) (*models.Coupon, error) {
	return m.GetCouponByCode(ctx, code)
}

func (m *memStore) GetCouponByID(ctx context.Context, id int64) (*models.Coupon, error) {
	c, ok := m.coupons[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *memStore) CountUserCouponUsages(ctx context.Context, couponID, userID int64) (int, error) {
	count := 0
	for _, u := range m.couponUsages {
		if u.CouponID == couponID && u.UserID == userID && !u.IsReversed {
			count++
		}
	}
	return count, nil
}

func (m *memStore) AddCouponTimesUsed(ctx context.Context, couponID int64, delta int) error {
	c, ok := m.coupons[couponID]
	if !ok {
		return store.ErrNotFound
	}
	c.TimesUsed += delta
	m.coupons[couponID] = c
	return nil
}

func (m *memStore) InsertCouponUsage(ctx context.Context, usage *models.CouponUsage) error {
	usage.ID = m.nextID()
	usage.UsedAt = time.Now()
	m.couponUsages[usage.ID] = *usage
	return nil
}

func (m *memStore) CouponUsageByOrder(ctx context.Context, orderID int64) (*models.CouponUsage, error) {
	for _, u := range m.couponUsages {
		if u.OrderID != nil && *u.OrderID == orderID && !u.IsReversed {
			usage := u
			return &usage, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ReverseCouponUsage(ctx context.Context, usageID int64) error {
	u, ok := m.couponUsages[usageID]
	if !ok || u.IsReversed {
		return nil
	}
	now := time.Now()
	u.IsReversed = true
	u.ReversedAt = &now
	m.couponUsages[usageID] = u
	return nil
}

// --- orders ---

func (m *memStore) InsertOrder(ctx context.Context, order *models.Order) error {
	order.ID = m.nextID()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	m.orders[order.ID] = *order
	return nil
}

func (m *memStore) InsertOrderItem(ctx context.Context, item *models.OrderItem) error {
	item.ID = m.nextID()
	item.CreatedAt = time.Now()
	m.orderItems[item.ID] = *item
	return nil
}

func (m *memStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (m *memStore) GetOrderForUpdate(ctx context.Context, id int64) (*models.Order, error) {
	return m.GetOrder(ctx, id)
}

func (m *memStore) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var out []models.OrderItem
	for _, item := range m.orderItems {
		if item.OrderID == orderID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	m.orders[orderID] = o
	return nil
}

func (m *memStore) UpdateOrderPaymentStatus(ctx context.Context, orderID int64, paymentStatus string) error {
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.PaymentStatus = paymentStatus
	o.UpdatedAt = time.Now()
	m.orders[orderID] = o
	return nil
}

func (m *memStore) MarkOrderCancelled(ctx context.Context, orderID int64, reason string) error {
	o, ok := m.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	o.Status = models.OrderStatusCancelled
	o.CancelledAt = &now
	o.CancellationReason = reason
	o.UpdatedAt = now
	m.orders[orderID] = o
	return nil
}

func (m *memStore) ListUserOrders(ctx context.Context, userID int64, status string, limit, offset int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID && (status == "" || o.Status == status) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- payments ---

func (m *memStore) InsertPayment(ctx context.Context, payment *models.Payment) error {
	payment.ID = m.nextID()
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	m.payments[payment.ID] = *payment
	return nil
}

func (m *memStore) GetPaymentByOrder(ctx context.Context, orderID int64) (*models.Payment, error) {
	for _, p := range m.payments {
		if p.OrderID == orderID {
			payment := p
			return &payment, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetPaymentByOrderForUpdate(ctx context.Context, orderID int64) (*models.Payment, error) {
	return m.GetPaymentByOrder(ctx, orderID)
}

func (m *memStore) GetPaymentByTransactionForUpdate(ctx context.Context, transactionID string) (*models.Payment, error) {
	for _, p := range m.payments {
		if p.TransactionID == transactionID {
			payment := p
			return &payment, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdatePayment(ctx context.Context, payment *models.Payment) error {
	if _, ok := m.payments[payment.ID]; !ok {
		return store.ErrNotFound
	}
	payment.UpdatedAt = time.Now()
	m.payments[payment.ID] = *payment
	return nil
}

func (m *memStore) InsertPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	attempt.ID = m.nextID()
	attempt.CreatedAt = time.Now()
	m.attempts[attempt.ID] = *attempt
	return nil
}

func (m *memStore) IsWebhookProcessed(ctx context.Context, transactionID, event string) (bool, error) {
	return m.webhooks[transactionID+"|"+event], nil
}

func (m *memStore) MarkWebhookProcessed(ctx context.Context, transactionID, event string) error {
	m.webhooks[transactionID+"|"+event] = true
	return nil
}

// --- refunds ---

func (m *memStore) InsertRefund(ctx context.Context, refund *models.Refund) error {
	refund.ID = m.nextID()
	refund.CreatedAt = time.Now()
	refund.UpdatedAt = refund.CreatedAt
	m.refunds[refund.ID] = *refund
	return nil
}

func (m *memStore) GetRefundForUpdate(ctx context.Context, id int64) (*models.Refund, error) {
	r, ok := m.refunds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) UpdateRefund(ctx context.Context, refund *models.Refund) error {
	if _, ok := m.refunds[refund.ID]; !ok {
		return store.ErrNotFound
	}
	refund.UpdatedAt = time.Now()
	m.refunds[refund.ID] = *refund
	return nil
}

func (m *memStore) SumCompletedRefunds(ctx context.Context, paymentID int64) (int64, error) {
	var total int64
	for _, r := range m.refunds {
		if r.PaymentID == paymentID && r.Status == models.RefundStatusCompleted {
			total += r.Amount
		}
	}
	return total, nil
}

func (m *memStore) GetRefundByOrder(ctx context.Context, orderID int64) (*models.Refund, error) {
	var latest *models.Refund
	for _, r := range m.refunds {
		refund := r
		if refund.OrderID == orderID && (latest == nil || refund.ID > latest.ID) {
			latest = &refund
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}
