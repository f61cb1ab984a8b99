package api

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Identity headers set by the auth layer in front of this service.
const (
	headerUserID    = "X-User-ID"
	headerUserRole  = "X-User-Role"
	headerSignature = "X-Gateway-Signature"

	roleAdmin = "admin"
)

// Handler contains HTTP handlers
type Handler struct {
	cartService    *service.CartService
	orderService   *service.OrderService
	paymentService *service.PaymentService
	refundService  *service.RefundService
	gatewaySecret  string
}

// NewHandler creates a new HTTP handler
func NewHandler(
	cartService *service.CartService,
	orderService *service.OrderService,
	paymentService *service.PaymentService,
	refundService *service.RefundService,
	gatewaySecret string,
) *Handler {
	return &Handler{
		cartService:    cartService,
		orderService:   orderService,
		paymentService: paymentService,
		refundService:  refundService,
		gatewaySecret:  gatewaySecret,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Gateway webhooks authenticate with a body signature, not user identity.
	router.POST("/webhooks/payment", h.paymentWebhook)

	v1 := router.Group("/api/v1")
	v1.Use(identityMiddleware())
	{
		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PUT("/cart/items/:productId", h.updateCartItem)
		v1.DELETE("/cart/items/:productId", h.removeCartItem)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/validate", h.validateCart)

		v1.GET("/products/:productId/stock", h.productStock)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.POST("/orders/:id/payment", h.initiatePayment)
		v1.POST("/orders/:id/payment/verify", h.verifyPayment)
		v1.GET("/orders/:id/payment", h.getPayment)

		v1.POST("/orders/:id/refund", h.initiateRefund)
		v1.GET("/orders/:id/refund", h.getRefund)
	}

	admin := v1.Group("/admin")
	admin.Use(adminMiddleware())
	{
		admin.PATCH("/orders/:id/status", h.updateOrderStatus)
		admin.POST("/refunds/:id/approve", h.refundAction(h.refundService.Approve))
		admin.POST("/refunds/:id/reject", h.refundAction(h.refundService.Reject))
		admin.POST("/refunds/:id/process", h.refundAction(h.refundService.Process))
		admin.POST("/refunds/:id/complete", h.refundAction(h.refundService.Complete))
		admin.POST("/refunds/:id/fail", h.refundAction(h.refundService.MarkFailed))
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// --- cart ---

func (h *Handler) getCart(c *gin.Context) {
	view, err := h.cartService.GetCart(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type cartItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req cartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.cartService.AddItem(c.Request.Context(), userID(c), req.ProductID, req.Quantity); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) updateCartItem(c *gin.Context) {
	productID, ok := paramID(c, "productId")
	if !ok {
		return
	}
	var req quantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.cartService.UpdateItemQuantity(c.Request.Context(), userID(c), productID, req.Quantity); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	productID, ok := paramID(c, "productId")
	if !ok {
		return
	}
	if err := h.cartService.RemoveItem(c.Request.Context(), userID(c), productID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) clearCart(c *gin.Context) {
	if err := h.cartService.Clear(c.Request.Context(), userID(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) validateCart(c *gin.Context) {
	result, err := h.cartService.Validate(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":    result.Valid,
		"subtotal": result.Subtotal,
		"issues":   result.Issues,
		"warnings": result.Warnings,
	})
}

// productStock serves the availability shown next to add-to-cart buttons.
func (h *Handler) productStock(c *gin.Context) {
	productID, ok := paramID(c, "productId")
	if !ok {
		return
	}
	inv, err := h.cartService.Stock(c.Request.Context(), productID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"product_id": inv.ProductID,
		"available":  inv.QuantityAvailable,
		"reserved":   inv.QuantityReserved,
		"usable":     inv.QuantityAvailable - inv.QuantityReserved,
	})
}

// --- orders ---

func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	view, err := h.orderService.CreateOrder(c.Request.Context(), userID(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *Handler) listOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	orders, err := h.orderService.ListOrders(c.Request.Context(), userID(c), c.Query("status"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	view, err := h.orderService.GetOrder(c.Request.Context(), userID(c), orderID, isAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type cancelOrderRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.orderService.CancelOrder(c.Request.Context(), userID(c), orderID, req.Reason, isAdmin(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.orderService.UpdateStatus(c.Request.Context(), orderID, req.Status); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- payments ---

func (h *Handler) initiatePayment(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	resp, err := h.paymentService.Initiate(c.Request.Context(), userID(c), orderID, &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req service.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.paymentService.Verify(c.Request.Context(), userID(c), orderID, &req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.PaymentStatusSuccess})
}

func (h *Handler) getPayment(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	payment, err := h.paymentService.GetPayment(c.Request.Context(), userID(c), orderID, isAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// paymentWebhook authenticates the raw body against the gateway signature
// header, then applies the notification. Once recorded, duplicates and
// flagged deliveries still return 200 so the gateway stops retrying.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err)
		return
	}

	expected := service.SignBody(h.gatewaySecret, body)
	if !hmac.Equal([]byte(expected), []byte(c.GetHeader(headerSignature))) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook signature"})
		return
	}

	var req service.WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Event == "" || req.TransactionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event and transaction_id are required"})
		return
	}

	if err := h.paymentService.ProcessWebhook(c.Request.Context(), &req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- refunds ---

func (h *Handler) initiateRefund(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req service.InitiateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	refund, err := h.refundService.Initiate(c.Request.Context(), userID(c), orderID, &req, isAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, refund)
}

func (h *Handler) getRefund(c *gin.Context) {
	orderID, ok := paramID(c, "id")
	if !ok {
		return
	}
	refund, err := h.refundService.GetRefundForOrder(c.Request.Context(), userID(c), orderID, isAdmin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

func (h *Handler) refundAction(action func(ctx context.Context, refundID int64) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		refundID, ok := paramID(c, "id")
		if !ok {
			return
		}
		if err := action(c.Request.Context(), refundID); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// --- middleware and helpers ---

func identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(headerUserID), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid user identity"})
			return
		}
		c.Set("userID", id)
		c.Set("userRole", c.GetHeader(headerUserRole))
		c.Next()
	}
}

func adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64("userID")
}

func isAdmin(c *gin.Context) bool {
	return c.GetString("userRole") == roleAdmin
}

func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// respondError maps error kinds onto HTTP statuses. Internal causes are
// logged by the services, never serialized to the client.
func respondError(c *gin.Context, err error) {
	if appErr, ok := models.AsAppError(err); ok {
		status := http.StatusInternalServerError
		switch appErr.Kind {
		case models.KindValidation:
			status = http.StatusBadRequest
		case models.KindBusinessRule:
			status = http.StatusUnprocessableEntity
		case models.KindConflict:
			status = http.StatusConflict
		case models.KindNotFound:
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": appErr.Message, "code": appErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
