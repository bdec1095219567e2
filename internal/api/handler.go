package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type OrderAPI interface {
	CreateOrder(ctx context.Context, actor models.Actor, req *service.CreateOrderRequest) (*models.Order, error)
	GetOrder(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error)
	UpdateStatus(ctx context.Context, actor models.Actor, orderID int64, status models.OrderStatus) (*models.Order, error)
	CancelOrder(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error)
}

type ShippingAPI interface {
	Quote(ctx context.Context, req *service.ShippingEstimateRequest) (*service.ShippingQuote, error)
}

type PaymentAPI interface {
	InitiatePush(ctx context.Context, actor models.Actor, req *service.InitiatePaymentRequest) (*service.InitiatePaymentResponse, error)
	HandleCallback(ctx context.Context, body []byte) error
	GetStatus(ctx context.Context, actor models.Actor, orderID int64) (*service.PaymentStatusResponse, error)
}

type EscrowAPI interface {
	ReleaseNow(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error)
}

type PayoutResultAPI interface {
	HandleResult(ctx context.Context, body []byte) error
	HandleTimeout(ctx context.Context, body []byte) error
}

type RefundAPI interface {
	RequestRefund(ctx context.Context, actor models.Actor, orderID, itemID int64, req *service.RefundRequest) (*models.Order, error)
	DecideRefund(ctx context.Context, actor models.Actor, orderID, itemID int64, req *service.RefundDecision) (*models.Order, error)
	ProcessRefund(ctx context.Context, actor models.Actor, orderID, itemID int64) (*models.Order, error)
}

// Pinger is a dependency the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the use cases the HTTP layer exposes
type Services struct {
	Orders   OrderAPI
	Shipping ShippingAPI
	Payments PaymentAPI
	Escrow   EscrowAPI
	Refunds  RefundAPI
	Payouts  PayoutResultAPI
}

// Handler contains HTTP handlers
type Handler struct {
	svc    Services
	auth   *Authenticator
	checks map[string]Pinger
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, auth *Authenticator, checks map[string]Pinger) *Handler {
	return &Handler{
		svc:    svc,
		auth:   auth,
		checks: checks,
		logger: util.GetLogger(),
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

	hooks := router.Group("/api/v1/payments/mpesa/hooks/:token", h.auth.GatewayMiddleware())
	{
		hooks.POST("/stk", h.paymentCallback)
		hooks.POST("/b2c/result", h.payoutResult)
		hooks.POST("/b2c/timeout", h.payoutTimeout)
	}

	v1 := router.Group("/api/v1", h.auth.Middleware())
	{
		v1.POST("/shipping/estimate", h.estimateShipping)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.PUT("/orders/:id/status", h.updateStatus)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/orders/:id/payment-status", h.paymentStatus)

		v1.POST("/payments/mpesa", h.initiatePayment)

		v1.POST("/orders/:id/items/:itemId/refund", h.requestRefund)
		v1.PUT("/orders/:id/items/:itemId/refund", h.decideRefund)

		admin := v1.Group("/admin", requireRole(models.RoleAdmin))
		admin.POST("/orders/:id/release", h.releaseEscrow)
		admin.POST("/orders/:id/items/:itemId/refund/process", h.processRefund)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}

func (h *Handler) estimateShipping(c *gin.Context) {
	var req service.ShippingEstimateRequest
	if !bindJSON(c, &req) {
		return
	}

	quote, err := h.svc.Shipping.Quote(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if !bindJSON(c, &req) {
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.svc.Orders.CreateOrder(c.Request.Context(), currentActor(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.svc.Orders.GetOrder(c.Request.Context(), currentActor(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type statusUpdate struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

func (h *Handler) updateStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req statusUpdate
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.svc.Orders.UpdateStatus(c.Request.Context(), currentActor(c), orderID, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.svc.Orders.CancelOrder(c.Request.Context(), currentActor(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.svc.Payments.InitiatePush(c.Request.Context(), currentActor(c), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) paymentCallback(c *gin.Context) {
	h.gatewayNotification(c, "payment callback", h.svc.Payments.HandleCallback)
}

func (h *Handler) payoutResult(c *gin.Context) {
	h.gatewayNotification(c, "payout result", h.svc.Payouts.HandleResult)
}

func (h *Handler) payoutTimeout(c *gin.Context) {
	h.gatewayNotification(c, "payout timeout", h.svc.Payouts.HandleTimeout)
}

// gatewayNotification acknowledges notifications that were applied or can never
// be applied. Transient and internal failures answer 503 so the gateway
// delivers again; the sweeps cover whatever is still lost.
func (h *Handler) gatewayNotification(c *gin.Context, name string, handle func(context.Context, []byte) error) {
	body, err := c.GetRawData()
	if err == nil {
		err = handle(c.Request.Context(), body)
	}
	if err != nil && retryable(err) {
		h.logger.Error("Gateway notification failed, asking for redelivery",
			zap.String("notification", name), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"ResultCode": 1,
			"ResultDesc": "Temporarily unavailable",
		})
		return
	}
	if err != nil {
		h.logger.Warn("Gateway notification not applied",
			zap.String("notification", name), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

func (h *Handler) paymentStatus(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	resp, err := h.svc.Payments.GetStatus(c.Request.Context(), currentActor(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) releaseEscrow(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	order, err := h.svc.Escrow.ReleaseNow(c.Request.Context(), currentActor(c), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, order)
}

func (h *Handler) requestRefund(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemId")
	if !ok {
		return
	}
	var req service.RefundRequest
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.svc.Refunds.RequestRefund(c.Request.Context(), currentActor(c), orderID, itemID, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) decideRefund(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemId")
	if !ok {
		return
	}
	var req service.RefundDecision
	if !bindJSON(c, &req) {
		return
	}

	order, err := h.svc.Refunds.DecideRefund(c.Request.Context(), currentActor(c), orderID, itemID, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) processRefund(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(c, "itemId")
	if !ok {
		return
	}

	order, err := h.svc.Refunds.ProcessRefund(c.Request.Context(), currentActor(c), orderID, itemID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, order)
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
