package service

import (
	"context"
	"strings"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentMethodMpesa is the only accepted checkout payment method
const PaymentMethodMpesa = "mpesa"

// OrderService handles the order aggregate lifecycle
type OrderService struct {
	orders            OrderRepository
	catalog           ProductCatalog
	estimator         *ShippingEstimator
	notifier          Notifier
	defaultCommission decimal.Decimal
	holdPeriod        time.Duration
	logger            *zap.Logger
	now               func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderRepository,
	catalog ProductCatalog,
	estimator *ShippingEstimator,
	notifier Notifier,
	defaultCommission decimal.Decimal,
	holdPeriod time.Duration,
) *OrderService {
	return &OrderService{
		orders:            orders,
		catalog:           catalog,
		estimator:         estimator,
		notifier:          notifier,
		defaultCommission: defaultCommission,
		holdPeriod:        holdPeriod,
		logger:            util.GetLogger(),
		now:               time.Now,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items           []OrderItemRequest     `json:"items" binding:"required,min=1"`
	DeliveryDetails models.DeliveryDetails `json:"delivery_details" binding:"required"`
	ShippingMethod  string                 `json:"shipping_method"`
	PaymentMethod   string                 `json:"payment_method" binding:"required"`
	CouponCode      string                 `json:"coupon_code,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrder validates the cart, freezes prices and persists the order
func (s *OrderService) CreateOrder(ctx context.Context, actor models.Actor, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	existing, err := s.replay(ctx, actor, req.IdempotencyKey)
	if err != nil || existing != nil {
		return existing, err
	}

	items, err := mergeItems(req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}
	if err := validateCheckout(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	products, err := loadProducts(ctx, s.catalog, items)
	if err != nil {
		return nil, err
	}

	order, err := s.buildOrder(actor, req, items, products)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	quote, err := s.estimator.Estimate(ctx, items, products,
		req.DeliveryDetails.Address, req.ShippingMethod, order.TotalAmount)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("shipping").Inc()
		return nil, err
	}
	order.ShippingMethod = quote.ShippingMethod
	order.ShippingCost = quote.ShippingCost
	order.ShippingDistanceKm = quote.DistanceKm
	order.EstimatedDeliveryDate = timePtr(quote.EstimatedDeliveryDate)

	if err := s.orders.CreateOrder(ctx, order); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			// a concurrent request with the same key won the insert
			if existing, rerr := s.replay(ctx, actor, req.IdempotencyKey); rerr == nil && existing != nil {
				return existing, nil
			}
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		if _, ok := err.(*apperr.Error); ok {
			return nil, err
		}
		return nil, apperr.Internal(err, "failed to create order")
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("buyer_id", order.BuyerID),
		zap.String("total_amount", order.TotalAmount.String()))

	itemData := make([]models.OrderItemData, 0, len(order.Items))
	for _, it := range order.Items {
		itemData = append(itemData, models.OrderItemData{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.Price,
		})
	}
	event := &models.OrderCreatedEvent{
		BaseEvent:    newBaseEvent(models.EventTypeOrderCreated, s.now()),
		OrderID:      order.ID,
		BuyerID:      order.BuyerID,
		SupplierID:   order.SupplierID,
		TotalAmount:  order.TotalAmount,
		ShippingCost: order.ShippingCost,
		Items:        itemData,
	}
	if err := s.notifier.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return order, nil
}

// replay returns the order already created under key, if any
func (s *OrderService) replay(ctx context.Context, actor models.Actor, key string) (*models.Order, error) {
	existing, err := s.orders.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperr.Internal(err, "failed to check idempotency")
	}
	if existing == nil {
		return nil, nil
	}
	if existing.BuyerID != actor.ID {
		return nil, apperr.Conflict("idempotency key already used")
	}
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", existing.ID))
	return existing, nil
}

func validateCheckout(req *CreateOrderRequest) error {
	if strings.ToLower(req.PaymentMethod) != PaymentMethodMpesa {
		return apperr.Validation("unsupported payment method %q", req.PaymentMethod)
	}
	d := req.DeliveryDetails
	if strings.TrimSpace(d.RecipientName) == "" {
		return apperr.Validation("delivery recipient name is required")
	}
	if strings.TrimSpace(d.Phone) == "" {
		return apperr.Validation("delivery phone is required")
	}
	if strings.TrimSpace(d.Address) == "" {
		return apperr.Validation("delivery address is required")
	}
	return nil
}

// buildOrder freezes catalog prices into a new single-supplier order
func (s *OrderService) buildOrder(
	actor models.Actor,
	req *CreateOrderRequest,
	items []OrderItemRequest,
	products map[int64]*models.Product,
) (*models.Order, error) {
	order := &models.Order{
		BuyerID:              actor.ID,
		IdempotencyKey:       req.IdempotencyKey,
		Status:               models.OrderStatusPending,
		PaymentStatus:        models.PaymentStatusUnpaid,
		DeliveryStatus:       models.DeliveryStatusPending,
		PaymentReleaseStatus: models.ReleaseStatusPending,
		PaymentMethod:        PaymentMethodMpesa,
		DeliveryDetails:      req.DeliveryDetails,
		Items:                make([]models.OrderItem, 0, len(items)),
	}
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		order.CouponCode = strPtr(code)
	}

	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, apperr.Validation("product %d not found", item.ProductID)
		}
		if p.Stock < item.Quantity {
			return nil, apperr.Validation("insufficient stock for product %d: requested %d, available %d",
				p.ID, item.Quantity, p.Stock)
		}
		if order.SupplierID == 0 {
			order.SupplierID = p.SellerID
		} else if order.SupplierID != p.SellerID {
			return nil, apperr.Validation("all items must come from one supplier")
		}

		commission := s.defaultCommission
		if p.CommissionPercentage.Valid {
			commission = p.CommissionPercentage.Decimal
		}
		order.Items = append(order.Items, models.NewOrderItem(p, item.Quantity, commission))
	}

	order.Recalculate()
	return order, nil
}

// GetOrder returns an order visible to the actor
func (s *OrderService) GetOrder(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, order) {
		return nil, apperr.Unauthorized("not allowed to view order %d", orderID)
	}
	return order, nil
}

var statusRank = map[models.OrderStatus]int{
	models.OrderStatusPending:    0,
	models.OrderStatusProcessing: 1,
	models.OrderStatusShipped:    2,
	models.OrderStatusDelivered:  3,
}

// UpdateStatus moves the order through fulfilment on behalf of its seller or an admin
func (s *OrderService) UpdateStatus(ctx context.Context, actor models.Actor, orderID int64, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	if !status.Valid() {
		return nil, apperr.Validation("unknown order status %q", status)
	}
	if status.Derived() {
		return nil, apperr.Conflict("status %s is derived from refunds", status)
	}

	now := s.now()
	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if !canManage(actor, o) {
			return apperr.Unauthorized("not allowed to update order %d", orderID)
		}
		if o.Status == status {
			return nil
		}
		if o.Status.Terminal() || o.Status.Derived() {
			return apperr.Conflict("order %d is %s", orderID, o.Status)
		}
		if status != models.OrderStatusCancelled && statusRank[status] < statusRank[o.Status] {
			return apperr.Conflict("cannot move order %d from %s back to %s", orderID, o.Status, status)
		}

		switch status {
		case models.OrderStatusCancelled:
			if o.Status == models.OrderStatusDelivered {
				return apperr.Conflict("delivered orders can only be refunded")
			}
			s.cancel(o, now)
			return nil
		case models.OrderStatusShipped:
			o.DeliveryStatus = models.DeliveryStatusInTransit
		case models.OrderStatusDelivered:
			o.DeliveryStatus = models.DeliveryStatusDelivered
			o.DeliveredAt = timePtr(now)
			if o.PaymentStatus == models.PaymentStatusPaid && o.PaymentReleaseStatus == models.ReleaseStatusPending {
				o.PaymentReleaseStatus = models.ReleaseStatusScheduled
				o.ReleaseDate = timePtr(now.Add(s.holdPeriod))
			}
		}

		o.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(string(order.Status)).Inc()
	s.logger.Info("Order status updated",
		zap.Int64("order_id", orderID),
		zap.String("status", string(order.Status)),
		zap.Int64("actor_id", actor.ID))
	s.publishStatusChanged(ctx, order, actor.ID)

	return order, nil
}

// CancelOrder lets the buyer withdraw an order before it ships
func (s *OrderService) CancelOrder(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	now := s.now()
	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if !isBuyerOrAdmin(actor, o) {
			return apperr.Unauthorized("not allowed to cancel order %d", orderID)
		}
		if o.Status != models.OrderStatusPending && o.Status != models.OrderStatusProcessing {
			return apperr.Conflict("order %d is %s and can no longer be cancelled", orderID, o.Status)
		}
		s.cancel(o, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.OrderStatusTransitionsTotal.WithLabelValues(string(order.Status)).Inc()
	s.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.Int64("actor_id", actor.ID))
	s.publishStatusChanged(ctx, order, actor.ID)

	return order, nil
}

// cancel marks the order cancelled; captured funds stay on hold for an admin refund
func (s *OrderService) cancel(o *models.Order, now time.Time) {
	o.Status = models.OrderStatusCancelled
	o.DeliveryStatus = models.DeliveryStatusCancelled
	o.CancelledAt = timePtr(now)
	if o.PaymentStatus.Captured() && o.PaymentReleaseStatus != models.ReleaseStatusReleased {
		o.PaymentReleaseStatus = models.ReleaseStatusOnHold
	}
}

func (s *OrderService) publishStatusChanged(ctx context.Context, o *models.Order, actorID int64) {
	event := &models.OrderStatusChangedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeOrderStatusChanged, s.now()),
		OrderID:        o.ID,
		BuyerID:        o.BuyerID,
		SupplierID:     o.SupplierID,
		Status:         o.Status,
		DeliveryStatus: o.DeliveryStatus,
		ChangedBy:      actorID,
	}
	if err := s.notifier.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderStatusChanged event", zap.Error(err))
	}
}
