package service

import (
	"context"
	"fmt"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconciliation sources
const (
	SourceCallback = "callback"
	SourcePoll     = "poll"
	SourceBroker   = "broker"
)

// PaymentService drives push payments and reconciles their outcomes
type PaymentService struct {
	orders      OrderRepository
	payments    PaymentRepository
	gateway     PushGateway
	notifier    Notifier
	loyalty     LoyaltyLedger
	countryCode string
	pointsUnit  decimal.Decimal
	holdPeriod  time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	orders OrderRepository,
	payments PaymentRepository,
	gw PushGateway,
	notifier Notifier,
	loyalty LoyaltyLedger,
	countryCode string,
	pointsUnit int64,
	holdPeriod time.Duration,
) *PaymentService {
	return &PaymentService{
		orders:      orders,
		payments:    payments,
		gateway:     gw,
		notifier:    notifier,
		loyalty:     loyalty,
		countryCode: countryCode,
		pointsUnit:  decimal.NewFromInt(pointsUnit),
		holdPeriod:  holdPeriod,
		logger:      util.GetLogger(),
		now:         time.Now,
	}
}

// InitiatePaymentRequest starts a push payment for an order
type InitiatePaymentRequest struct {
	OrderID     int64  `json:"order_id" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

// InitiatePaymentResponse carries the gateway request id to poll with
type InitiatePaymentResponse struct {
	CheckoutRequestID string          `json:"checkout_request_id"`
	CustomerMessage   string          `json:"customer_message,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
}

// PaymentStatusResponse is the read-only payment projection of an order
type PaymentStatusResponse struct {
	OrderID       int64                `json:"order_id"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	Status        models.OrderStatus   `json:"status"`
}

// InitiatePush prompts the buyer's phone and records the in-flight request
// before returning, so a lost acknowledgement can still be polled.
func (s *PaymentService) InitiatePush(ctx context.Context, actor models.Actor, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiatePush")
	defer span.End()

	phone, err := NormalizePhone(req.PhoneNumber, s.countryCode)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.GetOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !isBuyerOrAdmin(actor, order) {
		return nil, apperr.Unauthorized("not allowed to pay for order %d", order.ID)
	}
	if err := payable(order); err != nil {
		return nil, err
	}

	open, err := s.payments.GetOpenPendingPayment(ctx, order.ID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to look up pending payment")
	}
	if open != nil {
		// settle the previous prompt first if the gateway already knows its outcome
		if _, err := s.PollPayment(ctx, open.CheckoutRequestID); err != nil {
			s.logger.Warn("Failed to poll previous payment request",
				zap.String("checkout_request_id", open.CheckoutRequestID), zap.Error(err))
		}
		if open, err = s.payments.GetOpenPendingPayment(ctx, order.ID); err != nil {
			return nil, apperr.Internal(err, "failed to look up pending payment")
		}
		if open != nil {
			return nil, apperr.Conflict("payment request %s is still awaiting the buyer", open.CheckoutRequestID)
		}
		if order, err = s.orders.GetOrderByID(ctx, order.ID); err != nil {
			return nil, err
		}
		if err := payable(order); err != nil {
			return nil, err
		}
	}

	amount := order.AmountDue()
	util.PaymentAttemptsTotal.Inc()

	resp, err := s.gateway.InitiatePush(ctx, gateway.PushRequest{
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: fmt.Sprintf("ORDER-%d", order.ID),
		Description:      fmt.Sprintf("Payment for order %d", order.ID),
	})
	if err != nil {
		util.PaymentInitiationFailedTotal.Inc()
		s.logger.Warn("Push payment initiation failed", zap.Int64("order_id", order.ID), zap.Error(err))
		return nil, asExternal(err, "payment gateway unavailable")
	}

	pending := &models.PendingPayment{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		OrderID:           order.ID,
		PhoneNumber:       phone,
		Amount:            amount,
		Status:            models.PendingPaymentPending,
	}
	if err := s.payments.CreatePendingPayment(ctx, pending); err != nil {
		s.logger.Error("Failed to record pending payment",
			zap.Int64("order_id", order.ID),
			zap.String("checkout_request_id", resp.CheckoutRequestID),
			zap.Error(err))
		return nil, apperr.Internal(err, "failed to record payment request")
	}

	s.logger.Info("Push payment initiated",
		zap.Int64("order_id", order.ID),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
		zap.String("amount", amount.String()))

	return &InitiatePaymentResponse{
		CheckoutRequestID: resp.CheckoutRequestID,
		CustomerMessage:   resp.CustomerMessage,
		Amount:            amount,
	}, nil
}

func payable(o *models.Order) error {
	if o.Status == models.OrderStatusCancelled {
		return apperr.Conflict("order %d is cancelled", o.ID)
	}
	if o.PaymentStatus.Captured() {
		return apperr.Conflict("order %d is already paid", o.ID)
	}
	return nil
}

// Reconcile applies a final gateway outcome exactly once. A request that was
// already resolved returns false with no side effects.
func (s *PaymentService) Reconcile(ctx context.Context, source string, result *gateway.PushResult) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Reconcile")
	defer span.End()

	if result == nil || result.CheckoutRequestID == "" {
		return false, apperr.Validation("payment outcome without request id")
	}
	if !result.Final {
		return false, nil
	}

	now := s.now()
	var (
		orderChanged bool
		charged      decimal.Decimal
	)

	order, applied, err := s.payments.ResolvePendingPayment(ctx, result.CheckoutRequestID,
		func(p *models.PendingPayment, o *models.Order) (bool, error) {
			if p.Status != models.PendingPaymentPending {
				return false, nil
			}

			if result.Success && result.Amount.IsPositive() && result.Amount.LessThan(p.Amount) {
				return false, apperr.Validation("payment %s reports %s paid of %s due",
					p.CheckoutRequestID, result.Amount, p.Amount)
			}

			code := result.ResultCode
			p.ResultCode = &code
			p.ResultDesc = strPtr(result.ResultDesc)
			charged = p.Amount

			if result.Success {
				p.Status = models.PendingPaymentCompleted
				if result.ReceiptNumber != "" {
					p.ReceiptNumber = strPtr(result.ReceiptNumber)
				}
				orderChanged = applyPaid(o, result.ReceiptNumber, now, s.holdPeriod)
			} else {
				p.Status = models.PendingPaymentFailed
				orderChanged = applyFailed(o, result.ResultDesc)
			}

			o.Recalculate()
			return true, nil
		})
	if err != nil {
		util.PaymentReconciliationsTotal.WithLabelValues(source, "error").Inc()
		return false, err
	}
	if !applied {
		util.PaymentReconciliationsTotal.WithLabelValues(source, "duplicate").Inc()
		s.logger.Debug("Payment outcome already reconciled",
			zap.String("checkout_request_id", result.CheckoutRequestID),
			zap.String("source", source))
		return false, nil
	}

	outcome := "failed"
	if result.Success {
		outcome = "paid"
	}
	util.PaymentReconciliationsTotal.WithLabelValues(source, outcome).Inc()
	s.logger.Info("Payment reconciled",
		zap.Int64("order_id", order.ID),
		zap.String("checkout_request_id", result.CheckoutRequestID),
		zap.String("outcome", outcome),
		zap.String("source", source),
		zap.Bool("order_changed", orderChanged))

	if !orderChanged {
		if result.Success {
			s.logger.Warn("Payment captured for an order that no longer accepts it",
				zap.Int64("order_id", order.ID),
				zap.String("receipt", result.ReceiptNumber))
		}
		return true, nil
	}

	if result.Success {
		s.afterPaid(ctx, order, result, charged)
	} else {
		event := &models.PaymentFailedEvent{
			BaseEvent:         newBaseEvent(models.EventTypePaymentFailed, now),
			OrderID:           order.ID,
			BuyerID:           order.BuyerID,
			CheckoutRequestID: result.CheckoutRequestID,
			Reason:            result.ResultDesc,
		}
		if err := s.notifier.PublishPaymentFailed(ctx, event); err != nil {
			s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
		}
	}

	return true, nil
}

// applyPaid records a captured payment. An order that was already paid is left
// alone; a cancelled one stays cancelled with its release on hold. An order
// delivered before it was paid starts its hold period now.
func applyPaid(o *models.Order, receipt string, now time.Time, hold time.Duration) bool {
	if o.PaymentStatus.Captured() {
		return false
	}
	o.PaymentStatus = models.PaymentStatusPaid
	o.PaidAt = timePtr(now)
	o.PaymentFailureReason = nil
	if receipt != "" {
		o.TransactionID = strPtr(receipt)
	}

	switch o.Status {
	case models.OrderStatusPending:
		o.Status = models.OrderStatusProcessing
	case models.OrderStatusCancelled:
		o.PaymentReleaseStatus = models.ReleaseStatusOnHold
		return true
	}

	if o.DeliveryStatus == models.DeliveryStatusDelivered && o.PaymentReleaseStatus == models.ReleaseStatusPending {
		o.PaymentReleaseStatus = models.ReleaseStatusScheduled
		o.ReleaseDate = timePtr(now.Add(hold))
	}
	return true
}

func applyFailed(o *models.Order, reason string) bool {
	if o.PaymentStatus.Captured() {
		return false
	}
	o.PaymentStatus = models.PaymentStatusFailed
	o.PaymentFailureReason = strPtr(reason)
	if o.Status == models.OrderStatusProcessing {
		o.Status = models.OrderStatusPending
	}
	return true
}

// afterPaid credits points and announces the payment for the amount that was requested
func (s *PaymentService) afterPaid(ctx context.Context, order *models.Order, result *gateway.PushResult, charged decimal.Decimal) {
	amount := charged

	if points := amount.Div(s.pointsUnit).Floor().IntPart(); points > 0 {
		reason := fmt.Sprintf("order %d payment", order.ID)
		if err := s.loyalty.CreditPoints(ctx, order.BuyerID, order.ID, points, reason); err != nil {
			s.logger.Error("Failed to credit loyalty points",
				zap.Int64("order_id", order.ID), zap.Int64("points", points), zap.Error(err))
		}
	}

	event := &models.PaymentSuccessEvent{
		BaseEvent:         newBaseEvent(models.EventTypePaymentSuccess, s.now()),
		OrderID:           order.ID,
		BuyerID:           order.BuyerID,
		CheckoutRequestID: result.CheckoutRequestID,
		Amount:            amount,
		TxID:              result.ReceiptNumber,
	}
	if err := s.notifier.PublishPaymentSuccess(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentSuccess event", zap.Error(err))
	}
}

// HandleCallback takes a raw gateway callback as a prompt to confirm the
// outcome with the gateway; the callback body itself is never trusted.
func (s *PaymentService) HandleCallback(ctx context.Context, body []byte) error {
	claimed, err := gateway.ParseCallback(body)
	if err != nil {
		return err
	}
	_, err = s.ConfirmOutcome(ctx, SourceCallback, claimed)
	return err
}

// ConfirmOutcome queries the gateway for a request some caller reported as
// finished and reconciles what the gateway says. Only the receipt number of a
// confirmed success is taken from the report.
func (s *PaymentService) ConfirmOutcome(ctx context.Context, source string, claimed *gateway.PushResult) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ConfirmOutcome")
	defer span.End()

	if claimed == nil || claimed.CheckoutRequestID == "" {
		return false, apperr.Validation("payment outcome without request id")
	}

	pending, err := s.payments.GetPendingPayment(ctx, claimed.CheckoutRequestID)
	if err != nil {
		return false, err
	}
	if pending.Status != models.PendingPaymentPending {
		util.PaymentReconciliationsTotal.WithLabelValues(source, "duplicate").Inc()
		return false, nil
	}

	result, err := s.gateway.QueryPush(ctx, claimed.CheckoutRequestID)
	if err != nil {
		return false, asExternal(err, "payment status query failed")
	}
	if !result.Final {
		s.logger.Info("Reported payment outcome not yet confirmed by gateway",
			zap.String("checkout_request_id", claimed.CheckoutRequestID),
			zap.String("source", source))
		return false, nil
	}
	if result.Success != claimed.Success {
		s.logger.Warn("Reported payment outcome disagrees with gateway",
			zap.String("checkout_request_id", claimed.CheckoutRequestID),
			zap.String("source", source),
			zap.Bool("reported_success", claimed.Success),
			zap.Bool("gateway_success", result.Success))
	} else if result.Success && result.ReceiptNumber == "" {
		result.ReceiptNumber = claimed.ReceiptNumber
	}

	return s.Reconcile(ctx, source, result)
}

// PollPayment asks the gateway for the outcome and reconciles a final answer
func (s *PaymentService) PollPayment(ctx context.Context, checkoutRequestID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.PollPayment")
	defer span.End()

	result, err := s.gateway.QueryPush(ctx, checkoutRequestID)
	if err != nil {
		return false, asExternal(err, "payment status query failed")
	}
	if !result.Final {
		return false, nil
	}
	return s.Reconcile(ctx, SourcePoll, result)
}

// GetStatus polls an open request first, best effort, then reports the order's payment state
func (s *PaymentService) GetStatus(ctx context.Context, actor models.Actor, orderID int64) (*PaymentStatusResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetStatus")
	defer span.End()

	order, err := s.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, order) {
		return nil, apperr.Unauthorized("not allowed to view order %d", orderID)
	}

	open, err := s.payments.GetOpenPendingPayment(ctx, orderID)
	if err != nil {
		s.logger.Warn("Failed to look up pending payment", zap.Int64("order_id", orderID), zap.Error(err))
	}
	if open != nil {
		applied, err := s.PollPayment(ctx, open.CheckoutRequestID)
		if err != nil {
			s.logger.Warn("Payment status poll failed",
				zap.String("checkout_request_id", open.CheckoutRequestID), zap.Error(err))
		}
		if applied {
			if order, err = s.orders.GetOrderByID(ctx, orderID); err != nil {
				return nil, err
			}
		}
	}

	return &PaymentStatusResponse{
		OrderID:       order.ID,
		PaymentStatus: order.PaymentStatus,
		Status:        order.Status,
	}, nil
}

// SweepPendingPayments polls requests that never received a callback
func (s *PaymentService) SweepPendingPayments(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.SweepPendingPayments")
	defer span.End()

	stale, err := s.payments.ListStalePendingPayments(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale pending payments: %w", err)
	}

	resolved := 0
	for _, p := range stale {
		applied, err := s.PollPayment(ctx, p.CheckoutRequestID)
		if err != nil {
			s.logger.Warn("Failed to poll stale payment",
				zap.String("checkout_request_id", p.CheckoutRequestID), zap.Error(err))
			continue
		}
		if applied {
			resolved++
		}
	}
	return resolved, nil
}
