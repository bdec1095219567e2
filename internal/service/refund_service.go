package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundService runs the per-item refund and dispute workflow
type RefundService struct {
	orders       OrderRepository
	payments     PaymentRepository
	payouts      PayoutGateway
	notifier     Notifier
	countryCode  string
	batchSize    int
	claimTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewRefundService creates a new refund service
func NewRefundService(
	orders OrderRepository,
	payments PaymentRepository,
	payouts PayoutGateway,
	notifier Notifier,
	countryCode string,
	batchSize int,
	claimTimeout time.Duration,
) *RefundService {
	return &RefundService{
		orders:       orders,
		payments:     payments,
		payouts:      payouts,
		notifier:     notifier,
		countryCode:  countryCode,
		batchSize:    batchSize,
		claimTimeout: claimTimeout,
		logger:       util.GetLogger(),
		now:          time.Now,
	}
}

// RefundRequest opens a dispute on one item
type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// RefundDecision is an administrator's ruling. Amount defaults to the line
// subtotal and is rounded down to what the payout rail can send.
type RefundDecision struct {
	Status models.RefundStatus `json:"status" binding:"required"`
	Amount *decimal.Decimal    `json:"amount,omitempty"`
}

// RefundKey is the payout idempotency key of an item refund
func RefundKey(orderID, itemID int64) string {
	return fmt.Sprintf("%s%d-%d", refundKeyPrefix, orderID, itemID)
}

// RequestRefund opens a refund on a delivered item and holds the pending release
func (s *RefundService) RequestRefund(ctx context.Context, actor models.Actor, orderID, itemID int64, req *RefundRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.RequestRefund")
	defer span.End()

	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, apperr.Validation("refund reason is required")
	}

	now := s.now()
	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if o.BuyerID != actor.ID {
			return apperr.Unauthorized("only the buyer can request a refund")
		}
		item, ok := o.Item(itemID)
		if !ok {
			return apperr.NotFound("item %d not found on order %d", itemID, orderID)
		}
		if o.DeliveryStatus != models.DeliveryStatusDelivered {
			return apperr.Conflict("order %d has not been delivered", orderID)
		}
		if !o.PaymentStatus.Captured() {
			return apperr.Conflict("order %d has not been paid", orderID)
		}
		if item.RefundStatus != models.RefundStatusNone {
			return apperr.Conflict("item %d already has a %s refund", itemID, item.RefundStatus)
		}
		if item.EscrowStatus == models.EscrowStatusReleased {
			return apperr.Conflict("funds for item %d were already released", itemID)
		}
		if o.PaymentReleaseStatus == models.ReleaseStatusReleasing {
			return apperr.Conflict("escrow release for order %d is in progress", orderID)
		}

		item.RefundStatus = models.RefundStatusPending
		item.RefundReason = strPtr(reason)
		item.RefundRequestedAt = timePtr(now)

		switch o.PaymentReleaseStatus {
		case models.ReleaseStatusPending, models.ReleaseStatusScheduled:
			o.PaymentReleaseStatus = models.ReleaseStatusOnHold
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(string(models.RefundStatusPending)).Inc()
	s.logger.Info("Refund requested", zap.Int64("order_id", orderID), zap.Int64("item_id", itemID))

	event := &models.RefundRequestedEvent{
		BaseEvent:  newBaseEvent(models.EventTypeRefundRequested, now),
		OrderID:    orderID,
		ItemID:     itemID,
		BuyerID:    order.BuyerID,
		SupplierID: order.SupplierID,
		Reason:     reason,
	}
	if err := s.notifier.PublishRefundRequested(ctx, event); err != nil {
		s.logger.Error("Failed to publish RefundRequested event", zap.Error(err))
	}
	return order, nil
}

// DecideRefund approves or rejects a pending refund
func (s *RefundService) DecideRefund(ctx context.Context, actor models.Actor, orderID, itemID int64, req *RefundDecision) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.DecideRefund")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, apperr.Unauthorized("only administrators can decide refunds")
	}
	if req.Status != models.RefundStatusApproved && req.Status != models.RefundStatusRejected {
		return nil, apperr.Validation("refund decision must be %s or %s", models.RefundStatusApproved, models.RefundStatusRejected)
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, apperr.Validation("refund amount must be positive")
	}

	now := s.now()
	var amount decimal.Decimal
	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		item, ok := o.Item(itemID)
		if !ok {
			return apperr.NotFound("item %d not found on order %d", itemID, orderID)
		}
		if item.RefundStatus != models.RefundStatusPending {
			return apperr.Conflict("refund for item %d is %s, not %s", itemID, item.RefundStatus, models.RefundStatusPending)
		}

		item.RefundStatus = req.Status
		item.RefundDate = timePtr(now)
		if req.Status == models.RefundStatusApproved {
			amount = item.Subtotal()
			if req.Amount != nil && req.Amount.LessThan(amount) {
				amount = *req.Amount
			}
			amount = gateway.PayoutAmount(amount)
			if !amount.IsPositive() {
				return apperr.Validation("refund for item %d is below the smallest payable unit", itemID)
			}
			item.RefundAmount = amount
			item.EscrowStatus = models.EscrowStatusRefundPending
		}

		o.Recalculate()
		liftHold(o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.RefundsTotal.WithLabelValues(string(req.Status)).Inc()
	s.logger.Info("Refund decided",
		zap.Int64("order_id", orderID),
		zap.Int64("item_id", itemID),
		zap.String("status", string(req.Status)),
		zap.String("amount", amount.String()))
	s.publishDecision(ctx, order, itemID, req.Status, amount)

	return order, nil
}

// liftHold resumes the release once no dispute remains open. Holds placed by
// cancellation stay in place. A partially refunded order is left for manual
// release since the scheduler only pays fully paid orders.
func liftHold(o *models.Order) {
	if o.PaymentReleaseStatus != models.ReleaseStatusOnHold || o.HasPendingRefund() {
		return
	}
	if o.Status == models.OrderStatusCancelled {
		return
	}
	if o.PaymentStatus == models.PaymentStatusPaid && o.ReleaseDate != nil && o.TotalEscrowHeld.IsPositive() {
		o.PaymentReleaseStatus = models.ReleaseStatusScheduled
		return
	}
	o.PaymentReleaseStatus = models.ReleaseStatusPending
}

// ProcessRefund sends an approved refund back to the buyer. The item stays
// Approved until the payout result arrives.
func (s *RefundService) ProcessRefund(ctx context.Context, actor models.Actor, orderID, itemID int64) (*models.Order, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Unauthorized("only administrators can process refunds")
	}
	return s.processRefund(ctx, orderID, itemID)
}

func (s *RefundService) processRefund(ctx context.Context, orderID, itemID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.ProcessRefund")
	defer span.End()

	now := s.now()
	var amount decimal.Decimal
	claimed, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		item, ok := o.Item(itemID)
		if !ok {
			return apperr.NotFound("item %d not found on order %d", itemID, orderID)
		}
		if item.RefundStatus != models.RefundStatusApproved {
			return apperr.Conflict("refund for item %d is %s, not %s", itemID, item.RefundStatus, models.RefundStatusApproved)
		}
		if item.RefundClaimedAt != nil && item.RefundClaimedAt.After(now.Add(-s.claimTimeout)) {
			return apperr.Conflict("refund payout for item %d is in progress", itemID)
		}
		item.RefundClaimedAt = timePtr(now)
		item.RefundConversationID = nil
		amount = item.RefundAmount
		return nil
	})
	if err != nil {
		return nil, err
	}

	phone, err := s.buyerPhone(ctx, claimed)
	if err != nil {
		s.releaseClaim(ctx, orderID, itemID)
		return nil, err
	}

	resp, err := s.payouts.Payout(ctx, gateway.PayoutRequest{
		IdempotencyKey: RefundKey(orderID, itemID),
		PhoneNumber:    phone,
		Amount:         amount,
		Remarks:        fmt.Sprintf("Refund for order %d", orderID),
	})
	if err != nil {
		util.RefundsTotal.WithLabelValues("payout_failed").Inc()
		s.releaseClaim(ctx, orderID, itemID)
		return nil, asExternal(err, "refund payout failed")
	}

	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		it, ok := o.Item(itemID)
		if !ok || it.RefundStatus != models.RefundStatusApproved || it.RefundClaimedAt == nil {
			return nil
		}
		if resp.ConversationID != "" {
			it.RefundConversationID = strPtr(resp.ConversationID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Refund payout accepted but not recorded",
			zap.Int64("order_id", orderID),
			zap.Int64("item_id", itemID),
			zap.String("conversation_id", resp.ConversationID),
			zap.Error(err))
		return nil, err
	}

	util.RefundsTotal.WithLabelValues("payout_accepted").Inc()
	s.logger.Info("Refund payout accepted",
		zap.Int64("order_id", orderID),
		zap.Int64("item_id", itemID),
		zap.String("conversation_id", resp.ConversationID),
		zap.String("amount", amount.String()))
	return order, nil
}

// ApplyPayoutResult completes an approved refund once the gateway confirms its
// payout, or frees it for another attempt when the payout failed.
func (s *RefundService) ApplyPayoutResult(ctx context.Context, orderID, itemID int64, result *gateway.PayoutResult) error {
	ctx, span := util.StartSpan(ctx, "RefundService.ApplyPayoutResult")
	defer span.End()

	now := s.now()
	var (
		applied bool
		amount  decimal.Decimal
	)
	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		it, ok := o.Item(itemID)
		if !ok {
			return apperr.NotFound("item %d not found on order %d", itemID, orderID)
		}
		if it.RefundStatus != models.RefundStatusApproved {
			return nil
		}
		if it.RefundConversationID != nil && result.ConversationID != "" && *it.RefundConversationID != result.ConversationID {
			return apperr.Validation("payout result %s does not match refund of item %d", result.ConversationID, itemID)
		}
		applied = true
		it.RefundClaimedAt = nil
		it.RefundConversationID = nil
		if !result.Success {
			return nil
		}
		it.RefundStatus = models.RefundStatusProcessed
		it.EscrowStatus = models.EscrowStatusRefunded
		it.RefundProcessedAt = timePtr(now)
		amount = it.RefundAmount
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Debug("Refund payout result already applied",
			zap.Int64("order_id", orderID), zap.Int64("item_id", itemID))
		return nil
	}
	if !result.Success {
		util.RefundsTotal.WithLabelValues("payout_failed").Inc()
		s.logger.Warn("Refund payout failed, will retry",
			zap.Int64("order_id", orderID),
			zap.Int64("item_id", itemID),
			zap.Int("result_code", result.ResultCode),
			zap.String("result_desc", result.ResultDesc))
		return nil
	}

	util.RefundsTotal.WithLabelValues(string(models.RefundStatusProcessed)).Inc()
	s.logger.Info("Refund processed",
		zap.Int64("order_id", orderID),
		zap.Int64("item_id", itemID),
		zap.String("amount", amount.String()))
	s.publishDecision(ctx, order, itemID, models.RefundStatusProcessed, amount)
	return nil
}

func (s *RefundService) releaseClaim(ctx context.Context, orderID, itemID int64) {
	_, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if it, ok := o.Item(itemID); ok && it.RefundStatus == models.RefundStatusApproved {
			it.RefundClaimedAt = nil
			it.RefundConversationID = nil
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to release refund claim",
			zap.Int64("order_id", orderID), zap.Int64("item_id", itemID), zap.Error(err))
	}
}

// buyerPhone prefers the number that paid, falling back to the delivery contact
func (s *RefundService) buyerPhone(ctx context.Context, o *models.Order) (string, error) {
	paid, err := s.payments.GetCompletedPendingPayment(ctx, o.ID)
	if err != nil {
		return "", apperr.Internal(err, "failed to look up payment for order %d", o.ID)
	}
	if paid != nil && paid.PhoneNumber != "" {
		return paid.PhoneNumber, nil
	}
	return NormalizePhone(o.DeliveryDetails.Phone, s.countryCode)
}

// RetryApprovedRefunds sends approved refunds with no payout in flight
func (s *RefundService) RetryApprovedRefunds(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "RefundService.RetryApprovedRefunds")
	defer span.End()

	refs, err := s.orders.ListApprovedRefunds(ctx, s.now().Add(-s.claimTimeout), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list approved refunds: %w", err)
	}

	sent := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.processRefund(ctx, ref.OrderID, ref.ItemID); err != nil {
			s.logger.Warn("Refund payout failed, will retry",
				zap.Int64("order_id", ref.OrderID),
				zap.Int64("item_id", ref.ItemID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *RefundService) publishDecision(ctx context.Context, o *models.Order, itemID int64, status models.RefundStatus, amount decimal.Decimal) {
	event := &models.RefundDecidedEvent{
		BaseEvent: newBaseEvent(models.EventTypeRefundDecided, s.now()),
		OrderID:   o.ID,
		ItemID:    itemID,
		BuyerID:   o.BuyerID,
		Status:    status,
		Amount:    amount,
	}
	if err := s.notifier.PublishRefundDecided(ctx, event); err != nil {
		s.logger.Error("Failed to publish RefundDecided event", zap.Error(err))
	}
}
