package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errNotDue = errors.New("order no longer due for release")

// EscrowService releases held funds to suppliers
type EscrowService struct {
	orders       OrderRepository
	suppliers    SupplierDirectory
	payouts      PayoutGateway
	notifier     Notifier
	countryCode  string
	batchSize    int
	claimTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// NewEscrowService creates a new escrow service
func NewEscrowService(
	orders OrderRepository,
	suppliers SupplierDirectory,
	payouts PayoutGateway,
	notifier Notifier,
	countryCode string,
	batchSize int,
	claimTimeout time.Duration,
) *EscrowService {
	return &EscrowService{
		orders:       orders,
		suppliers:    suppliers,
		payouts:      payouts,
		notifier:     notifier,
		countryCode:  countryCode,
		batchSize:    batchSize,
		claimTimeout: claimTimeout,
		logger:       util.GetLogger(),
		now:          time.Now,
	}
}

// ReleaseKey is the payout idempotency key of an order's escrow release
func ReleaseKey(orderID int64) string {
	return releaseKeyPrefix + strconv.FormatInt(orderID, 10)
}

// ReleaseNow sends the held funds to the supplier on an administrator's
// request. The order stays Releasing until the payout result arrives.
func (s *EscrowService) ReleaseNow(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.ReleaseNow")
	defer span.End()

	if !actor.IsAdmin() {
		return nil, apperr.Unauthorized("only administrators can release escrow")
	}

	var previous models.PaymentReleaseStatus
	claimed, err := s.claim(ctx, orderID, true, func(o *models.Order) error {
		switch o.PaymentReleaseStatus {
		case models.ReleaseStatusReleased:
			return apperr.Conflict("escrow for order %d already released", orderID)
		case models.ReleaseStatusReleasing:
			return apperr.Conflict("escrow release for order %d is in progress", orderID)
		}
		if o.PaymentStatus != models.PaymentStatusPaid && o.PaymentStatus != models.PaymentStatusPartiallyRefunded {
			return apperr.Conflict("order %d is not paid", orderID)
		}
		if o.HasPendingRefund() {
			return apperr.Conflict("order %d has an open refund request", orderID)
		}
		if !gateway.PayoutAmount(o.TotalEscrowHeld).IsPositive() {
			return apperr.Conflict("order %d has no payable funds in escrow", orderID)
		}
		previous = o.PaymentReleaseStatus
		return nil
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.payout(ctx, claimed)
	if err != nil {
		util.EscrowReleasesTotal.WithLabelValues("manual", "failed").Inc()
		s.revertClaim(ctx, orderID, previous, err.Error())
		return nil, asExternal(err, "supplier payout failed")
	}

	order, err := s.markAccepted(ctx, orderID, resp)
	if err != nil {
		return nil, err
	}
	util.EscrowReleasesTotal.WithLabelValues("manual", "accepted").Inc()
	return order, nil
}

// ProcessDueReleases sends payouts for every order whose hold period has ended.
// Per-order failures are logged and retried on a later run.
func (s *EscrowService) ProcessDueReleases(ctx context.Context, now time.Time) (int, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.ProcessDueReleases")
	defer span.End()

	ids, err := s.orders.ListDueReleases(ctx, now, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due releases: %w", err)
	}

	sent := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s.releaseDue(ctx, id, now) {
			sent++
		}
	}

	if len(ids) > 0 {
		s.logger.Info("Escrow release run finished",
			zap.Int("due", len(ids)),
			zap.Int("sent", sent))
	}
	return sent, nil
}

func (s *EscrowService) releaseDue(ctx context.Context, orderID int64, now time.Time) bool {
	claimed, err := s.claim(ctx, orderID, false, func(o *models.Order) error {
		if o.PaymentReleaseStatus != models.ReleaseStatusScheduled ||
			o.PaymentStatus != models.PaymentStatusPaid ||
			o.DeliveryStatus != models.DeliveryStatusDelivered ||
			o.ReleaseDate == nil || o.ReleaseDate.After(now) ||
			!gateway.PayoutAmount(o.TotalEscrowHeld).IsPositive() {
			return errNotDue
		}
		return nil
	})
	if errors.Is(err, errNotDue) {
		util.EscrowReleasesTotal.WithLabelValues("scheduled", "skipped").Inc()
		return false
	}
	if err != nil {
		util.EscrowReleasesTotal.WithLabelValues("scheduled", "error").Inc()
		s.logger.Error("Failed to claim order for release", zap.Int64("order_id", orderID), zap.Error(err))
		return false
	}

	resp, err := s.payout(ctx, claimed)
	if err != nil {
		util.EscrowReleasesTotal.WithLabelValues("scheduled", "failed").Inc()
		s.logger.Warn("Scheduled payout failed, will retry",
			zap.Int64("order_id", orderID),
			zap.Int("attempt", claimed.ReleaseAttempts+1),
			zap.Error(err))
		s.revertClaim(ctx, orderID, models.ReleaseStatusScheduled, err.Error())
		return false
	}

	if _, err := s.markAccepted(ctx, orderID, resp); err != nil {
		util.EscrowReleasesTotal.WithLabelValues("scheduled", "error").Inc()
		s.logger.Error("Payout accepted but not recorded",
			zap.Int64("order_id", orderID),
			zap.String("conversation_id", resp.ConversationID),
			zap.Error(err))
		return false
	}

	util.EscrowReleasesTotal.WithLabelValues("scheduled", "accepted").Inc()
	return true
}

// RecoverStaleClaims returns abandoned in-flight claims to the schedule.
// The payout idempotency key makes the retry safe.
func (s *EscrowService) RecoverStaleClaims(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := util.StartSpan(ctx, "EscrowService.RecoverStaleClaims")
	defer span.End()

	n, err := s.orders.ResetStaleReleaseClaims(ctx, now.Add(-s.claimTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale release claims: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Recovered stale release claims", zap.Int64("count", n))
	}
	return n, nil
}

// ApplyPayoutResult settles or reverts a release once the gateway reports the
// outcome of its payout. Repeated results are no-ops.
func (s *EscrowService) ApplyPayoutResult(ctx context.Context, orderID int64, result *gateway.PayoutResult) error {
	ctx, span := util.StartSpan(ctx, "EscrowService.ApplyPayoutResult")
	defer span.End()

	now := s.now()
	var (
		applied bool
		manual  bool
		sent    decimal.Decimal
	)

	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if o.PaymentReleaseStatus == models.ReleaseStatusReleased {
			return nil
		}
		if o.ReleaseConversationID != nil && result.ConversationID != "" && *o.ReleaseConversationID != result.ConversationID {
			return apperr.Validation("payout result %s does not match release of order %d", result.ConversationID, orderID)
		}
		manual = o.ReleaseManual

		if !result.Success {
			if o.PaymentReleaseStatus != models.ReleaseStatusReleasing {
				return nil
			}
			applied = true
			s.revertTo(o, releaseFallback(o), result.ResultDesc)
			return nil
		}

		sent = result.Amount
		if !sent.IsPositive() {
			sent = gateway.PayoutAmount(o.TotalEscrowHeld)
		}
		applied = true
		o.SettleRelease(sent)
		o.PaymentReleaseStatus = models.ReleaseStatusReleased
		o.ReleasedAt = timePtr(now)
		o.ReleaseClaimedAt = nil
		o.ReleaseConversationID = nil
		o.ReleaseManual = false
		o.LastReleaseError = nil
		if o.PaymentStatus == models.PaymentStatusPaid {
			o.PaymentStatus = models.PaymentStatusReleased
		}
		return nil
	})
	if err != nil {
		return err
	}

	mode := "scheduled"
	if manual {
		mode = "manual"
	}
	if !applied {
		s.logger.Debug("Payout result already applied",
			zap.Int64("order_id", orderID),
			zap.String("conversation_id", result.ConversationID))
		return nil
	}
	if !result.Success {
		util.EscrowReleasesTotal.WithLabelValues(mode, "failed").Inc()
		s.logger.Warn("Supplier payout failed, will retry",
			zap.Int64("order_id", orderID),
			zap.Int("result_code", result.ResultCode),
			zap.String("result_desc", result.ResultDesc))
		return nil
	}

	util.EscrowReleasesTotal.WithLabelValues(mode, "released").Inc()
	s.logger.Info("Escrow released",
		zap.Int64("order_id", orderID),
		zap.Int64("supplier_id", order.SupplierID),
		zap.String("amount", sent.String()),
		zap.Bool("manual", manual))

	event := &models.EscrowReleasedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeEscrowReleased, now),
		OrderID:        orderID,
		SupplierID:     order.SupplierID,
		Amount:         sent,
		ConversationID: result.ConversationID,
		Manual:         manual,
	}
	if err := s.notifier.PublishEscrowReleased(ctx, event); err != nil {
		s.logger.Error("Failed to publish EscrowReleased event", zap.Error(err))
	}
	return nil
}

// releaseFallback is where a failed payout returns the order to
func releaseFallback(o *models.Order) models.PaymentReleaseStatus {
	switch {
	case o.Status == models.OrderStatusCancelled || o.HasPendingRefund():
		return models.ReleaseStatusOnHold
	case o.PaymentStatus == models.PaymentStatusPaid &&
		o.DeliveryStatus == models.DeliveryStatusDelivered && o.ReleaseDate != nil:
		return models.ReleaseStatusScheduled
	default:
		return models.ReleaseStatusPending
	}
}

// claim marks the order as released-in-flight when check passes under the row lock
func (s *EscrowService) claim(ctx context.Context, orderID int64, manual bool, check func(*models.Order) error) (*models.Order, error) {
	now := s.now()
	return mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if err := check(o); err != nil {
			return err
		}
		o.PaymentReleaseStatus = models.ReleaseStatusReleasing
		o.ReleaseClaimedAt = timePtr(now)
		o.ReleaseConversationID = nil
		o.ReleaseManual = manual
		return nil
	})
}

// markAccepted remembers which gateway conversation will carry the payout result
func (s *EscrowService) markAccepted(ctx context.Context, orderID int64, resp *gateway.PayoutResponse) (*models.Order, error) {
	order, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if o.PaymentReleaseStatus != models.ReleaseStatusReleasing {
			return nil
		}
		if resp.ConversationID != "" {
			o.ReleaseConversationID = strPtr(resp.ConversationID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Supplier payout accepted",
		zap.Int64("order_id", orderID),
		zap.String("conversation_id", resp.ConversationID),
		zap.String("amount", resp.Amount.String()))
	return order, nil
}

func (s *EscrowService) revertClaim(ctx context.Context, orderID int64, to models.PaymentReleaseStatus, cause string) {
	_, err := mutate(ctx, s.orders, orderID, func(o *models.Order) error {
		if o.PaymentReleaseStatus != models.ReleaseStatusReleasing {
			return nil
		}
		s.revertTo(o, to, cause)
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to revert release claim", zap.Int64("order_id", orderID), zap.Error(err))
	}
}

func (s *EscrowService) revertTo(o *models.Order, to models.PaymentReleaseStatus, cause string) {
	o.PaymentReleaseStatus = to
	o.ReleaseClaimedAt = nil
	o.ReleaseConversationID = nil
	o.ReleaseManual = false
	o.ReleaseAttempts++
	o.LastReleaseError = strPtr(cause)
}

func (s *EscrowService) payout(ctx context.Context, o *models.Order) (*gateway.PayoutResponse, error) {
	supplier, err := s.suppliers.GetSupplier(ctx, o.SupplierID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve supplier %d: %w", o.SupplierID, err)
	}
	phone, err := NormalizePhone(supplier.PayoutPhone, s.countryCode)
	if err != nil {
		return nil, fmt.Errorf("supplier %d payout destination: %w", supplier.ID, err)
	}

	return s.payouts.Payout(ctx, gateway.PayoutRequest{
		IdempotencyKey: ReleaseKey(o.ID),
		PhoneNumber:    phone,
		Amount:         o.TotalEscrowHeld,
		Remarks:        fmt.Sprintf("Order %d settlement", o.ID),
	})
}
