package service

import (
	"context"
	"strconv"
	"strings"

	"settlement-service/internal/apperr"
	"settlement-service/internal/gateway"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

const (
	releaseKeyPrefix = "escrow-release-"
	refundKeyPrefix  = "refund-"
)

// PayoutResults routes asynchronous payout outcomes to the release or refund
// that sent them, keyed by the payout idempotency key.
type PayoutResults struct {
	escrow  *EscrowService
	refunds *RefundService
	logger  *zap.Logger
}

// NewPayoutResults creates a new payout result router
func NewPayoutResults(escrow *EscrowService, refunds *RefundService) *PayoutResults {
	return &PayoutResults{
		escrow:  escrow,
		refunds: refunds,
		logger:  util.GetLogger(),
	}
}

// HandleResult applies a raw payout result body
func (p *PayoutResults) HandleResult(ctx context.Context, body []byte) error {
	result, err := gateway.ParsePayoutResult(body)
	if err != nil {
		return err
	}
	return p.apply(ctx, result)
}

// HandleTimeout treats a queue timeout as a failed payout so it can be retried
func (p *PayoutResults) HandleTimeout(ctx context.Context, body []byte) error {
	result, err := gateway.ParsePayoutResult(body)
	if err != nil {
		return err
	}
	result.Success = false
	if result.ResultDesc == "" {
		result.ResultDesc = "payout request timed out"
	}
	return p.apply(ctx, result)
}

func (p *PayoutResults) apply(ctx context.Context, result *gateway.PayoutResult) error {
	ctx, span := util.StartSpan(ctx, "PayoutResults.Apply")
	defer span.End()

	p.logger.Info("Payout result received",
		zap.String("originator_conversation_id", result.OriginatorConversationID),
		zap.String("conversation_id", result.ConversationID),
		zap.Bool("success", result.Success),
		zap.Int("result_code", result.ResultCode))

	if orderID, ok := parseReleaseKey(result.OriginatorConversationID); ok {
		return p.escrow.ApplyPayoutResult(ctx, orderID, result)
	}
	if orderID, itemID, ok := parseRefundKey(result.OriginatorConversationID); ok {
		return p.refunds.ApplyPayoutResult(ctx, orderID, itemID, result)
	}
	return apperr.Validation("unknown payout %q", result.OriginatorConversationID)
}

func parseReleaseKey(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, releaseKeyPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil && id > 0
}

func parseRefundKey(key string) (int64, int64, bool) {
	rest, ok := strings.CutPrefix(key, refundKeyPrefix)
	if !ok {
		return 0, 0, false
	}
	order, item, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, 0, false
	}
	orderID, err := strconv.ParseInt(order, 10, 64)
	if err != nil || orderID <= 0 {
		return 0, 0, false
	}
	itemID, err := strconv.ParseInt(item, 10, 64)
	if err != nil || itemID <= 0 {
		return 0, 0, false
	}
	return orderID, itemID, true
}
