package service

import (
	"context"
	"fmt"

	"settlement-service/internal/apperr"
	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// EventLog remembers which broker events were already handled
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PaymentCallbackConsumer applies gateway callbacks relayed through the broker
type PaymentCallbackConsumer struct {
	events   EventLog
	payments *PaymentService
	logger   *zap.Logger
}

// NewPaymentCallbackConsumer creates a new callback consumer
func NewPaymentCallbackConsumer(events EventLog, payments *PaymentService) *PaymentCallbackConsumer {
	return &PaymentCallbackConsumer{
		events:   events,
		payments: payments,
		logger:   util.GetLogger(),
	}
}

// HandlePaymentCallback confirms one relayed callback with the gateway.
// Returning an error leaves the message uncommitted so the broker redelivers it.
func (c *PaymentCallbackConsumer) HandlePaymentCallback(ctx context.Context, event *models.PaymentCallbackEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentCallbackConsumer.HandlePaymentCallback")
	defer span.End()

	processed, err := c.events.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		c.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	result := &gateway.PushResult{
		CheckoutRequestID: event.CheckoutRequestID,
		Final:             true,
		Success:           event.ResultCode == 0,
		ResultCode:        event.ResultCode,
		ResultDesc:        event.ResultDesc,
		ReceiptNumber:     event.ReceiptNumber,
		Amount:            event.Amount,
	}

	_, err = c.payments.ConfirmOutcome(ctx, SourceBroker, result)
	switch {
	case err == nil:
	case apperr.Is(err, apperr.KindNotFound), apperr.Is(err, apperr.KindValidation):
		// Redelivery cannot fix these.
		c.logger.Warn("Dropping unusable payment callback",
			zap.String("event_id", event.EventID),
			zap.String("checkout_request_id", event.CheckoutRequestID),
			zap.Error(err))
	default:
		return fmt.Errorf("failed to reconcile payment callback: %w", err)
	}

	if err := c.events.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}
