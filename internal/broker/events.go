package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderStatusChanged publishes OrderStatusChanged event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentSuccess publishes PaymentSuccess event
func (ep *EventPublisher) PublishPaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentFailed publishes PaymentFailed event
func (ep *EventPublisher) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishEscrowReleased publishes EscrowReleased event
func (ep *EventPublisher) PublishEscrowReleased(ctx context.Context, event *models.EscrowReleasedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishRefundRequested publishes RefundRequested event
func (ep *EventPublisher) PublishRefundRequested(ctx context.Context, event *models.RefundRequestedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishRefundDecided publishes RefundDecided event
func (ep *EventPublisher) PublishRefundDecided(ctx context.Context, event *models.RefundDecidedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// CreditPoints asks the loyalty ledger to credit a buyer
func (ep *EventPublisher) CreditPoints(ctx context.Context, userID, orderID, points int64, reason string) error {
	event := &models.LoyaltyCreditRequestedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeLoyaltyCreditRequested,
			Timestamp: time.Now(),
		},
		UserID:  userID,
		OrderID: orderID,
		Points:  points,
		Reason:  reason,
	}
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("user-%d", userID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPaymentCallback func(context.Context, *models.PaymentCallbackEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnPaymentCallback registers a handler for relayed gateway callbacks
func (eh *EventHandler) OnPaymentCallback(handler func(context.Context, *models.PaymentCallbackEvent) error) {
	eh.onPaymentCallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	logger := util.GetLogger()
	logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentCallback:
		if eh.onPaymentCallback != nil {
			var event models.PaymentCallbackEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal PaymentCallback event: %w", err)
			}
			return eh.onPaymentCallback(ctx, &event)
		}

	default:
		logger.Debug("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
