package worker

import (
	"context"

	"settlement-service/internal/broker"
	"settlement-service/internal/service"
	"settlement-service/internal/util"
)

// PaymentCallbackWorker consumes gateway callbacks relayed through Kafka
type PaymentCallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
}

// NewPaymentCallbackWorker creates a new payment callback worker
func NewPaymentCallbackWorker(
	consumer *broker.Consumer,
	callbacks *service.PaymentCallbackConsumer,
) *PaymentCallbackWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPaymentCallback(callbacks.HandlePaymentCallback)

	return &PaymentCallbackWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
	}
}

// Start starts the worker
func (w *PaymentCallbackWorker) Start(ctx context.Context) error {
	util.GetLogger().Info("Starting payment callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentCallbackWorker) Stop() error {
	util.GetLogger().Info("Stopping payment callback worker")
	return w.consumer.Close()
}
