package service

import (
	"context"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"

	"github.com/google/uuid"
)

func canView(actor models.Actor, o *models.Order) bool {
	return actor.IsAdmin() || o.BuyerID == actor.ID || o.IsSeller(actor.ID)
}

func canManage(actor models.Actor, o *models.Order) bool {
	return actor.IsAdmin() || o.IsSeller(actor.ID)
}

func isBuyerOrAdmin(actor models.Actor, o *models.Order) bool {
	return actor.IsAdmin() || o.BuyerID == actor.ID
}

// mutate applies fn to the locked order and recomputes its totals before persisting
func mutate(ctx context.Context, repo OrderRepository, orderID int64, fn func(*models.Order) error) (*models.Order, error) {
	return repo.MutateOrder(ctx, orderID, func(o *models.Order) error {
		if err := fn(o); err != nil {
			return err
		}
		o.Recalculate()
		return nil
	})
}

// asExternal keeps classified gateway errors and wraps anything else
func asExternal(err error, format string, args ...interface{}) error {
	if apperr.Is(err, apperr.KindExternal) {
		return err
	}
	return apperr.External(err, true, format, args...)
}

func newBaseEvent(eventType string, now time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: now,
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func strPtr(s string) *string {
	return &s
}
