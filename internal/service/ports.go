package service

import (
	"context"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/geo"
	"settlement-service/internal/models"
)

// OrderRepository persists the order aggregate. MutateOrder runs fn under a
// row lock inside one transaction and persists the result only when fn succeeds.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	MutateOrder(ctx context.Context, id int64, fn func(*models.Order) error) (*models.Order, error)
	ListDueReleases(ctx context.Context, now time.Time, limit int) ([]int64, error)
	ResetStaleReleaseClaims(ctx context.Context, claimedBefore time.Time) (int64, error)
	ListApprovedRefunds(ctx context.Context, claimedBefore time.Time, limit int) ([]models.RefundRef, error)
}

// PaymentRepository persists in-flight push payments.
// ResolvePendingPayment locks the pending payment, then its order, and commits
// only when fn reports a change.
type PaymentRepository interface {
	CreatePendingPayment(ctx context.Context, p *models.PendingPayment) error
	GetPendingPayment(ctx context.Context, checkoutRequestID string) (*models.PendingPayment, error)
	GetOpenPendingPayment(ctx context.Context, orderID int64) (*models.PendingPayment, error)
	GetCompletedPendingPayment(ctx context.Context, orderID int64) (*models.PendingPayment, error)
	ListStalePendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.PendingPayment, error)
	ResolvePendingPayment(ctx context.Context, checkoutRequestID string,
		fn func(*models.PendingPayment, *models.Order) (bool, error)) (*models.Order, bool, error)
}

// ProductCatalog returns product snapshots; unknown ids are omitted
type ProductCatalog interface {
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// SupplierDirectory resolves payout destinations
type SupplierDirectory interface {
	GetSupplier(ctx context.Context, id int64) (*models.Supplier, error)
}

// Notifier receives domain events after their transaction commits
type Notifier interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishPaymentSuccess(ctx context.Context, event *models.PaymentSuccessEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
	PublishEscrowReleased(ctx context.Context, event *models.EscrowReleasedEvent) error
	PublishRefundRequested(ctx context.Context, event *models.RefundRequestedEvent) error
	PublishRefundDecided(ctx context.Context, event *models.RefundDecidedEvent) error
}

// LoyaltyLedger credits buyer loyalty points
type LoyaltyLedger interface {
	CreditPoints(ctx context.Context, userID, orderID, points int64, reason string) error
}

// PushGateway starts and queries push payments
type PushGateway interface {
	InitiatePush(ctx context.Context, req gateway.PushRequest) (*gateway.PushResponse, error)
	QueryPush(ctx context.Context, checkoutRequestID string) (*gateway.PushResult, error)
}

// PayoutGateway moves money out of the platform account. An accepted payout
// settles only when its PayoutResult reports success.
type PayoutGateway interface {
	Payout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResponse, error)
}

// GeoLocator resolves addresses and driving distances
type GeoLocator interface {
	Coordinates(ctx context.Context, address string) (geo.Coordinates, error)
	DistanceKm(ctx context.Context, from, to geo.Coordinates) (float64, error)
}
