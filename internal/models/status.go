package models

type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleSupplier Role = "supplier"
	RoleAdmin    Role = "admin"
)

type OrderStatus string

// Order statuses
const (
	OrderStatusPending           OrderStatus = "Pending"
	OrderStatusProcessing        OrderStatus = "Processing"
	OrderStatusShipped           OrderStatus = "Shipped"
	OrderStatusDelivered         OrderStatus = "Delivered"
	OrderStatusCancelled         OrderStatus = "Cancelled"
	OrderStatusPartiallyRefunded OrderStatus = "PartiallyRefunded"
	OrderStatusRefunded          OrderStatus = "Refunded"
)

// Valid reports whether s is one of the enumerated order statuses
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered,
		OrderStatusCancelled, OrderStatusPartiallyRefunded, OrderStatusRefunded:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusRefunded
}

// Derived statuses are only ever set by refund recomputation
func (s OrderStatus) Derived() bool {
	return s == OrderStatusPartiallyRefunded || s == OrderStatusRefunded
}

type PaymentStatus string

// Payment statuses
const (
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusHeld              PaymentStatus = "held"
	PaymentStatusReleased          PaymentStatus = "released"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// Captured reports whether buyer funds have been collected
func (s PaymentStatus) Captured() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusHeld, PaymentStatusReleased,
		PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	}
	return false
}

type DeliveryStatus string

// Delivery statuses
const (
	DeliveryStatusPending   DeliveryStatus = "Pending"
	DeliveryStatusInTransit DeliveryStatus = "In Transit"
	DeliveryStatusDelivered DeliveryStatus = "Delivered"
	DeliveryStatusDelayed   DeliveryStatus = "Delayed"
	DeliveryStatusCancelled DeliveryStatus = "Cancelled"
)

type PaymentReleaseStatus string

// Payment release statuses. Releasing marks an order claimed by a payout in flight.
const (
	ReleaseStatusPending   PaymentReleaseStatus = "Pending"
	ReleaseStatusScheduled PaymentReleaseStatus = "Scheduled"
	ReleaseStatusReleasing PaymentReleaseStatus = "Releasing"
	ReleaseStatusReleased  PaymentReleaseStatus = "Released"
	ReleaseStatusOnHold    PaymentReleaseStatus = "OnHold"
)

type EscrowStatus string

// Per-item escrow statuses
const (
	EscrowStatusHeld          EscrowStatus = "Held"
	EscrowStatusReleased      EscrowStatus = "Released"
	EscrowStatusRefunded      EscrowStatus = "Refunded"
	EscrowStatusRefundPending EscrowStatus = "RefundPending"
)

type RefundStatus string

// Per-item refund statuses
const (
	RefundStatusNone      RefundStatus = "None"
	RefundStatusPending   RefundStatus = "Pending"
	RefundStatusApproved  RefundStatus = "Approved"
	RefundStatusRejected  RefundStatus = "Rejected"
	RefundStatusProcessed RefundStatus = "Processed"
)

type PendingPaymentStatus string

// Pending payment statuses
const (
	PendingPaymentPending   PendingPaymentStatus = "pending"
	PendingPaymentCompleted PendingPaymentStatus = "completed"
	PendingPaymentFailed    PendingPaymentStatus = "failed"
)

// Fragility tiers drive the shipping handling surcharge
type Fragility string

const (
	FragilityLow    Fragility = "low"
	FragilityMedium Fragility = "medium"
	FragilityHigh   Fragility = "high"
)
