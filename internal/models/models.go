package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog view needed for checkout and shipping
type Product struct {
	ID                   int64               `db:"id" json:"id"`
	SellerID             int64               `db:"seller_id" json:"seller_id"`
	Name                 string              `db:"name" json:"name"`
	Price                decimal.Decimal     `db:"price" json:"price"`
	Stock                int                 `db:"stock" json:"stock"`
	CommissionPercentage decimal.NullDecimal `db:"commission_percentage" json:"commission_percentage"`
	WeightKg             decimal.NullDecimal `db:"weight_kg" json:"weight_kg"`
	LengthCm             decimal.NullDecimal `db:"length_cm" json:"length_cm"`
	WidthCm              decimal.NullDecimal `db:"width_cm" json:"width_cm"`
	HeightCm             decimal.NullDecimal `db:"height_cm" json:"height_cm"`
	Fragility            Fragility           `db:"fragility" json:"fragility"`
}

// Supplier holds the payout destination of a seller
type Supplier struct {
	ID          int64  `db:"id" json:"id"`
	Name        string `db:"name" json:"name"`
	PayoutPhone string `db:"payout_phone" json:"payout_phone"`
}

// DeliveryDetails is where and to whom an order ships
type DeliveryDetails struct {
	RecipientName string `db:"delivery_name" json:"recipient_name" binding:"required"`
	Phone         string `db:"delivery_phone" json:"phone" binding:"required"`
	Address       string `db:"delivery_address" json:"address" binding:"required"`
	City          string `db:"delivery_city" json:"city"`
}

// Order is the aggregate root of the settlement subsystem
type Order struct {
	ID             int64  `db:"id" json:"id"`
	BuyerID        int64  `db:"buyer_id" json:"buyer_id"`
	SupplierID     int64  `db:"supplier_id" json:"supplier_id"`
	IdempotencyKey string `db:"idempotency_key" json:"idempotency_key,omitempty"`

	Status               OrderStatus          `db:"status" json:"status"`
	PaymentStatus        PaymentStatus        `db:"payment_status" json:"payment_status"`
	DeliveryStatus       DeliveryStatus       `db:"delivery_status" json:"delivery_status"`
	PaymentReleaseStatus PaymentReleaseStatus `db:"payment_release_status" json:"payment_release_status"`
	PaymentMethod        string               `db:"payment_method" json:"payment_method"`
	CouponCode           *string              `db:"coupon_code" json:"coupon_code,omitempty"`

	DeliveryDetails       `json:"delivery_details"`
	ShippingMethod        string          `db:"shipping_method" json:"shipping_method"`
	ShippingCost          decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	ShippingDistanceKm    decimal.Decimal `db:"shipping_distance_km" json:"shipping_distance_km"`
	EstimatedDeliveryDate *time.Time      `db:"estimated_delivery_date" json:"estimated_delivery_date,omitempty"`

	TotalAmount           decimal.Decimal `db:"total_amount" json:"total_amount"`
	TotalCommission       decimal.Decimal `db:"total_commission" json:"total_commission"`
	TotalSupplierEarnings decimal.Decimal `db:"total_supplier_earnings" json:"total_supplier_earnings"`
	TotalEscrowHeld       decimal.Decimal `db:"total_escrow_held" json:"total_escrow_held"`
	TotalRefunded         decimal.Decimal `db:"total_refunded" json:"total_refunded"`
	TotalReleased         decimal.Decimal `db:"total_released" json:"total_released"`

	TransactionID        *string    `db:"transaction_id" json:"transaction_id,omitempty"`
	PaidAt               *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	PaymentFailureReason *string    `db:"payment_failure_reason" json:"payment_failure_reason,omitempty"`

	DeliveredAt      *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	ReleaseDate      *time.Time `db:"release_date" json:"release_date,omitempty"`
	ReleaseClaimedAt *time.Time `db:"release_claimed_at" json:"-"`
	// ReleaseConversationID is the gateway id of the payout awaiting its result
	ReleaseConversationID *string    `db:"release_conversation_id" json:"-"`
	ReleaseManual         bool       `db:"release_manual" json:"-"`
	ReleaseAttempts       int        `db:"release_attempts" json:"release_attempts"`
	LastReleaseError      *string    `db:"last_release_error" json:"last_release_error,omitempty"`
	ReleasedAt            *time.Time `db:"released_at" json:"released_at,omitempty"`
	CancelledAt           *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Items []OrderItem `db:"-" json:"items"`
}

// OrderItem is one line of an order with its frozen price and settlement split
type OrderItem struct {
	ID                   int64           `db:"id" json:"id"`
	OrderID              int64           `db:"order_id" json:"order_id"`
	ProductID            int64           `db:"product_id" json:"product_id"`
	SellerID             int64           `db:"seller_id" json:"seller_id"`
	ProductName          string          `db:"product_name" json:"product_name"`
	Quantity             int             `db:"quantity" json:"quantity"`
	Price                decimal.Decimal `db:"price" json:"price"`
	CommissionPercentage decimal.Decimal `db:"commission_percentage" json:"commission_percentage"`
	PlatformFee          decimal.Decimal `db:"platform_fee" json:"platform_fee"`
	SupplierEarnings     decimal.Decimal `db:"supplier_earnings" json:"supplier_earnings"`
	EscrowAmount         decimal.Decimal `db:"escrow_amount" json:"escrow_amount"`
	EscrowStatus         EscrowStatus    `db:"escrow_status" json:"escrow_status"`
	ReleasedAmount       decimal.Decimal `db:"released_amount" json:"released_amount"`

	RefundStatus      RefundStatus    `db:"refund_status" json:"refund_status"`
	RefundAmount      decimal.Decimal `db:"refund_amount" json:"refund_amount"`
	RefundReason      *string         `db:"refund_reason" json:"refund_reason,omitempty"`
	RefundRequestedAt *time.Time      `db:"refund_requested_at" json:"refund_requested_at,omitempty"`
	RefundDate        *time.Time      `db:"refund_date" json:"refund_date,omitempty"`
	RefundProcessedAt *time.Time      `db:"refund_processed_at" json:"refund_processed_at,omitempty"`

	RefundClaimedAt      *time.Time `db:"refund_claimed_at" json:"-"`
	RefundConversationID *string    `db:"refund_conversation_id" json:"-"`
}

// PendingPayment tracks one in-flight push payment until it is reconciled
type PendingPayment struct {
	CheckoutRequestID string               `db:"checkout_request_id" json:"checkout_request_id"`
	MerchantRequestID string               `db:"merchant_request_id" json:"merchant_request_id"`
	OrderID           int64                `db:"order_id" json:"order_id"`
	PhoneNumber       string               `db:"phone_number" json:"phone_number"`
	Amount            decimal.Decimal      `db:"amount" json:"amount"`
	Status            PendingPaymentStatus `db:"status" json:"status"`
	ResultCode        *int                 `db:"result_code" json:"result_code,omitempty"`
	ResultDesc        *string              `db:"result_desc" json:"result_desc,omitempty"`
	ReceiptNumber     *string              `db:"receipt_number" json:"receipt_number,omitempty"`
	CreatedAt         time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time            `db:"updated_at" json:"updated_at"`
}

// RefundRef points at an approved refund still waiting for the buyer payout
type RefundRef struct {
	OrderID int64 `db:"order_id"`
	ItemID  int64 `db:"item_id"`
}

// Actor is the authenticated caller
type Actor struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}
