package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated           = "ORDER_CREATED"
	EventTypeOrderStatusChanged     = "ORDER_STATUS_CHANGED"
	EventTypePaymentSuccess         = "PAYMENT_SUCCESS"
	EventTypePaymentFailed          = "PAYMENT_FAILED"
	EventTypePaymentCallback        = "PAYMENT_CALLBACK"
	EventTypeEscrowReleased         = "ESCROW_RELEASED"
	EventTypeRefundRequested        = "REFUND_REQUESTED"
	EventTypeRefundDecided          = "REFUND_DECIDED"
	EventTypeLoyaltyCreditRequested = "LOYALTY_CREDIT_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is persisted
type OrderCreatedEvent struct {
	BaseEvent
	OrderID      int64           `json:"order_id"`
	BuyerID      int64           `json:"buyer_id"`
	SupplierID   int64           `json:"supplier_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	ShippingCost decimal.Decimal `json:"shipping_cost"`
	Items        []OrderItemData `json:"items"`
}

// OrderStatusChangedEvent published on status, cancellation and delivery changes
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID        int64          `json:"order_id"`
	BuyerID        int64          `json:"buyer_id"`
	SupplierID     int64          `json:"supplier_id"`
	Status         OrderStatus    `json:"status"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	ChangedBy      int64          `json:"changed_by"`
}

// PaymentSuccessEvent published once a push payment is reconciled as paid
type PaymentSuccessEvent struct {
	BaseEvent
	OrderID           int64           `json:"order_id"`
	BuyerID           int64           `json:"buyer_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	Amount            decimal.Decimal `json:"amount"`
	TxID              string          `json:"tx_id"`
}

// PaymentFailedEvent published once a push payment is reconciled as failed
type PaymentFailedEvent struct {
	BaseEvent
	OrderID           int64  `json:"order_id"`
	BuyerID           int64  `json:"buyer_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	Reason            string `json:"reason"`
}

// PaymentCallbackEvent carries a gateway callback relayed through the broker
type PaymentCallbackEvent struct {
	BaseEvent
	CheckoutRequestID string          `json:"checkout_request_id"`
	ResultCode        int             `json:"result_code"`
	ResultDesc        string          `json:"result_desc"`
	ReceiptNumber     string          `json:"receipt_number,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
}

// EscrowReleasedEvent published after a confirmed supplier payout
type EscrowReleasedEvent struct {
	BaseEvent
	OrderID        int64           `json:"order_id"`
	SupplierID     int64           `json:"supplier_id"`
	Amount         decimal.Decimal `json:"amount"`
	ConversationID string          `json:"conversation_id"`
	Manual         bool            `json:"manual"`
}

// RefundRequestedEvent published when a buyer opens a refund on an item
type RefundRequestedEvent struct {
	BaseEvent
	OrderID    int64  `json:"order_id"`
	ItemID     int64  `json:"item_id"`
	BuyerID    int64  `json:"buyer_id"`
	SupplierID int64  `json:"supplier_id"`
	Reason     string `json:"reason"`
}

// RefundDecidedEvent published on approval, rejection and processing
type RefundDecidedEvent struct {
	BaseEvent
	OrderID int64           `json:"order_id"`
	ItemID  int64           `json:"item_id"`
	BuyerID int64           `json:"buyer_id"`
	Status  RefundStatus    `json:"status"`
	Amount  decimal.Decimal `json:"amount"`
}

// LoyaltyCreditRequestedEvent asks the loyalty ledger to credit points
type LoyaltyCreditRequestedEvent struct {
	BaseEvent
	UserID  int64  `json:"user_id"`
	OrderID int64  `json:"order_id"`
	Points  int64  `json:"points"`
	Reason  string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
