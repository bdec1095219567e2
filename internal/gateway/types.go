package gateway

import "github.com/shopspring/decimal"

// PushRequest asks the buyer's handset to authorize a payment
type PushRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// PushResponse is the gateway's acceptance of a push request
type PushResponse struct {
	MerchantRequestID string
	CheckoutRequestID string
	CustomerMessage   string
}

// PushResult is the outcome of a push payment, from a callback or a status query
type PushResult struct {
	CheckoutRequestID string
	// Final is false while the buyer has not yet answered the prompt
	Final         bool
	Success       bool
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
	Amount        decimal.Decimal
}

// PayoutRequest sends money from the platform to a phone
type PayoutRequest struct {
	IdempotencyKey string
	PhoneNumber    string
	Amount         decimal.Decimal
	Remarks        string
}

// PayoutResponse confirms the gateway accepted the payout. The outcome arrives later as a PayoutResult.
type PayoutResponse struct {
	ConversationID           string
	OriginatorConversationID string
	// Amount is what was sent after rounding to whole units
	Amount decimal.Decimal
}

// PayoutResult is the asynchronous outcome of a payout
type PayoutResult struct {
	// OriginatorConversationID echoes the payout idempotency key
	OriginatorConversationID string
	ConversationID           string
	TransactionID            string
	Success                  bool
	ResultCode               int
	ResultDesc               string
	Amount                   decimal.Decimal
}
