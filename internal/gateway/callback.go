package gateway

import (
	"encoding/json"
	"fmt"

	"settlement-service/internal/apperr"

	"github.com/shopspring/decimal"
)

type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes an STK push callback into a final PushResult
func ParseCallback(body []byte) (*PushResult, error) {
	var env stkCallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Validation("malformed callback: %v", err)
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, apperr.Validation("callback without checkout request id")
	}

	result := &PushResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		Final:             true,
		Success:           cb.ResultCode == 0,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			switch item.Name {
			case "MpesaReceiptNumber":
				result.ReceiptNumber = rawString(item.Value)
			case "Amount":
				amount, err := decimal.NewFromString(rawString(item.Value))
				if err != nil {
					return nil, apperr.Validation("malformed callback amount: %v", err)
				}
				result.Amount = amount
			}
		}
	}

	return result, nil
}

// rawString renders a JSON scalar that may be a string or a number
func rawString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return fmt.Sprintf("%s", v)
}
