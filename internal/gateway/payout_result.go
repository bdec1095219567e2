package gateway

import (
	"encoding/json"

	"settlement-service/internal/apperr"

	"github.com/shopspring/decimal"
)

type b2cResultEnvelope struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
		ResultParameters         *struct {
			ResultParameter []struct {
				Key   string          `json:"Key"`
				Value json.RawMessage `json:"Value"`
			} `json:"ResultParameter"`
		} `json:"ResultParameters"`
	} `json:"Result"`
}

// ParsePayoutResult decodes a B2C result or queue-timeout notification
func ParsePayoutResult(body []byte) (*PayoutResult, error) {
	var env b2cResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Validation("malformed payout result: %v", err)
	}

	r := env.Result
	if r.OriginatorConversationID == "" {
		return nil, apperr.Validation("payout result without originator conversation id")
	}

	result := &PayoutResult{
		OriginatorConversationID: r.OriginatorConversationID,
		ConversationID:           r.ConversationID,
		TransactionID:            r.TransactionID,
		Success:                  r.ResultCode == 0,
		ResultCode:               r.ResultCode,
		ResultDesc:               r.ResultDesc,
	}

	if r.ResultParameters != nil {
		for _, p := range r.ResultParameters.ResultParameter {
			if p.Key != "TransactionAmount" {
				continue
			}
			amount, err := decimal.NewFromString(rawString(p.Value))
			if err != nil {
				return nil, apperr.Validation("malformed payout amount: %v", err)
			}
			result.Amount = amount
		}
	}

	return result, nil
}
