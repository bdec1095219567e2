package gateway

import (
	"testing"

	"settlement-service/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 2976.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	res, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.True(t, res.Final)
	assert.True(t, res.Success)
	assert.Equal(t, "NLJ7RT61SV", res.ReceiptNumber)
	assert.Equal(t, "2976", res.Amount.String())
}

func TestParseCallbackCancelled(t *testing.T) {
	res, err := ParseCallback([]byte(cancelledCallback))
	require.NoError(t, err)

	assert.True(t, res.Final)
	assert.False(t, res.Success)
	assert.Equal(t, 1032, res.ResultCode)
	assert.Empty(t, res.ReceiptNumber)
}

func TestParseCallbackRejectsGarbage(t *testing.T) {
	for _, body := range []string{`not json`, `{"Body":{"stkCallback":{}}}`} {
		_, err := ParseCallback([]byte(body))
		assert.True(t, apperr.Is(err, apperr.KindValidation), body)
	}
}
