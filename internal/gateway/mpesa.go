package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stillProcessingCode is returned by the STK query while the buyer has not answered
const stillProcessingCode = "500.001.1001"

var eat = time.FixedZone("EAT", 3*60*60)

// Config holds Daraja credentials and endpoints
type Config struct {
	BaseURL            string
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	CallbackURL        string
	InitiatorName      string
	SecurityCredential string
	B2CShortCode       string
	B2CResultURL       string
	B2CTimeoutURL      string
	Timeout            time.Duration
}

// MpesaClient talks to the Safaricom Daraja API
type MpesaClient struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewMpesaClient creates a client with a timeout-bounded HTTP transport
func NewMpesaClient(cfg Config) *MpesaClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MpesaClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: util.GetLogger(),
		now:    time.Now,
	}
}

type stkPushBody struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushReply struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryReply struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

type b2cBody struct {
	OriginatorConversationID string `json:"OriginatorConversationID"`
	InitiatorName            string `json:"InitiatorName"`
	SecurityCredential       string `json:"SecurityCredential"`
	CommandID                string `json:"CommandID"`
	Amount                   int64  `json:"Amount"`
	PartyA                   string `json:"PartyA"`
	PartyB                   string `json:"PartyB"`
	Remarks                  string `json:"Remarks"`
	QueueTimeOutURL          string `json:"QueueTimeOutURL"`
	ResultURL                string `json:"ResultURL"`
	Occasion                 string `json:"Occasion"`
}

type b2cReply struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

type errorReply struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// chargeUnits converts a buyer charge to the integer amounts Daraja accepts, rounding up
func chargeUnits(d decimal.Decimal) int64 {
	return d.Ceil().IntPart()
}

// PayoutAmount is what a B2C payout of d actually sends: whole units, rounded down
func PayoutAmount(d decimal.Decimal) decimal.Decimal {
	return d.Floor()
}

func (c *MpesaClient) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.PassKey + ts))
}

// InitiatePush sends an STK push to the buyer's phone
func (c *MpesaClient) InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	ctx, span := util.StartSpan(ctx, "MpesaClient.InitiatePush")
	defer span.End()

	ts := c.now().In(eat).Format("20060102150405")
	body := stkPushBody{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          c.password(ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            chargeUnits(req.Amount),
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	var reply stkPushReply
	if _, err := c.doJSON(ctx, "stk_push", "/mpesa/stkpush/v1/processrequest", body, &reply); err != nil {
		return nil, err
	}
	if reply.ResponseCode != "0" {
		return nil, apperr.External(nil, false, "push payment rejected: %s", reply.ResponseDescription)
	}

	return &PushResponse{
		MerchantRequestID: reply.MerchantRequestID,
		CheckoutRequestID: reply.CheckoutRequestID,
		CustomerMessage:   reply.CustomerMessage,
	}, nil
}

// QueryPush asks the gateway for the outcome of a push payment
func (c *MpesaClient) QueryPush(ctx context.Context, checkoutRequestID string) (*PushResult, error) {
	ctx, span := util.StartSpan(ctx, "MpesaClient.QueryPush")
	defer span.End()

	ts := c.now().In(eat).Format("20060102150405")
	body := map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}

	var reply stkQueryReply
	errBody, err := c.doJSON(ctx, "stk_query", "/mpesa/stkpushquery/v1/query", body, &reply)
	if err != nil {
		if errBody != nil && errBody.ErrorCode == stillProcessingCode {
			return &PushResult{CheckoutRequestID: checkoutRequestID}, nil
		}
		return nil, err
	}

	code, convErr := strconv.Atoi(reply.ResultCode)
	if convErr != nil {
		return nil, apperr.External(convErr, false, "unexpected result code %q", reply.ResultCode)
	}

	return &PushResult{
		CheckoutRequestID: checkoutRequestID,
		Final:             true,
		Success:           code == 0,
		ResultCode:        code,
		ResultDesc:        reply.ResultDesc,
	}, nil
}

// Payout sends a B2C payment. The idempotency key travels as OriginatorConversationID
// so a repeated request for the same settlement is recognised by the gateway, and
// comes back on the asynchronous result. Acceptance is not settlement.
func (c *MpesaClient) Payout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "MpesaClient.Payout")
	defer span.End()

	amount := PayoutAmount(req.Amount)
	if !amount.IsPositive() {
		return nil, apperr.Validation("payout of %s is below the smallest payable unit", req.Amount)
	}

	body := b2cBody{
		OriginatorConversationID: req.IdempotencyKey,
		InitiatorName:            c.cfg.InitiatorName,
		SecurityCredential:       c.cfg.SecurityCredential,
		CommandID:                "BusinessPayment",
		Amount:                   amount.IntPart(),
		PartyA:                   c.cfg.B2CShortCode,
		PartyB:                   req.PhoneNumber,
		Remarks:                  req.Remarks,
		QueueTimeOutURL:          c.cfg.B2CTimeoutURL,
		ResultURL:                c.cfg.B2CResultURL,
		Occasion:                 req.IdempotencyKey,
	}

	var reply b2cReply
	if _, err := c.doJSON(ctx, "b2c_payout", "/mpesa/b2c/v3/paymentrequest", body, &reply); err != nil {
		return nil, err
	}
	if reply.ResponseCode != "0" {
		return nil, apperr.External(nil, false, "payout rejected: %s", reply.ResponseDescription)
	}

	c.logger.Info("Payout accepted",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("conversation_id", reply.ConversationID),
		zap.String("amount", amount.String()))

	return &PayoutResponse{
		ConversationID:           reply.ConversationID,
		OriginatorConversationID: reply.OriginatorConversationID,
		Amount:                   amount,
	}, nil
}

func (c *MpesaClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.External(err, true, "token request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.External(nil, retryableStatus(resp.StatusCode), "token request returned %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", apperr.External(err, false, "failed to decode token")
	}

	ttl, _ := strconv.Atoi(tok.ExpiresIn)
	if ttl <= 60 {
		ttl = 3599
	}
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}

// doJSON posts body and decodes a 2xx reply into out. On a non-2xx reply the
// decoded error body, when present, is returned alongside the error.
func (c *MpesaClient) doJSON(ctx context.Context, op, path string, body, out interface{}) (*errorReply, error) {
	start := time.Now()
	defer func() {
		util.GatewayLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.External(err, true, "%s request failed", op)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.External(err, true, "failed to read %s response", op)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorReply
		_ = json.Unmarshal(raw, &e)
		if resp.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		return &e, apperr.External(nil, retryableStatus(resp.StatusCode),
			"%s returned %d: %s", op, resp.StatusCode, strings.TrimSpace(e.ErrorMessage))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, apperr.External(err, false, "failed to decode %s response", op)
	}
	return nil, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusUnauthorized || code >= 500
}
