package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockServices struct {
	mock.Mock
}

func (m *mockServices) order(args mock.Arguments) (*models.Order, error) {
	o, _ := args.Get(0).(*models.Order)
	return o, args.Error(1)
}

func (m *mockServices) CreateOrder(ctx context.Context, actor models.Actor, req *service.CreateOrderRequest) (*models.Order, error) {
	return m.order(m.Called(actor, req))
}

func (m *mockServices) GetOrder(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error) {
	return m.order(m.Called(actor, orderID))
}

func (m *mockServices) UpdateStatus(ctx context.Context, actor models.Actor, orderID int64, status models.OrderStatus) (*models.Order, error) {
	return m.order(m.Called(actor, orderID, status))
}

func (m *mockServices) CancelOrder(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error) {
	return m.order(m.Called(actor, orderID))
}

func (m *mockServices) Quote(ctx context.Context, req *service.ShippingEstimateRequest) (*service.ShippingQuote, error) {
	args := m.Called(req)
	q, _ := args.Get(0).(*service.ShippingQuote)
	return q, args.Error(1)
}

func (m *mockServices) InitiatePush(ctx context.Context, actor models.Actor, req *service.InitiatePaymentRequest) (*service.InitiatePaymentResponse, error) {
	args := m.Called(actor, req)
	r, _ := args.Get(0).(*service.InitiatePaymentResponse)
	return r, args.Error(1)
}

func (m *mockServices) HandleCallback(ctx context.Context, body []byte) error {
	return m.Called(body).Error(0)
}

func (m *mockServices) HandleResult(ctx context.Context, body []byte) error {
	return m.Called(body).Error(0)
}

func (m *mockServices) HandleTimeout(ctx context.Context, body []byte) error {
	return m.Called(body).Error(0)
}

func (m *mockServices) GetStatus(ctx context.Context, actor models.Actor, orderID int64) (*service.PaymentStatusResponse, error) {
	args := m.Called(actor, orderID)
	r, _ := args.Get(0).(*service.PaymentStatusResponse)
	return r, args.Error(1)
}

func (m *mockServices) ReleaseNow(ctx context.Context, actor models.Actor, orderID int64) (*models.Order, error) {
	return m.order(m.Called(actor, orderID))
}

func (m *mockServices) RequestRefund(ctx context.Context, actor models.Actor, orderID, itemID int64, req *service.RefundRequest) (*models.Order, error) {
	return m.order(m.Called(actor, orderID, itemID, req))
}

func (m *mockServices) DecideRefund(ctx context.Context, actor models.Actor, orderID, itemID int64, req *service.RefundDecision) (*models.Order, error) {
	return m.order(m.Called(actor, orderID, itemID, req))
}

func (m *mockServices) ProcessRefund(ctx context.Context, actor models.Actor, orderID, itemID int64) (*models.Order, error) {
	return m.order(m.Called(actor, orderID, itemID))
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

const hookToken = "hook-7f3a9c"

var (
	buyer = models.Actor{ID: 100, Role: models.RoleBuyer}
	admin = models.Actor{ID: 1, Role: models.RoleAdmin}
)

type testServer struct {
	t      *testing.T
	router *gin.Engine
	svc    *mockServices
	auth   *Authenticator
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	gin.SetMode(gin.TestMode)
	svc := &mockServices{}
	auth := NewAuthenticator("test-secret", hookToken)

	router := gin.New()
	NewHandler(Services{
		Orders:   svc,
		Shipping: svc,
		Payments: svc,
		Escrow:   svc,
		Refunds:  svc,
		Payouts:  svc,
	}, auth, checks).SetupRoutes(router)

	return &testServer{t: t, router: router, svc: svc, auth: auth}
}

func (s *testServer) do(method, path string, actor *models.Actor, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := s.auth.Issue(*actor, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func createBody() map[string]interface{} {
	return map[string]interface{}{
		"items": []map[string]interface{}{{"product_id": 1, "quantity": 2}},
		"delivery_details": map[string]string{
			"recipient_name": "Jane",
			"phone":          "0712345678",
			"address":        "Moi Avenue, Nairobi",
		},
		"payment_method": "mpesa",
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessReportsFailedDependency(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})

	w := s.do(http.MethodGet, "/ready", nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/v1/orders/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/v1/orders/1", nil, nil, "Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTokenSignedWithOtherSecretIsRejected(t *testing.T) {
	s := newTestServer(t, nil)
	token, err := NewAuthenticator("other", hookToken).Issue(buyer, time.Hour)
	require.NoError(t, err)

	w := s.do(http.MethodGet, "/api/v1/orders/1", nil, nil, "Authorization", "Bearer "+token)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateOrderUsesIdempotencyHeader(t *testing.T) {
	s := newTestServer(t, nil)
	s.svc.On("CreateOrder", buyer, mock.MatchedBy(func(r *service.CreateOrderRequest) bool {
		return r.IdempotencyKey == "checkout-7" && len(r.Items) == 1
	})).Return(&models.Order{ID: 9, BuyerID: 100, TotalAmount: decimal.NewFromInt(2000)}, nil)

	w := s.do(http.MethodPost, "/api/v1/orders", &buyer, createBody(), "Idempotency-Key", "checkout-7")

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var got models.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(9), got.ID)
	s.svc.AssertExpectations(t)
}

func TestCreateOrderRejectsInvalidBody(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/orders", &buyer, `{"items": []}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	s.svc.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.NotFound("order 5 not found"), http.StatusNotFound},
		{apperr.Unauthorized("not yours"), http.StatusForbidden},
		{apperr.Conflict("already delivered"), http.StatusConflict},
		{apperr.External(nil, true, "gateway timeout"), http.StatusServiceUnavailable},
		{apperr.External(nil, false, "rejected"), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		s := newTestServer(t, nil)
		s.svc.On("GetOrder", buyer, int64(5)).Return(nil, tc.err)

		w := s.do(http.MethodGet, "/api/v1/orders/5", &buyer, nil)

		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func TestInternalErrorsHideDetails(t *testing.T) {
	s := newTestServer(t, nil)
	s.svc.On("GetOrder", buyer, int64(5)).Return(nil, errors.New("pq: password authentication failed"))

	w := s.do(http.MethodGet, "/api/v1/orders/5", &buyer, nil)

	assert.NotContains(t, w.Body.String(), "password")
}

func TestInvalidPathID(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/api/v1/orders/abc", &buyer, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateStatus(t *testing.T) {
	s := newTestServer(t, nil)
	supplier := models.Actor{ID: 7, Role: models.RoleSupplier}
	s.svc.On("UpdateStatus", supplier, int64(3), models.OrderStatusShipped).
		Return(&models.Order{ID: 3, Status: models.OrderStatusShipped}, nil)

	w := s.do(http.MethodPut, "/api/v1/orders/3/status", &supplier, map[string]string{"status": "Shipped"})

	assert.Equal(t, http.StatusOK, w.Code)
	s.svc.AssertExpectations(t)
}

func TestCallbackAcknowledgesUnusableNotification(t *testing.T) {
	s := newTestServer(t, nil)
	s.svc.On("HandleCallback", mock.Anything).Return(apperr.Validation("malformed callback"))

	w := s.do(http.MethodPost, "/api/v1/payments/mpesa/hooks/"+hookToken+"/stk", nil, `{"Body":{}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
	s.svc.AssertCalled(t, "HandleCallback", []byte(`{"Body":{}}`))
}

func TestCallbackWithWrongTokenIsRejected(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/payments/mpesa/hooks/guess/stk",
		"/api/v1/payments/mpesa/hooks/guess/b2c/result",
		"/api/v1/payments/mpesa/hooks/guess/b2c/timeout",
	} {
		w := s.do(http.MethodPost, path, nil, `{"Body":{}}`)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	s.svc.AssertNotCalled(t, "HandleCallback", mock.Anything)
	s.svc.AssertNotCalled(t, "HandleResult", mock.Anything)
	s.svc.AssertNotCalled(t, "HandleTimeout", mock.Anything)
}

func TestCallbacksDisabledWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &mockServices{}
	router := gin.New()
	NewHandler(Services{Payments: svc, Payouts: svc}, NewAuthenticator("test-secret", ""), nil).SetupRoutes(router)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mpesa/hooks//stk", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusOK, w.Code)
	svc.AssertNotCalled(t, "HandleCallback", mock.Anything)
}

func TestGatewayNotificationRetryableFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"applied", nil, http.StatusOK},
		{"malformed", apperr.Validation("malformed callback"), http.StatusOK},
		{"unknown request", apperr.NotFound("payment request ws_CO_9 not found"), http.StatusOK},
		{"gateway rejected query", apperr.External(nil, false, "rejected"), http.StatusOK},
		{"gateway unreachable", apperr.External(errors.New("timeout"), true, "query failed"), http.StatusServiceUnavailable},
		{"database down", errors.New("pq: connection refused"), http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			s.svc.On("HandleCallback", mock.Anything).Return(tc.err)

			w := s.do(http.MethodPost, "/api/v1/payments/mpesa/hooks/"+hookToken+"/stk", nil, `{"Body":{}}`)

			assert.Equal(t, tc.code, w.Code)
			if tc.code != http.StatusOK {
				assert.NotContains(t, w.Body.String(), `"ResultCode":0`)
			}
		})
	}
}

func TestPayoutNotificationRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	result := `{"Result":{"ResultCode":0,"OriginatorConversationID":"escrow-release-3"}}`
	s.svc.On("HandleResult", []byte(result)).Return(nil)
	s.svc.On("HandleTimeout", []byte(result)).Return(apperr.External(nil, true, "database busy"))

	w := s.do(http.MethodPost, "/api/v1/payments/mpesa/hooks/"+hookToken+"/b2c/result", nil, result)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/v1/payments/mpesa/hooks/"+hookToken+"/b2c/timeout", nil, result)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.svc.AssertExpectations(t)
}

func TestInitiatePaymentAccepted(t *testing.T) {
	s := newTestServer(t, nil)
	s.svc.On("InitiatePush", buyer, &service.InitiatePaymentRequest{OrderID: 4, PhoneNumber: "0712345678"}).
		Return(&service.InitiatePaymentResponse{CheckoutRequestID: "ws_CO_1", Amount: decimal.NewFromInt(2975)}, nil)

	w := s.do(http.MethodPost, "/api/v1/payments/mpesa", &buyer,
		map[string]interface{}{"order_id": 4, "phone_number": "0712345678"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), "ws_CO_1")
}

func TestReleaseRequiresAdmin(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodPost, "/api/v1/admin/orders/3/release", &buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	s.svc.On("ReleaseNow", admin, int64(3)).
		Return(&models.Order{ID: 3, PaymentReleaseStatus: models.ReleaseStatusReleasing}, nil)
	w = s.do(http.MethodPost, "/api/v1/admin/orders/3/release", &admin, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestRefundRoutes(t *testing.T) {
	s := newTestServer(t, nil)
	amount := decimal.NewFromInt(300)
	s.svc.On("RequestRefund", buyer, int64(3), int64(11), &service.RefundRequest{Reason: "broken"}).
		Return(&models.Order{ID: 3}, nil)
	s.svc.On("DecideRefund", admin, int64(3), int64(11), mock.MatchedBy(func(d *service.RefundDecision) bool {
		return d.Status == models.RefundStatusApproved && d.Amount != nil && d.Amount.Equal(amount)
	})).Return(&models.Order{ID: 3}, nil)
	s.svc.On("ProcessRefund", admin, int64(3), int64(11)).Return(&models.Order{ID: 3}, nil)

	w := s.do(http.MethodPost, "/api/v1/orders/3/items/11/refund", &buyer, map[string]string{"reason": "broken"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPut, "/api/v1/orders/3/items/11/refund", &admin,
		map[string]interface{}{"status": "Approved", "amount": "300"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/api/v1/admin/orders/3/items/11/refund/process", &admin, nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	s.svc.AssertExpectations(t)
}

func TestEstimateShipping(t *testing.T) {
	s := newTestServer(t, nil)
	s.svc.On("Quote", mock.Anything).Return(&service.ShippingQuote{
		ShippingMethod: "standard",
		ShippingCost:   decimal.NewFromInt(975),
	}, nil)

	w := s.do(http.MethodPost, "/api/v1/shipping/estimate", &buyer, map[string]interface{}{
		"items":            []map[string]interface{}{{"product_id": 1, "quantity": 1}},
		"delivery_address": "Moi Avenue, Nairobi",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"shipping_cost":"975"`)
}
