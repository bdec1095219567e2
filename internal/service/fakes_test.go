package service

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"settlement-service/config"
	"settlement-service/internal/apperr"
	"settlement-service/internal/gateway"
	"settlement-service/internal/geo"
	"settlement-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory repository whose mutations are serialized like row locks
type memStore struct {
	mu          sync.Mutex
	nextOrderID int64
	nextItemID  int64
	orders      map[int64]*models.Order
	products    map[int64]models.Product
	suppliers   map[int64]models.Supplier
	pending     map[string]*models.PendingPayment
	pendingSeq  []string
}

func newMemStore() *memStore {
	return &memStore{
		orders:    make(map[int64]*models.Order),
		products:  make(map[int64]models.Product),
		suppliers: make(map[int64]models.Supplier),
		pending:   make(map[string]*models.PendingPayment),
	}
}

func (m *memStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.IdempotencyKey == order.IdempotencyKey {
			return apperr.Conflict("duplicate idempotency key")
		}
	}
	for _, it := range order.Items {
		if m.products[it.ProductID].Stock < it.Quantity {
			return apperr.Validation("insufficient stock for product %d", it.ProductID)
		}
	}
	for _, it := range order.Items {
		p := m.products[it.ProductID]
		p.Stock -= it.Quantity
		m.products[it.ProductID] = p
	}

	m.nextOrderID++
	order.ID = m.nextOrderID
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		m.nextItemID++
		order.Items[i].ID = m.nextItemID
		order.Items[i].OrderID = order.ID
	}
	m.orders[order.ID] = order.Clone()
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %d not found", id)
	}
	return o.Clone(), nil
}

func (m *memStore) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.IdempotencyKey == key {
			return o.Clone(), nil
		}
	}
	return nil, nil
}

func (m *memStore) MutateOrder(ctx context.Context, id int64, fn func(*models.Order) error) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[id]
	if !ok {
		return nil, apperr.NotFound("order %d not found", id)
	}
	o := current.Clone()
	if err := fn(o); err != nil {
		return nil, err
	}
	if current.Status != models.OrderStatusCancelled && o.Status == models.OrderStatusCancelled {
		for _, it := range o.Items {
			p := m.products[it.ProductID]
			p.Stock += it.Quantity
			m.products[it.ProductID] = p
		}
	}
	m.orders[id] = o
	return o.Clone(), nil
}

func (m *memStore) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for id, o := range m.orders {
		if o.PaymentReleaseStatus == models.ReleaseStatusScheduled &&
			o.PaymentStatus == models.PaymentStatusPaid &&
			o.DeliveryStatus == models.DeliveryStatusDelivered &&
			o.ReleaseDate != nil && !o.ReleaseDate.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) ResetStaleReleaseClaims(ctx context.Context, claimedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, o := range m.orders {
		if o.PaymentReleaseStatus == models.ReleaseStatusReleasing &&
			o.ReleaseClaimedAt != nil && o.ReleaseClaimedAt.Before(claimedBefore) {
			o.PaymentReleaseStatus = models.ReleaseStatusScheduled
			if o.ReleaseDate == nil {
				o.PaymentReleaseStatus = models.ReleaseStatusPending
			}
			o.ReleaseClaimedAt = nil
			o.ReleaseConversationID = nil
			o.ReleaseManual = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListApprovedRefunds(ctx context.Context, claimedBefore time.Time, limit int) ([]models.RefundRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var refs []models.RefundRef
	for _, o := range m.orders {
		for _, it := range o.Items {
			if it.RefundStatus == models.RefundStatusApproved &&
				(it.RefundClaimedAt == nil || it.RefundClaimedAt.Before(claimedBefore)) {
				refs = append(refs, models.RefundRef{OrderID: o.ID, ItemID: it.ID})
			}
		}
	}
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (m *memStore) CreatePendingPayment(ctx context.Context, p *models.PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[p.CheckoutRequestID]; ok {
		return apperr.Conflict("duplicate checkout request id")
	}
	cp := *p
	cp.CreatedAt = time.Now()
	m.pending[p.CheckoutRequestID] = &cp
	m.pendingSeq = append(m.pendingSeq, p.CheckoutRequestID)
	return nil
}

func (m *memStore) latestPending(orderID int64, status models.PendingPaymentStatus) *models.PendingPayment {
	for i := len(m.pendingSeq) - 1; i >= 0; i-- {
		p := m.pending[m.pendingSeq[i]]
		if p.OrderID == orderID && p.Status == status {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (m *memStore) GetPendingPayment(ctx context.Context, checkoutRequestID string) (*models.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[checkoutRequestID]
	if !ok {
		return nil, apperr.NotFound("payment request %s not found", checkoutRequestID)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetOpenPendingPayment(ctx context.Context, orderID int64) (*models.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestPending(orderID, models.PendingPaymentPending), nil
}

func (m *memStore) GetCompletedPendingPayment(ctx context.Context, orderID int64) (*models.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestPending(orderID, models.PendingPaymentCompleted), nil
}

func (m *memStore) ListStalePendingPayments(ctx context.Context, createdBefore time.Time, limit int) ([]models.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.PendingPayment
	for _, id := range m.pendingSeq {
		p := m.pending[id]
		if p.Status == models.PendingPaymentPending && p.CreatedAt.Before(createdBefore) {
			out = append(out, *p)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ResolvePendingPayment(ctx context.Context, checkoutRequestID string,
	fn func(*models.PendingPayment, *models.Order) (bool, error)) (*models.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.pending[checkoutRequestID]
	if !ok {
		return nil, false, apperr.NotFound("payment request %s not found", checkoutRequestID)
	}
	p := *stored
	o := m.orders[p.OrderID].Clone()

	changed, err := fn(&p, o)
	if err != nil || !changed {
		return o, false, err
	}
	m.pending[checkoutRequestID] = &p
	m.orders[o.ID] = o
	return o.Clone(), true, nil
}

func (m *memStore) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetSupplier(ctx context.Context, id int64) (*models.Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.suppliers[id]
	if !ok {
		return nil, apperr.NotFound("supplier %d not found", id)
	}
	return &s, nil
}

func (m *memStore) stock(productID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.products[productID].Stock
}

func (m *memStore) edit(id int64, fn func(*models.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.orders[id])
}

// fakeGateway records push and payout calls
type fakeGateway struct {
	mu          sync.Mutex
	seq         int
	pushErr     error
	queryResult *gateway.PushResult
	queryErr    error
	queries     int
	payoutErr   error
	payoutDelay time.Duration
	pushes      []gateway.PushRequest
	payouts     []gateway.PayoutRequest
}

func (g *fakeGateway) InitiatePush(ctx context.Context, req gateway.PushRequest) (*gateway.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pushErr != nil {
		return nil, g.pushErr
	}
	g.seq++
	g.pushes = append(g.pushes, req)
	return &gateway.PushResponse{
		MerchantRequestID: "mr-" + strconv.Itoa(g.seq),
		CheckoutRequestID: "ws_CO_" + strconv.Itoa(g.seq),
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryPush(ctx context.Context, checkoutRequestID string) (*gateway.PushResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	if g.queryResult == nil {
		return &gateway.PushResult{CheckoutRequestID: checkoutRequestID}, nil
	}
	r := *g.queryResult
	r.CheckoutRequestID = checkoutRequestID
	return &r, nil
}

func (g *fakeGateway) Payout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResponse, error) {
	if g.payoutDelay > 0 {
		time.Sleep(g.payoutDelay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	amount := gateway.PayoutAmount(req.Amount)
	if !amount.IsPositive() {
		return nil, apperr.Validation("payout of %s is below the smallest payable unit", req.Amount)
	}
	g.payouts = append(g.payouts, req)
	return &gateway.PayoutResponse{
		ConversationID:           "AG_" + req.IdempotencyKey,
		OriginatorConversationID: req.IdempotencyKey,
		Amount:                   amount,
	}, nil
}

func (g *fakeGateway) confirmPushes(receipt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryResult = &gateway.PushResult{
		Final:         true,
		Success:       true,
		ResultDesc:    "The service request is processed successfully.",
		ReceiptNumber: receipt,
	}
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

func (g *fakeGateway) payoutCalls() []gateway.PayoutRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.PayoutRequest(nil), g.payouts...)
}

// recordingNotifier keeps every published event type
type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(t string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, t)
	return nil
}

func (n *recordingNotifier) count(t string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e == t {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) PublishOrderCreated(ctx context.Context, e *models.OrderCreatedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishOrderStatusChanged(ctx context.Context, e *models.OrderStatusChangedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishPaymentSuccess(ctx context.Context, e *models.PaymentSuccessEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishPaymentFailed(ctx context.Context, e *models.PaymentFailedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishEscrowReleased(ctx context.Context, e *models.EscrowReleasedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishRefundRequested(ctx context.Context, e *models.RefundRequestedEvent) error {
	return n.record(e.EventType)
}

func (n *recordingNotifier) PublishRefundDecided(ctx context.Context, e *models.RefundDecidedEvent) error {
	return n.record(e.EventType)
}

type mockLoyalty struct {
	mock.Mock
}

func (m *mockLoyalty) CreditPoints(ctx context.Context, userID, orderID, points int64, reason string) error {
	args := m.Called(ctx, userID, orderID, points, reason)
	return args.Error(0)
}

type mockLocator struct {
	mock.Mock
}

func (m *mockLocator) Coordinates(ctx context.Context, address string) (geo.Coordinates, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(geo.Coordinates), args.Error(1)
}

func (m *mockLocator) DistanceKm(ctx context.Context, from, to geo.Coordinates) (float64, error) {
	args := m.Called(ctx, from, to)
	return args.Get(0).(float64), args.Error(1)
}

var (
	warehouse   = geo.Coordinates{Lat: -1.2921, Lng: 36.8219}
	destination = geo.Coordinates{Lat: -1.3000, Lng: 36.9000}
)

const (
	buyerID    int64 = 100
	supplierID int64 = 7
	otherID    int64 = 8
	adminID    int64 = 1
)

var (
	buyer    = models.Actor{ID: buyerID, Role: models.RoleBuyer}
	supplier = models.Actor{ID: supplierID, Role: models.RoleSupplier}
	stranger = models.Actor{ID: otherID, Role: models.RoleSupplier}
	admin    = models.Actor{ID: adminID, Role: models.RoleAdmin}
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nd(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(s))
}

func testShippingConfig() *config.ShippingConfig {
	return &config.ShippingConfig{
		WarehouseAddress:        "Warehouse, Nairobi",
		FreeShippingThreshold:   5000,
		RatePerKg:               50,
		RatePerKm:               10,
		BulkySurcharge:          200,
		BulkyVolumeThresholdCm3: 100000,
		FragilityRates:          config.FragilityRates{Medium: 50, High: 100},
		Methods: map[string]config.ShippingMethod{
			"standard": {Days: 5},
			"express":  {Days: 2},
		},
	}
}

func seedCatalog(m *memStore) {
	m.products[1] = models.Product{ID: 1, SellerID: supplierID, Name: "Kettle", Price: d("1000"), Stock: 10,
		CommissionPercentage: nd("10"), WeightKg: nd("1"), LengthCm: nd("10"), WidthCm: nd("10"), HeightCm: nd("10"),
		Fragility: models.FragilityLow}
	m.products[2] = models.Product{ID: 2, SellerID: supplierID, Name: "Mirror", Price: d("500"), Stock: 5,
		WeightKg: nd("2"), LengthCm: nd("50"), WidthCm: nd("50"), HeightCm: nd("50"),
		Fragility: models.FragilityHigh}
	m.products[3] = models.Product{ID: 3, SellerID: otherID, Name: "Mug", Price: d("300"), Stock: 3,
		WeightKg: nd("0.5"), LengthCm: nd("10"), WidthCm: nd("10"), HeightCm: nd("10")}
	m.products[4] = models.Product{ID: 4, SellerID: supplierID, Name: "Rug", Price: d("800"), Stock: 4}
	m.suppliers[supplierID] = models.Supplier{ID: supplierID, Name: "Acme", PayoutPhone: "0711000000"}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	store    *memStore
	gw       *fakeGateway
	notifier *recordingNotifier
	loyalty  *mockLoyalty
	locator  *mockLocator

	estimator *ShippingEstimator
	orders    *OrderService
	payments  *PaymentService
	escrow    *EscrowService
	refunds   *RefundService
	results   *PayoutResults
}

const holdPeriod = 72 * time.Hour

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		clock:    &testClock{now: time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)},
		store:    newMemStore(),
		gw:       &fakeGateway{},
		notifier: &recordingNotifier{},
		loyalty:  &mockLoyalty{},
		locator:  &mockLocator{},
	}
	seedCatalog(f.store)

	f.locator.On("Coordinates", mock.Anything, "Warehouse, Nairobi").Return(warehouse, nil).Maybe()
	f.locator.On("Coordinates", mock.Anything, "Moi Avenue, Nairobi").Return(destination, nil).Maybe()
	f.locator.On("DistanceKm", mock.Anything, warehouse, destination).Return(12.5, nil).Maybe()
	f.loyalty.On("CreditPoints", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	f.estimator = NewShippingEstimator(testShippingConfig(), f.store, f.locator)
	f.estimator.now = f.clock.Now

	f.orders = NewOrderService(f.store, f.store, f.estimator, f.notifier, d("10"), holdPeriod)
	f.orders.now = f.clock.Now

	f.payments = NewPaymentService(f.store, f.store, f.gw, f.notifier, f.loyalty, "254", 100, holdPeriod)
	f.payments.now = f.clock.Now

	f.escrow = NewEscrowService(f.store, f.store, f.gw, f.notifier, "254", 50, 30*time.Minute)
	f.escrow.now = f.clock.Now

	f.refunds = NewRefundService(f.store, f.store, f.gw, f.notifier, "254", 50, 30*time.Minute)
	f.refunds.now = f.clock.Now

	f.results = NewPayoutResults(f.escrow, f.refunds)

	return f
}

func (f *fixture) createRequest(key string) *CreateOrderRequest {
	return &CreateOrderRequest{
		Items: []OrderItemRequest{
			{ProductID: 1, Quantity: 1},
			{ProductID: 2, Quantity: 2},
		},
		DeliveryDetails: models.DeliveryDetails{
			RecipientName: "Jane Buyer",
			Phone:         "0722000000",
			Address:       "Moi Avenue, Nairobi",
			City:          "Nairobi",
		},
		PaymentMethod:  "mpesa",
		IdempotencyKey: key,
	}
}

func (f *fixture) placeOrder() *models.Order {
	o, err := f.orders.CreateOrder(f.ctx, buyer, f.createRequest(""))
	require.NoError(f.t, err)
	return o
}

func (f *fixture) pay(orderID int64) string {
	resp, err := f.payments.InitiatePush(f.ctx, buyer, &InitiatePaymentRequest{OrderID: orderID, PhoneNumber: "0712345678"})
	require.NoError(f.t, err)

	applied, err := f.payments.Reconcile(f.ctx, SourceCallback, &gateway.PushResult{
		CheckoutRequestID: resp.CheckoutRequestID,
		Final:             true,
		Success:           true,
		ResultDesc:        "The service request is processed successfully.",
		ReceiptNumber:     "NLJ7RT61SV",
	})
	require.NoError(f.t, err)
	require.True(f.t, applied)
	return resp.CheckoutRequestID
}

func (f *fixture) deliver(orderID int64) *models.Order {
	_, err := f.orders.UpdateStatus(f.ctx, supplier, orderID, models.OrderStatusShipped)
	require.NoError(f.t, err)
	o, err := f.orders.UpdateStatus(f.ctx, supplier, orderID, models.OrderStatusDelivered)
	require.NoError(f.t, err)
	return o
}

// paidDeliveredOrder returns an order whose release is scheduled hold period from now
func (f *fixture) paidDeliveredOrder() *models.Order {
	o := f.placeOrder()
	f.pay(o.ID)
	return f.deliver(o.ID)
}

func (f *fixture) reload(id int64) *models.Order {
	o, err := f.store.GetOrderByID(f.ctx, id)
	require.NoError(f.t, err)
	return o
}

func itemFor(t *testing.T, o *models.Order, productID int64) models.OrderItem {
	for _, it := range o.Items {
		if it.ProductID == productID {
			return it
		}
	}
	t.Fatalf("order %d has no item for product %d", o.ID, productID)
	return models.OrderItem{}
}

// settlePayout delivers the gateway's result for the payout sent under key
func (f *fixture) settlePayout(key string, success bool) {
	result := &gateway.PayoutResult{
		OriginatorConversationID: key,
		ConversationID:           "AG_" + key,
		Success:                  success,
		ResultDesc:               "The service request is processed successfully.",
	}
	if success {
		for _, req := range f.gw.payoutCalls() {
			if req.IdempotencyKey == key {
				result.Amount = gateway.PayoutAmount(req.Amount)
			}
		}
		result.TransactionID = "NLJ41HAY6Q"
	} else {
		result.ResultCode = 2001
		result.ResultDesc = "The initiator information is invalid."
	}
	require.NoError(f.t, f.results.apply(f.ctx, result))
}
