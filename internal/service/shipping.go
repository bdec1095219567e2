package service

import (
	"context"
	"strings"
	"time"

	"settlement-service/config"
	"settlement-service/internal/apperr"
	"settlement-service/internal/models"
	"settlement-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultShippingMethod is used when a request names none
const DefaultShippingMethod = "standard"

// ShippingEstimateRequest is a quote request for a prospective cart
type ShippingEstimateRequest struct {
	Items           []OrderItemRequest `json:"items" binding:"required,min=1"`
	DeliveryAddress string             `json:"delivery_address" binding:"required"`
	ShippingMethod  string             `json:"shipping_method"`
}

// ShippingQuote is the priced delivery for a cart
type ShippingQuote struct {
	ShippingMethod        string          `json:"shipping_method"`
	ShippingCost          decimal.Decimal `json:"shipping_cost"`
	DistanceKm            decimal.Decimal `json:"distance_km"`
	FreeShipping          bool            `json:"free_shipping"`
	EstimatedDays         int             `json:"estimated_days"`
	EstimatedDeliveryDate time.Time       `json:"estimated_delivery_date"`
}

type rateCard struct {
	warehouse      string
	freeThreshold  decimal.Decimal
	perKg          decimal.Decimal
	perKm          decimal.Decimal
	bulkySurcharge decimal.Decimal
	bulkyVolume    decimal.Decimal
	fragileMedium  decimal.Decimal
	fragileHigh    decimal.Decimal
}

// ShippingEstimator prices delivery from distance and physical attributes
type ShippingEstimator struct {
	cfg     *config.ShippingConfig
	rates   *rateCard
	catalog ProductCatalog
	locator GeoLocator
	logger  *zap.Logger
	now     func() time.Time
}

// NewShippingEstimator creates an estimator. A nil or incomplete rate card is
// accepted; every quote then fails with an internal error.
func NewShippingEstimator(cfg *config.ShippingConfig, catalog ProductCatalog, locator GeoLocator) *ShippingEstimator {
	e := &ShippingEstimator{
		cfg:     cfg,
		catalog: catalog,
		locator: locator,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
	if cfg != nil && strings.TrimSpace(cfg.WarehouseAddress) != "" {
		e.rates = &rateCard{
			warehouse:      cfg.WarehouseAddress,
			freeThreshold:  decimal.NewFromFloat(cfg.FreeShippingThreshold),
			perKg:          decimal.NewFromFloat(cfg.RatePerKg),
			perKm:          decimal.NewFromFloat(cfg.RatePerKm),
			bulkySurcharge: decimal.NewFromFloat(cfg.BulkySurcharge),
			bulkyVolume:    decimal.NewFromFloat(cfg.BulkyVolumeThresholdCm3),
			fragileMedium:  decimal.NewFromFloat(cfg.FragilityRates.Medium),
			fragileHigh:    decimal.NewFromFloat(cfg.FragilityRates.High),
		}
	}
	return e
}

// Quote loads the cart's products and prices delivery for it
func (e *ShippingEstimator) Quote(ctx context.Context, req *ShippingEstimateRequest) (*ShippingQuote, error) {
	ctx, span := util.StartSpan(ctx, "ShippingEstimator.Quote")
	defer span.End()

	items, err := mergeItems(req.Items)
	if err != nil {
		return nil, err
	}

	products, err := loadProducts(ctx, e.catalog, items)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, apperr.NotFound("product %d not found", item.ProductID)
		}
		subtotal = subtotal.Add(p.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	return e.Estimate(ctx, items, products, req.DeliveryAddress, req.ShippingMethod, subtotal)
}

// Estimate prices delivery for already loaded products. Only the free
// shipping threshold yields a zero cost; every other gap is an error.
func (e *ShippingEstimator) Estimate(
	ctx context.Context,
	items []OrderItemRequest,
	products map[int64]*models.Product,
	address, method string,
	subtotal decimal.Decimal,
) (*ShippingQuote, error) {
	ctx, span := util.StartSpan(ctx, "ShippingEstimator.Estimate")
	defer span.End()

	if e.rates == nil {
		util.ShippingQuotesTotal.WithLabelValues("not_configured").Inc()
		return nil, apperr.Internal(nil, "shipping not configured")
	}

	if method == "" {
		method = DefaultShippingMethod
	}
	window, days, ok := e.cfg.DeliveryWindow(method)
	if !ok {
		return nil, apperr.Validation("unknown shipping method %q", method)
	}
	if strings.TrimSpace(address) == "" {
		return nil, apperr.Validation("delivery address is required")
	}

	quote := &ShippingQuote{
		ShippingMethod:        method,
		ShippingCost:          decimal.Zero,
		DistanceKm:            decimal.Zero,
		EstimatedDays:         days,
		EstimatedDeliveryDate: e.now().Add(window),
	}

	if e.rates.freeThreshold.IsPositive() && subtotal.GreaterThanOrEqual(e.rates.freeThreshold) {
		quote.FreeShipping = true
		util.ShippingQuotesTotal.WithLabelValues("free").Inc()
		return quote, nil
	}

	handling, err := e.handlingCost(items, products)
	if err != nil {
		util.ShippingQuotesTotal.WithLabelValues("invalid_product").Inc()
		return nil, err
	}

	origin, err := e.locator.Coordinates(ctx, e.rates.warehouse)
	if err != nil {
		util.ShippingQuotesTotal.WithLabelValues("geo_error").Inc()
		return nil, asExternal(err, "failed to locate warehouse")
	}
	dest, err := e.locator.Coordinates(ctx, address)
	if err != nil {
		util.ShippingQuotesTotal.WithLabelValues("geo_error").Inc()
		if apperr.Is(err, apperr.KindValidation) {
			return nil, err
		}
		return nil, asExternal(err, "failed to locate delivery address")
	}
	km, err := e.locator.DistanceKm(ctx, origin, dest)
	if err != nil {
		util.ShippingQuotesTotal.WithLabelValues("geo_error").Inc()
		if apperr.Is(err, apperr.KindValidation) {
			return nil, err
		}
		return nil, asExternal(err, "failed to resolve driving distance")
	}

	distance := decimal.NewFromFloat(km).Round(models.CurrencyPlaces)
	cost := handling.Add(distance.Mul(e.rates.perKm))
	if cost.IsNegative() {
		cost = decimal.Zero
	}

	quote.DistanceKm = distance
	quote.ShippingCost = cost.Round(models.CurrencyPlaces)

	util.ShippingQuotesTotal.WithLabelValues("priced").Inc()
	e.logger.Debug("Shipping quoted",
		zap.String("method", method),
		zap.String("distance_km", distance.String()),
		zap.String("cost", quote.ShippingCost.String()))

	return quote, nil
}

// handlingCost sums weight, bulk and fragility charges over the cart
func (e *ShippingEstimator) handlingCost(items []OrderItemRequest, products map[int64]*models.Product) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, item := range items {
		p, ok := products[item.ProductID]
		if !ok {
			return decimal.Zero, apperr.NotFound("product %d not found", item.ProductID)
		}
		if !p.WeightKg.Valid {
			return decimal.Zero, apperr.Validation("product %d has no weight", p.ID)
		}
		if !p.LengthCm.Valid || !p.WidthCm.Valid || !p.HeightCm.Valid {
			return decimal.Zero, apperr.Validation("product %d has no dimensions", p.ID)
		}

		qty := decimal.NewFromInt(int64(item.Quantity))
		total = total.Add(p.WeightKg.Decimal.Mul(qty).Mul(e.rates.perKg))

		volume := p.LengthCm.Decimal.Mul(p.WidthCm.Decimal).Mul(p.HeightCm.Decimal)
		if e.rates.bulkyVolume.IsPositive() && volume.GreaterThan(e.rates.bulkyVolume) {
			total = total.Add(e.rates.bulkySurcharge.Mul(qty))
		}

		switch p.Fragility {
		case models.FragilityMedium:
			total = total.Add(e.rates.fragileMedium.Mul(qty))
		case models.FragilityHigh:
			total = total.Add(e.rates.fragileHigh.Mul(qty))
		}
	}
	return total, nil
}

// mergeItems validates quantities and folds repeated products into one line
func mergeItems(items []OrderItemRequest) ([]OrderItemRequest, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}

	merged := make([]OrderItemRequest, 0, len(items))
	index := make(map[int64]int, len(items))
	for _, item := range items {
		if item.ProductID <= 0 {
			return nil, apperr.Validation("invalid product id %d", item.ProductID)
		}
		if item.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %d must be positive", item.ProductID)
		}
		if i, ok := index[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func loadProducts(ctx context.Context, catalog ProductCatalog, items []OrderItemRequest) (map[int64]*models.Product, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}

	products, err := catalog.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Internal(err, "failed to load products")
	}

	byID := make(map[int64]*models.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}
	return byID, nil
}
