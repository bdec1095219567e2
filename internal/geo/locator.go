package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"settlement-service/internal/util"

	"go.uber.org/zap"
)

// Locator memoizes provider lookups through a Cache
type Locator struct {
	cache    Cache
	provider Provider
	ttl      time.Duration
	logger   *zap.Logger
}

// NewLocator creates a caching locator
func NewLocator(cache Cache, provider Provider, ttl time.Duration) *Locator {
	return &Locator{
		cache:    cache,
		provider: provider,
		ttl:      ttl,
		logger:   util.GetLogger(),
	}
}

func addressKey(address string) string {
	return "addr:" + strings.ToLower(strings.Join(strings.Fields(address), " "))
}

func distanceKey(from, to Coordinates) string {
	return fmt.Sprintf("dist:%s|%s", from, to)
}

// Coordinates resolves an address, consulting the cache first
func (l *Locator) Coordinates(ctx context.Context, address string) (Coordinates, error) {
	ctx, span := util.StartSpan(ctx, "Locator.Coordinates")
	defer span.End()

	key := addressKey(address)
	var c Coordinates
	if l.lookup(ctx, "geocode", key, &c) {
		return c, nil
	}

	start := time.Now()
	c, err := l.provider.Geocode(ctx, address)
	util.GeoProviderLatency.WithLabelValues("geocode").Observe(time.Since(start).Seconds())
	if err != nil {
		return Coordinates{}, err
	}

	l.store(ctx, key, c)
	return c, nil
}

// DistanceKm resolves the driving distance between two points, consulting the cache first
func (l *Locator) DistanceKm(ctx context.Context, from, to Coordinates) (float64, error) {
	ctx, span := util.StartSpan(ctx, "Locator.DistanceKm")
	defer span.End()

	key := distanceKey(from, to)
	var km float64
	if l.lookup(ctx, "distance", key, &km) {
		return km, nil
	}

	start := time.Now()
	km, err := l.provider.DrivingDistanceKm(ctx, from, to)
	util.GeoProviderLatency.WithLabelValues("distance").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, err
	}

	l.store(ctx, key, km)
	return km, nil
}

// Flush drops every memoized lookup
func (l *Locator) Flush(ctx context.Context) error {
	return l.cache.Flush(ctx)
}

func (l *Locator) lookup(ctx context.Context, kind, key string, dst interface{}) bool {
	raw, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("Geo cache read failed", zap.String("key", key), zap.Error(err))
		util.GeoCacheLookupsTotal.WithLabelValues(kind, "error").Inc()
		return false
	}
	if !ok {
		util.GeoCacheLookupsTotal.WithLabelValues(kind, "miss").Inc()
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		l.logger.Warn("Discarding undecodable geo cache entry", zap.String("key", key), zap.Error(err))
		_ = l.cache.Delete(ctx, key)
		util.GeoCacheLookupsTotal.WithLabelValues(kind, "miss").Inc()
		return false
	}
	util.GeoCacheLookupsTotal.WithLabelValues(kind, "hit").Inc()
	return true
}

func (l *Locator) store(ctx context.Context, key string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, key, raw, l.ttl); err != nil {
		l.logger.Warn("Geo cache write failed", zap.String("key", key), zap.Error(err))
	}
}
