package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"settlement-service/internal/apperr"

	"googlemaps.github.io/maps"
)

// Coordinates is a WGS84 point
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Provider resolves addresses and road distances
type Provider interface {
	Geocode(ctx context.Context, address string) (Coordinates, error)
	DrivingDistanceKm(ctx context.Context, from, to Coordinates) (float64, error)
}

// GoogleMapsProvider uses the Geocoding and Distance Matrix APIs
type GoogleMapsProvider struct {
	client *maps.Client
	region string
}

// NewGoogleMapsProvider creates a provider biased towards region (ccTLD, e.g. "ke")
func NewGoogleMapsProvider(apiKey, region string, opts ...maps.ClientOption) (*GoogleMapsProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("maps api key is required")
	}
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsProvider{client: client, region: region}, nil
}

func (p *GoogleMapsProvider) Geocode(ctx context.Context, address string) (Coordinates, error) {
	results, err := p.client.Geocode(ctx, &maps.GeocodingRequest{
		Address: address,
		Region:  p.region,
	})
	if err != nil {
		return Coordinates{}, classify(err, "geocoding failed")
	}
	if len(results) == 0 {
		return Coordinates{}, apperr.Validation("address could not be resolved: %q", address)
	}

	loc := results[0].Geometry.Location
	return Coordinates{Lat: loc.Lat, Lng: loc.Lng}, nil
}

func (p *GoogleMapsProvider) DrivingDistanceKm(ctx context.Context, from, to Coordinates) (float64, error) {
	resp, err := p.client.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{from.String()},
		Destinations: []string{to.String()},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsMetric,
	})
	if err != nil {
		return 0, classify(err, "distance lookup failed")
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, apperr.External(nil, false, "distance lookup returned no route")
	}

	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, apperr.Validation("no driving route between %s and %s: %s", from, to, el.Status)
	}
	return float64(el.Distance.Meters) / 1000, nil
}

func classify(err error, msg string) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return apperr.External(err, true, msg)
	}
	s := err.Error()
	if strings.Contains(s, "REQUEST_DENIED") || strings.Contains(s, "INVALID_REQUEST") {
		return apperr.External(err, false, msg)
	}
	return apperr.External(err, true, msg)
}
