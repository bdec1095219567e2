package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ShippingConfig is the delivery rate card
type ShippingConfig struct {
	WarehouseAddress        string                    `yaml:"warehouse_address"`
	FreeShippingThreshold   float64                   `yaml:"free_shipping_threshold"`
	RatePerKg               float64                   `yaml:"rate_per_kg"`
	RatePerKm               float64                   `yaml:"rate_per_km"`
	BulkySurcharge          float64                   `yaml:"bulky_surcharge"`
	BulkyVolumeThresholdCm3 float64                   `yaml:"bulky_volume_threshold_cm3"`
	FragilityRates          FragilityRates            `yaml:"fragility_rates"`
	Methods                 map[string]ShippingMethod `yaml:"methods"`
}

type FragilityRates struct {
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

type ShippingMethod struct {
	Days int `yaml:"days"`
}

var defaultMethods = map[string]ShippingMethod{
	"standard": {Days: 5},
	"express":  {Days: 2},
}

// LoadShipping reads the rate card. A missing file yields nil so the
// estimator reports "not configured" instead of quoting made-up prices.
func LoadShipping(path string) (*ShippingConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read shipping config: %w", err)
	}

	var c ShippingConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shipping config: %w", err)
	}

	if len(c.Methods) == 0 {
		c.Methods = make(map[string]ShippingMethod, len(defaultMethods))
	}
	for name, m := range defaultMethods {
		if _, ok := c.Methods[name]; !ok {
			c.Methods[name] = m
		}
	}

	return &c, nil
}

// DeliveryWindow returns the day count for a shipping method
func (c *ShippingConfig) DeliveryWindow(method string) (time.Duration, int, bool) {
	m, ok := c.Methods[method]
	if !ok {
		return 0, 0, false
	}
	return time.Duration(m.Days) * 24 * time.Hour, m.Days, true
}
