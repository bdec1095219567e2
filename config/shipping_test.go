package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadShippingAppliesDefaultMethods(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipping.yaml")
	body := `
warehouse_address: "Mombasa Road, Nairobi"
free_shipping_threshold: 5000
rate_per_kg: 50
rate_per_km: 10
bulky_surcharge: 200
bulky_volume_threshold_cm3: 100000
fragility_rates:
  medium: 100
  high: 250
methods:
  express:
    days: 1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := LoadShipping(path)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, "Mombasa Road, Nairobi", c.WarehouseAddress)
	assert.Equal(t, 250.0, c.FragilityRates.High)

	_, days, ok := c.DeliveryWindow("express")
	assert.True(t, ok)
	assert.Equal(t, 1, days)

	d, days, ok := c.DeliveryWindow("standard")
	assert.True(t, ok)
	assert.Equal(t, 5, days)
	assert.Equal(t, 5*24*time.Hour, d)

	_, _, ok = c.DeliveryWindow("drone")
	assert.False(t, ok)
}

func TestLoadShippingMissingFile(t *testing.T) {
	c, err := LoadShipping(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
	assert.Nil(t, c)
}
