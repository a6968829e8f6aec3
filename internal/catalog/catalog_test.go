package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/farepay/internal/domain"
)

func TestNewValidatesRoutes(t *testing.T) {
	tests := []struct {
		name  string
		route domain.Route
	}{
		{"zero standard price", domain.Route{ID: "X", StandardPrice: decimal.Zero, PeakPrice: decimal.NewFromInt(10)}},
		{"peak below standard", domain.Route{ID: "X", StandardPrice: decimal.NewFromInt(50), PeakPrice: decimal.NewFromInt(40)}},
		{"missing id", domain.Route{StandardPrice: decimal.NewFromInt(50), PeakPrice: decimal.NewFromInt(50)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New([]domain.Route{tt.route})
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	r := route("R1", "A - B", 50, 60)
	_, err := New([]domain.Route{r, r})
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	c := Default()

	r, ok := c.Lookup("R2")
	require.True(t, ok)
	assert.Equal(t, "Town - Langas", r.Name)

	_, ok = c.Lookup("nope")
	assert.False(t, ok)

	_, err := c.Get("nope")
	assert.True(t, errors.Is(err, domain.ErrRouteNotFound))
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAllKeepsLoadOrder(t *testing.T) {
	c := Default()
	all := c.All()
	require.Len(t, all, c.Len())
	assert.Equal(t, "R1", all[0].ID)
	assert.Equal(t, "R6", all[len(all)-1].ID)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	data := []byte(`routes:
  - id: K1
    name: Town - Kimumu
    standard_price: "45.50"
    peak_price: "60"
  - id: K2
    name: Town - Elgon View
    standard_price: "30"
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, c.Len())

	k1, _ := c.Lookup("K1")
	assert.True(t, k1.StandardPrice.Equal(decimal.RequireFromString("45.50")))
	assert.True(t, k1.PeakPrice.Equal(decimal.NewFromInt(60)))

	k2, _ := c.Lookup("K2")
	assert.True(t, k2.PeakPrice.Equal(k2.StandardPrice), "missing peak price defaults to standard")
}

func TestParseRejectsBadPrice(t *testing.T) {
	_, err := Parse([]byte(`routes: [{id: K1, name: x, standard_price: "abc"}]`))
	assert.Error(t, err)
}
