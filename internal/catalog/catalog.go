// Package catalog holds the read-only priced route list.
package catalog

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/farepay/internal/domain"
)

// Catalog is loaded once and never mutated, so it is safe for concurrent use.
type Catalog struct {
	routes map[string]domain.Route
	order  []string
}

func New(routes []domain.Route) (*Catalog, error) {
	c := &Catalog{routes: make(map[string]domain.Route, len(routes))}
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.routes[r.ID]; dup {
			return nil, fmt.Errorf("duplicate route id %q", r.ID)
		}
		c.routes[r.ID] = r
		c.order = append(c.order, r.ID)
	}
	return c, nil
}

// Lookup returns the route and whether it exists.
func (c *Catalog) Lookup(id string) (domain.Route, bool) {
	r, ok := c.routes[id]
	return r, ok
}

func (c *Catalog) Get(id string) (domain.Route, error) {
	r, ok := c.routes[id]
	if !ok {
		return domain.Route{}, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, id)
	}
	return r, nil
}

// All returns the routes in load order.
func (c *Catalog) All() []domain.Route {
	out := make([]domain.Route, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.routes[id])
	}
	return out
}

func (c *Catalog) Len() int { return len(c.order) }

type fileRoute struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	StandardPrice string `yaml:"standard_price"`
	PeakPrice     string `yaml:"peak_price"`
}

type file struct {
	Routes []fileRoute `yaml:"routes"`
}

// Parse decodes a YAML route list. Prices are decimal strings; a missing
// peak price defaults to the standard price.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}

	routes := make([]domain.Route, 0, len(f.Routes))
	for _, fr := range f.Routes {
		std, err := decimal.NewFromString(fr.StandardPrice)
		if err != nil {
			return nil, fmt.Errorf("route %s: standard price: %w", fr.ID, err)
		}
		peak := std
		if fr.PeakPrice != "" {
			if peak, err = decimal.NewFromString(fr.PeakPrice); err != nil {
				return nil, fmt.Errorf("route %s: peak price: %w", fr.ID, err)
			}
		}
		routes = append(routes, domain.Route{ID: fr.ID, Name: fr.Name, StandardPrice: std, PeakPrice: peak})
	}
	return New(routes)
}

func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return Parse(data)
}

// Default is the built-in Eldoret route list used when no file or database
// source is configured.
func Default() *Catalog {
	c, err := New([]domain.Route{
		route("R1", "Town - Kapsoya", 50, 70),
		route("R2", "Town - Langas", 50, 80),
		route("R3", "Town - Huruma", 40, 60),
		route("R4", "Town - Moi University", 80, 100),
		route("R5", "Town - Annex", 60, 80),
		route("R6", "Town - Pioneer", 70, 90),
	})
	if err != nil {
		panic(err)
	}
	return c
}

func route(id, name string, std, peak int64) domain.Route {
	return domain.Route{
		ID:            id,
		Name:          name,
		StandardPrice: decimal.NewFromInt(std),
		PeakPrice:     decimal.NewFromInt(peak),
	}
}
