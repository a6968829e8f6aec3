// Package fare prices a route. Everything here is pure.
package fare

import (
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/farepay/internal/domain"
)

// Context carries the conditions a price depends on.
type Context struct {
	At   time.Time
	Peak bool
}

// RouteLookup is satisfied by *catalog.Catalog.
type RouteLookup interface {
	Lookup(id string) (domain.Route, bool)
}

type Resolver struct {
	routes RouteLookup
}

func NewResolver(routes RouteLookup) *Resolver {
	return &Resolver{routes: routes}
}

// Resolve prices the catalog's copy of the route.
func (r *Resolver) Resolve(routeID string, fc Context) (domain.FareQuote, error) {
	route, ok := r.routes.Lookup(routeID)
	if !ok {
		return domain.FareQuote{}, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, routeID)
	}
	return Quote(route, fc), nil
}

// Quote returns the standard price unless the peak flag is set.
func Quote(route domain.Route, fc Context) domain.FareQuote {
	q := domain.FareQuote{
		Route:      route,
		Price:      route.StandardPrice,
		Tier:       domain.TierStandard,
		ComputedAt: fc.At,
	}
	if fc.Peak {
		q.Price = route.PeakPrice
		q.Tier = domain.TierPeak
	}
	return q
}

// Window is a daily [Start, End) interval in minutes since midnight.
type Window struct {
	Start, End int
}

// Schedule decides whether a moment falls in peak hours. The zero value is
// never peak.
type Schedule struct {
	windows []Window
	loc     *time.Location
}

// ParseSchedule reads "HH:MM-HH:MM,HH:MM-HH:MM". An empty string yields an
// empty schedule.
func ParseSchedule(windows string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	s := Schedule{loc: loc}
	windows = strings.TrimSpace(windows)
	if windows == "" {
		return s, nil
	}
	for _, part := range strings.Split(windows, ",") {
		bounds := strings.SplitN(strings.TrimSpace(part), "-", 2)
		if len(bounds) != 2 {
			return Schedule{}, fmt.Errorf("peak window %q: want HH:MM-HH:MM", part)
		}
		start, err := minuteOfDay(bounds[0])
		if err != nil {
			return Schedule{}, err
		}
		end, err := minuteOfDay(bounds[1])
		if err != nil {
			return Schedule{}, err
		}
		if end <= start {
			return Schedule{}, fmt.Errorf("peak window %q ends before it starts", part)
		}
		s.windows = append(s.windows, Window{Start: start, End: end})
	}
	return s, nil
}

func minuteOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, fmt.Errorf("peak window time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (s Schedule) IsPeak(t time.Time) bool {
	if len(s.windows) == 0 {
		return false
	}
	if s.loc != nil {
		t = t.In(s.loc)
	}
	m := t.Hour()*60 + t.Minute()
	for _, w := range s.windows {
		if m >= w.Start && m < w.End {
			return true
		}
	}
	return false
}

func (s Schedule) ContextAt(t time.Time) Context {
	return Context{At: t, Peak: s.IsPeak(t)}
}
