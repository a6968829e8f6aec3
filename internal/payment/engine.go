// Package payment sequences a fare payment: identify the vehicle and route,
// price it, check the tentative balance, top up when short, and finalize a
// single optimistic debit.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/events"
	"github.com/punchamoorthee/farepay/internal/fare"
	"github.com/punchamoorthee/farepay/internal/topup"
)

var ErrMissingIdentifier = errors.New("vehicle identifier is required")

var (
	fareResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farepay_fare_payments_total",
		Help: "Fare payment sessions by result",
	}, []string{"result"})

	fareAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farepay_fare_debited_amount_total",
		Help: "Sum of fares debited from the local ledger",
	})
)

// Ledger is satisfied by *ledger.Cache.
type Ledger interface {
	Balance() domain.WalletBalance
	ApplyOptimistic(delta decimal.Decimal, rec domain.TransactionRecord) error
	Reverse(id, reason string) error
}

// TopUps is satisfied by *topup.Orchestrator.
type TopUps interface {
	RequestTopUp(ctx context.Context, amount decimal.Decimal, phone string) (*topup.Session, error)
}

// FareCharge is what a remote settler is asked to record. IdempotencyKey is
// also the ID of the local pending record, so the server can deduplicate
// and reconciliation can match by ID.
type FareCharge struct {
	IdempotencyKey string          `json:"-"`
	RouteID        string          `json:"routeId"`
	Identifier     string          `json:"identifier"`
	Amount         decimal.Decimal `json:"amount"`
}

// Settler confirms a fare debit with the server. A *domain.GatewayError
// means the server refused the charge; any other error leaves the outcome
// unknown.
type Settler interface {
	SettleFare(ctx context.Context, charge FareCharge) error
}

type Option func(*Engine)

func WithSchedule(s fare.Schedule) Option { return func(e *Engine) { e.schedule = s } }

// WithSettler makes finalize a network operation. Without one the debit is
// purely local until the next reconciliation. A non-positive timeout keeps
// the default.
func WithSettler(s Settler, timeout time.Duration) Option {
	return func(e *Engine) {
		e.settler = s
		if timeout > 0 {
			e.settleTimeout = timeout
		}
	}
}

func WithClock(clk clock.Clock) Option { return func(e *Engine) { e.clock = clk } }

func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

type Engine struct {
	routes        fare.RouteLookup
	resolver      *fare.Resolver
	schedule      fare.Schedule
	ledger        Ledger
	topups        TopUps
	settler       Settler
	settleTimeout time.Duration
	clock         clock.Clock
	log           logrus.FieldLogger
	events        events.Publisher
}

func NewEngine(routes fare.RouteLookup, ledger Ledger, topups TopUps, opts ...Option) *Engine {
	e := &Engine{
		routes:        routes,
		resolver:      fare.NewResolver(routes),
		ledger:        ledger,
		topups:        topups,
		settleTimeout: 15 * time.Second,
		clock:         clock.Real{},
		log:           logrus.StandardLogger(),
		events:        events.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartFarePayment captures the route and vehicle identifier. An unknown
// route fails with ErrRouteNotFound and creates nothing.
func (e *Engine) StartFarePayment(routeID, identifier string) (*Session, error) {
	identifier = strings.ToUpper(strings.TrimSpace(identifier))
	if identifier == "" {
		return nil, ErrMissingIdentifier
	}
	route, ok := e.routes.Lookup(routeID)
	if !ok {
		fareResults.WithLabelValues("route_not_found").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrRouteNotFound, routeID)
	}

	s := &Session{
		ID:         uuid.NewString(),
		Identifier: identifier,
		Route:      route,
		CreatedAt:  e.clock.Now(),
		engine:     e,
		phase:      PhaseIdentifying,
	}
	s.phase = PhaseQuoted
	e.log.WithFields(logrus.Fields{"fare": s.ID, "route": route.ID, "vehicle": identifier}).Debug("fare payment started")
	return s, nil
}

func (e *Engine) publish(subject string, data interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.events.Publish(ctx, subject, data); err != nil {
		e.log.WithError(err).WithField("subject", subject).Warn("event not published")
	}
}

func tripDescription(route domain.Route) string {
	name := route.Name
	if i := strings.LastIndex(name, "-"); i >= 0 && strings.TrimSpace(name[i+1:]) != "" {
		name = strings.TrimSpace(name[i+1:])
	}
	return "Trip to " + name
}
