// Package topup drives a mobile-money deposit and confirms it by polling the
// wallet balance. Submitting the deposit only means the STK push was sent;
// the money is observed, not acknowledged.
package topup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/events"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farepay_topup_outcomes_total",
		Help: "Top-up sessions by terminal outcome",
	}, []string{"outcome"})

	pollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "farepay_topup_poll_attempts",
		Help:    "Balance polls made before a top-up session ended",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 10},
	})
)

// WalletService is the part of the remote wallet the orchestrator needs.
type WalletService interface {
	Balance(ctx context.Context) (domain.WalletBalance, error)
	Deposit(ctx context.Context, amount decimal.Decimal, phone string) error
}

// Ledger is satisfied by *ledger.Cache.
type Ledger interface {
	Balance() domain.WalletBalance
	CreditObserved(observed decimal.Decimal, rec domain.TransactionRecord) (decimal.Decimal, error)
}

type Config struct {
	Interval       time.Duration
	MaxAttempts    int
	Epsilon        decimal.Decimal
	RequestTimeout time.Duration
}

// DefaultConfig polls every 3s, 10 times, with a one-cent tolerance.
func DefaultConfig() Config {
	return Config{
		Interval:       3 * time.Second,
		MaxAttempts:    10,
		Epsilon:        decimal.New(1, -2),
		RequestTimeout: 10 * time.Second,
	}
}

type Option func(*Orchestrator)

func WithConfig(cfg Config) Option { return func(o *Orchestrator) { o.cfg = cfg } }

func WithClock(clk clock.Clock) Option { return func(o *Orchestrator) { o.clock = clk } }

func WithLogger(l logrus.FieldLogger) Option { return func(o *Orchestrator) { o.log = l } }

func WithPublisher(p events.Publisher) Option { return func(o *Orchestrator) { o.events = p } }

type Orchestrator struct {
	wallet WalletService
	ledger Ledger
	cfg    Config
	clock  clock.Clock
	log    logrus.FieldLogger
	events events.Publisher
}

func NewOrchestrator(wallet WalletService, ledger Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		wallet: wallet,
		ledger: ledger,
		cfg:    DefaultConfig(),
		clock:  clock.Real{},
		log:    logrus.StandardLogger(),
		events: events.Nop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RequestTopUp snapshots the cached balance, submits the deposit and starts
// polling in the background. A rejected submission returns a session that
// is already Failed; no polling happens. Only invalid arguments return an
// error.
func (o *Orchestrator) RequestTopUp(ctx context.Context, amount decimal.Decimal, phone string) (*Session, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("top-up %s: %w", amount, domain.ErrInvalidAmount)
	}
	normalized, err := domain.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	s := newSession(amount, normalized, o.ledger.Balance().Amount, o.cfg.Epsilon, o.clock.Now())
	log := o.log.WithFields(logrus.Fields{"topup": s.ID, "amount": amount.String()})

	// The gateway call is fire-and-forget: the caller navigating away must
	// not abort a push that may already be on the user's phone.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RequestTimeout)
	err = o.wallet.Deposit(reqCtx, amount, normalized)
	cancel()
	if err != nil {
		gwErr := translate(err)
		log.WithError(err).Warn("deposit request rejected")
		o.finish(s, OutcomeFailed, gwErr)
		close(s.done)
		return s, nil
	}

	log.WithField("threshold", s.Threshold().String()).Info("stk push sent, polling balance")
	go o.poll(s, log)
	return s, nil
}

func (o *Orchestrator) poll(s *Session, log logrus.FieldLogger) {
	defer close(s.done)

	threshold := s.Threshold()
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if s.cancelled() {
			o.finish(s, OutcomeAborted, domain.ErrCancelled)
			return
		}
		timer := o.clock.NewTimer(o.cfg.Interval)
		select {
		case <-s.cancel:
			timer.Stop()
			o.finish(s, OutcomeAborted, domain.ErrCancelled)
			return
		case <-timer.C():
		}
		if s.cancelled() {
			o.finish(s, OutcomeAborted, domain.ErrCancelled)
			return
		}

		s.setAttempts(attempt)
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RequestTimeout)
		bal, err := o.wallet.Balance(ctx)
		cancel()
		if s.cancelled() {
			o.finish(s, OutcomeAborted, domain.ErrCancelled)
			return
		}
		if err != nil {
			log.WithError(err).WithField("attempt", attempt).Warn("balance check failed, retrying")
			continue
		}
		if bal.Amount.GreaterThanOrEqual(threshold) {
			o.confirm(s, bal.Amount, log)
			return
		}
	}
	o.finish(s, OutcomeTimedOut, fmt.Errorf("%w after %d attempts", domain.ErrTimeout, o.cfg.MaxAttempts))
}

// confirm records the deposit locally so a fare waiting on it can re-check
// affordability against the cache. Only the part of the deposit the cache
// does not already reflect is credited, since a refresh may have run since
// the deposit landed.
func (o *Orchestrator) confirm(s *Session, observed decimal.Decimal, log logrus.FieldLogger) {
	rec := domain.TransactionRecord{
		ID:          "topup-" + s.ID,
		Kind:        domain.KindDeposit,
		Amount:      s.TargetAmount,
		OccurredAt:  o.clock.Now(),
		Description: "M-Pesa Top Up",
		Status:      domain.StatusSuccess,
	}
	credited, err := o.ledger.CreditObserved(observed, rec)
	if err != nil {
		log.WithError(err).Error("confirmed deposit could not be recorded locally")
	} else if !credited.Equal(s.TargetAmount) {
		log.WithFields(logrus.Fields{"credited": credited.String(), "observed": observed.String()}).Info("deposit already partly reflected in cache")
	}
	o.finish(s, OutcomeConfirmed, nil)
}

func (o *Orchestrator) finish(s *Session, outcome Outcome, err error) {
	s.setOutcome(outcome, err)
	outcomesTotal.WithLabelValues(string(outcome)).Inc()
	pollAttempts.Observe(float64(s.Attempts()))

	entry := o.log.WithFields(logrus.Fields{"topup": s.ID, "outcome": outcome, "attempts": s.Attempts()})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Info("top-up session ended")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if pubErr := o.events.Publish(ctx, events.SubjectTopUpPrefix+string(outcome), s.Snapshot()); pubErr != nil {
		o.log.WithError(pubErr).Warn("top-up event not published")
	}
}

// translate keeps raw transport errors from leaking past the orchestrator.
func translate(err error) error {
	var gw *domain.GatewayError
	if errors.As(err, &gw) {
		return gw
	}
	type messager interface{ UserMessage() string }
	var m messager
	if errors.As(err, &m) && m.UserMessage() != "" {
		return &domain.GatewayError{Message: m.UserMessage()}
	}
	return &domain.GatewayError{Message: "Connection Error. Please try again."}
}

func newID() string { return uuid.NewString() }
