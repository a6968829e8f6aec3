package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/events"
	"github.com/punchamoorthee/farepay/internal/ledger"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	defaultPublishTimeout  = 2 * time.Second
)

// Source is the read side of the remote wallet.
type Source interface {
	Balance(ctx context.Context) (domain.WalletBalance, error)
	Activity(ctx context.Context) ([]domain.TransactionRecord, error)
}

// Reconciler is satisfied by *ledger.Cache.
type Reconciler interface {
	Reconcile(serverBalance decimal.Decimal, serverHistory []domain.TransactionRecord) (ledger.Report, error)
}

// Refresher keeps the ledger cache in step with the server.
type Refresher struct {
	src      Source
	cache    Reconciler
	interval time.Duration
	clock    clock.Clock
	log      logrus.FieldLogger
	events   events.Publisher
}

func NewRefresher(src Source, cache Reconciler, interval time.Duration, clk clock.Clock, log logrus.FieldLogger, pub events.Publisher) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Refresher{src: src, cache: cache, interval: interval, clock: clk, log: log, events: pub}
}

// Refresh fetches history, then balance, and reconciles. History is read
// first, so a local pending debit that settles between the two reads is
// already in the server balance but still unmatched, and gets subtracted
// twice. The balance reads low for one cycle and the next refresh matches
// it. The report is returned even when its Err is set.
func (r *Refresher) Refresh(ctx context.Context) (ledger.Report, error) {
	hist, err := r.src.Activity(ctx)
	if err != nil {
		return ledger.Report{}, fmt.Errorf("fetch activity: %w", err)
	}
	bal, err := r.src.Balance(ctx)
	if err != nil {
		return ledger.Report{}, fmt.Errorf("fetch balance: %w", err)
	}

	report, err := r.cache.Reconcile(bal.Amount, hist)
	if err != nil {
		return report, err
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := r.events.Publish(pubCtx, events.SubjectReconciled, report); err != nil {
		r.log.WithError(err).Warn("reconcile event not published")
	}
	return report, report.Err()
}

// Run refreshes immediately and then every interval until ctx is done.
// Failures are logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context) {
	for {
		report, err := r.Refresh(ctx)
		switch {
		case errors.Is(err, domain.ErrReconciliationMismatch):
			r.log.WithField("records", report.Mismatched).Warn("ledger out of step with server")
		case err != nil && ctx.Err() == nil:
			r.log.WithError(err).Warn("wallet refresh failed")
		case err == nil:
			r.log.WithFields(logrus.Fields{"confirmed": len(report.Confirmed), "failed": len(report.Failed), "pending": len(report.Pending)}).Debug("wallet refreshed")
		}

		timer := r.clock.NewTimer(r.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
		}
	}
}
