package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/farepay/internal/catalog"
	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/fare"
	"github.com/punchamoorthee/farepay/internal/ledger"
	"github.com/punchamoorthee/farepay/internal/topup"
)

const phone = "0712345678"

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// stubWallet confirms deposits by reporting whatever balance the test sets.
type stubWallet struct {
	mu         sync.Mutex
	balance    decimal.Decimal
	depositErr error
	deposits   []decimal.Decimal
}

func (w *stubWallet) Balance(context.Context) (domain.WalletBalance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.WalletBalance{Amount: w.balance}, nil
}

func (w *stubWallet) Deposit(_ context.Context, amount decimal.Decimal, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deposits = append(w.deposits, amount)
	return w.depositErr
}

type stubSettler struct {
	mu    sync.Mutex
	err   error
	calls []FareCharge
}

func (s *stubSettler) SettleFare(_ context.Context, c FareCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	return s.err
}

type harness struct {
	engine *Engine
	cache  *ledger.Cache
	wallet *stubWallet
	clock  *clock.Fake
}

func newHarness(t *testing.T, balance int64, opts ...Option) harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	clk := clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))

	routes, err := catalog.New([]domain.Route{
		{ID: "STD80", Name: "Town - Langas", StandardPrice: d(80), PeakPrice: d(100)},
		{ID: "STD150", Name: "Town - Moi University", StandardPrice: d(150), PeakPrice: d(180)},
	})
	require.NoError(t, err)

	cache := ledger.NewCache(ledger.WithClock(clk), ledger.WithLogger(logger))
	_, err = cache.Reconcile(d(balance), nil)
	require.NoError(t, err)

	w := &stubWallet{balance: d(balance)}
	orch := topup.NewOrchestrator(w, cache, topup.WithClock(clk), topup.WithLogger(logger))

	base := []Option{WithClock(clk), WithLogger(logger)}
	engine := NewEngine(routes, cache, orch, append(base, opts...)...)
	return harness{engine: engine, cache: cache, wallet: w, clock: clk}
}

func farePayments(c *ledger.Cache) []domain.TransactionRecord {
	var out []domain.TransactionRecord
	for _, r := range c.History() {
		if r.Kind == domain.KindFarePayment {
			out = append(out, r)
		}
	}
	return out
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAffordableFarePaysDirectly(t *testing.T) {
	h := newHarness(t, 200)

	s, err := h.engine.StartFarePayment("STD150", " kbr 123a ")
	require.NoError(t, err)
	assert.Equal(t, PhaseQuoted, s.Phase())
	assert.Equal(t, "KBR 123A", s.Identifier)

	q, err := s.Quote()
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d(150)))
	assert.Equal(t, PhaseAffording, s.Phase())

	p, err := s.CheckAffordability()
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalizing, p)

	require.NoError(t, s.Finalize(ctxT(t)))
	assert.Equal(t, PhaseDone, s.Phase())

	assert.True(t, h.cache.Balance().Amount.Equal(d(50)))
	fares := farePayments(h.cache)
	require.Len(t, fares, 1)
	assert.True(t, fares[0].Amount.Equal(d(150)))
	assert.Equal(t, domain.StatusPending, fares[0].Status)
	assert.Equal(t, "Trip to Moi University", fares[0].Description)
	assert.Equal(t, SettlementLocal, s.Snapshot().Settlement)
}

func TestShortBalanceTopsUpThenFinalizes(t *testing.T) {
	h := newHarness(t, 50)

	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)

	p, err := s.Pay(ctxT(t))
	assert.Equal(t, PhaseAwaitingTopUp, p)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))
	require.NotNil(t, s.Snapshot().Shortfall)
	assert.True(t, s.Snapshot().Shortfall.Equal(d(30)))

	h.wallet.mu.Lock()
	h.wallet.balance = d(130)
	h.wallet.mu.Unlock()

	ts, err := s.StartTopUp(ctxT(t), phone, d(80))
	require.NoError(t, err)
	require.NotNil(t, ts)

	p, err = s.AwaitTopUp(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalizing, p)
	assert.True(t, h.cache.Balance().Amount.Equal(d(130)))

	require.NoError(t, s.Finalize(ctxT(t)))
	assert.Equal(t, PhaseDone, s.Phase())
	assert.True(t, h.cache.Balance().Amount.Equal(d(50)))
	assert.Len(t, farePayments(h.cache), 1)
}

func TestTopUpDefaultsToShortfall(t *testing.T) {
	h := newHarness(t, 50)
	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)
	_, _ = s.Pay(ctxT(t))

	h.wallet.mu.Lock()
	h.wallet.balance = d(80)
	h.wallet.mu.Unlock()

	_, err = s.StartTopUp(ctxT(t), phone, decimal.Zero)
	require.NoError(t, err)
	p, err := s.AwaitTopUp(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalizing, p)
	require.Len(t, h.wallet.deposits, 1)
	assert.True(t, h.wallet.deposits[0].Equal(d(30)))
}

func TestConfirmedTopUpRechecksCurrentBalance(t *testing.T) {
	h := newHarness(t, 50)
	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)
	_, _ = s.Pay(ctxT(t))

	h.wallet.mu.Lock()
	h.wallet.balance = d(130)
	h.wallet.mu.Unlock()
	_, err = s.StartTopUp(ctxT(t), phone, d(80))
	require.NoError(t, err)

	// Something else spends from the wallet before the session re-checks.
	<-s.TopUp().Done()
	require.NoError(t, h.cache.ApplyOptimistic(d(-100), domain.TransactionRecord{ID: "tx-out", Kind: domain.KindTransferOut, Amount: d(100)}))

	p, err := s.AwaitTopUp(ctxT(t))
	assert.Equal(t, PhaseAwaitingTopUp, p)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))
	assert.True(t, s.Snapshot().Shortfall.Equal(d(50)))
}

func TestTopUpTimeoutKeepsAwaiting(t *testing.T) {
	h := newHarness(t, 50)
	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)
	_, _ = s.Pay(ctxT(t))

	_, err = s.StartTopUp(ctxT(t), phone, d(30))
	require.NoError(t, err)
	p, err := s.AwaitTopUp(ctxT(t))
	assert.Equal(t, PhaseAwaitingTopUp, p)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.True(t, h.cache.Balance().Amount.Equal(d(50)))

	// Retry is allowed after a terminal outcome.
	h.wallet.mu.Lock()
	h.wallet.balance = d(80)
	h.wallet.mu.Unlock()
	_, err = s.StartTopUp(ctxT(t), phone, d(30))
	require.NoError(t, err)
	p, err = s.AwaitTopUp(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalizing, p)
}

func TestTopUpRejectedKeepsAwaiting(t *testing.T) {
	h := newHarness(t, 50)
	h.wallet.depositErr = &domain.GatewayError{Message: "STK push failed: invalid phone"}
	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)
	_, _ = s.Pay(ctxT(t))

	ts, err := s.StartTopUp(ctxT(t), phone, d(30))
	require.NoError(t, err)
	assert.Equal(t, topup.OutcomeFailed, ts.Outcome())

	p, err := s.AwaitTopUp(ctxT(t))
	assert.Equal(t, PhaseAwaitingTopUp, p)
	assert.True(t, errors.Is(err, domain.ErrGatewayRejected))
	assert.Equal(t, "STK push failed: invalid phone", err.Error())
}

func TestUnknownRouteCreatesNothing(t *testing.T) {
	h := newHarness(t, 200)

	s, err := h.engine.StartFarePayment("NOPE", "KBR 123A")
	assert.Nil(t, s)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.True(t, errors.Is(err, domain.ErrRouteNotFound))
	assert.True(t, h.cache.Balance().Amount.Equal(d(200)))
	assert.Empty(t, h.cache.History())
}

func TestMissingIdentifier(t *testing.T) {
	h := newHarness(t, 200)
	_, err := h.engine.StartFarePayment("STD80", "   ")
	assert.ErrorIs(t, err, ErrMissingIdentifier)
}

func TestDoubleFinalizeDebitsOnce(t *testing.T) {
	h := newHarness(t, 500)
	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)
	_, err = s.Quote()
	require.NoError(t, err)
	_, err = s.CheckAffordability()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Finalize(ctxT(t))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, errors.Is(err, domain.ErrAlreadyInProgress))
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, farePayments(h.cache), 1)
	assert.True(t, h.cache.Balance().Amount.Equal(d(420)))

	err = s.Finalize(ctxT(t))
	assert.True(t, errors.Is(err, domain.ErrAlreadyInProgress))
	_, err = s.Pay(ctxT(t))
	assert.True(t, errors.Is(err, domain.ErrAlreadyInProgress))
	assert.Len(t, farePayments(h.cache), 1)
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, 500)
	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)

	assert.ErrorIs(t, s.Finalize(ctxT(t)), domain.ErrInvalidTransition)
	_, err = s.CheckAffordability()
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.StartTopUp(ctxT(t), phone, d(10))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.AwaitTopUp(ctxT(t))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = s.Quote()
	require.NoError(t, err)
	_, err = s.Quote()
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBalanceDropBeforeFinalize(t *testing.T) {
	h := newHarness(t, 100)
	s, err := h.engine.StartFarePayment("STD80", "KBR 123A")
	require.NoError(t, err)
	_, _ = s.Quote()
	p, _ := s.CheckAffordability()
	require.Equal(t, PhaseFinalizing, p)

	require.NoError(t, h.cache.ApplyOptimistic(d(-50), domain.TransactionRecord{ID: "x", Kind: domain.KindTransferOut, Amount: d(50)}))

	err = s.Finalize(ctxT(t))
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))
	assert.Equal(t, PhaseAwaitingTopUp, s.Phase())
	assert.True(t, h.cache.Balance().Amount.Equal(d(50)))
	assert.Empty(t, farePayments(h.cache))
}

func TestCancel(t *testing.T) {
	t.Run("from quoted", func(t *testing.T) {
		h := newHarness(t, 500)
		s, _ := h.engine.StartFarePayment("STD80", "KBR 123A")
		require.NoError(t, s.Cancel())
		assert.Equal(t, PhaseAborted, s.Phase())
		assert.ErrorIs(t, s.Finalize(ctxT(t)), domain.ErrInvalidTransition)
		require.NoError(t, s.Cancel(), "cancel is idempotent")
	})

	t.Run("stops active top-up", func(t *testing.T) {
		h := newHarness(t, 50)
		cfg := topup.DefaultConfig()
		cfg.Interval = time.Hour
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		h.engine.topups = topup.NewOrchestrator(h.wallet, h.cache, topup.WithConfig(cfg), topup.WithLogger(logger))

		s, _ := h.engine.StartFarePayment("STD80", "KBR 123A")
		_, _ = s.Pay(ctxT(t))
		ts, err := s.StartTopUp(ctxT(t), phone, d(30))
		require.NoError(t, err)

		require.NoError(t, s.Cancel())
		out, _ := ts.Wait(ctxT(t))
		assert.Equal(t, topup.OutcomeAborted, out)
		assert.Equal(t, PhaseAborted, s.Phase())
		assert.True(t, h.cache.Balance().Amount.Equal(d(50)))
	})
}

func TestPeakScheduleUsesPeakPrice(t *testing.T) {
	sched, err := fare.ParseSchedule("11:00-13:00", time.UTC)
	require.NoError(t, err)
	h := newHarness(t, 500, WithSchedule(sched))

	s, _ := h.engine.StartFarePayment("STD80", "KBR 123A")
	q, err := s.Quote()
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(d(100)))
	assert.Equal(t, domain.TierPeak, q.Tier)
}

func TestRemoteSettlement(t *testing.T) {
	t.Run("settled", func(t *testing.T) {
		settler := &stubSettler{}
		h := newHarness(t, 200, WithSettler(settler, time.Second))
		s, _ := h.engine.StartFarePayment("STD150", "KBR 123A")

		p, err := s.Pay(ctxT(t))
		require.NoError(t, err)
		assert.Equal(t, PhaseDone, p)
		require.Len(t, settler.calls, 1)
		assert.Equal(t, s.Snapshot().RecordID, settler.calls[0].IdempotencyKey)
		assert.Equal(t, "KBR 123A", settler.calls[0].Identifier)
		assert.Equal(t, SettlementSettled, s.Snapshot().Settlement)
	})

	t.Run("rejected is reversed", func(t *testing.T) {
		settler := &stubSettler{err: &domain.GatewayError{Message: "Vehicle not registered"}}
		h := newHarness(t, 200, WithSettler(settler, time.Second))
		s, _ := h.engine.StartFarePayment("STD150", "KBR 123A")

		p, err := s.Pay(ctxT(t))
		assert.Equal(t, PhaseAborted, p)
		assert.True(t, errors.Is(err, domain.ErrGatewayRejected))
		assert.True(t, h.cache.Balance().Amount.Equal(d(200)))

		rec, ok := h.cache.Record(s.Snapshot().RecordID)
		require.True(t, ok)
		assert.Equal(t, domain.StatusFailed, rec.Status)
		_, ok = h.cache.Record("rev-" + rec.ID)
		assert.True(t, ok, "explicit compensating record")
	})

	t.Run("uncertain is never retried", func(t *testing.T) {
		settler := &stubSettler{err: context.DeadlineExceeded}
		h := newHarness(t, 200, WithSettler(settler, time.Second))
		s, _ := h.engine.StartFarePayment("STD150", "KBR 123A")

		p, err := s.Pay(ctxT(t))
		assert.Equal(t, PhaseDone, p)
		assert.True(t, errors.Is(err, domain.ErrUncertain))
		assert.NotContains(t, err.Error(), "deadline")
		assert.Equal(t, SettlementUncertain, s.Snapshot().Settlement)

		err = s.Finalize(ctxT(t))
		assert.True(t, errors.Is(err, domain.ErrAlreadyInProgress))
		assert.Len(t, settler.calls, 1)
		assert.True(t, h.cache.Balance().Amount.Equal(d(50)))
		assert.Len(t, h.cache.Pending(), 1)
	})
}

func TestNewSessionPerAttempt(t *testing.T) {
	h := newHarness(t, 500)
	a, _ := h.engine.StartFarePayment("STD80", "KBR 123A")
	b, _ := h.engine.StartFarePayment("STD80", "KBR 123A")
	assert.NotEqual(t, a.ID, b.ID)

	_, err := a.Pay(ctxT(t))
	require.NoError(t, err)
	assert.Equal(t, PhaseQuoted, b.Phase())
}
