package topup

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

	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/events"
	"github.com/punchamoorthee/farepay/internal/ledger"
)

const phone = "0712345678"

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// scriptedWallet returns balances[i] on the i-th Balance call (the last
// value repeats) and errs[i] when set. onBalance runs before each reply.
type scriptedWallet struct {
	mu         sync.Mutex
	balances   []decimal.Decimal
	errs       map[int]error
	depositErr error
	deposits   []string
	calls      int

	blockOn int
	entered chan struct{}
	release chan struct{}

	onBalance func(call int)
}

func (w *scriptedWallet) Deposit(_ context.Context, amount decimal.Decimal, phone string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deposits = append(w.deposits, amount.String()+"@"+phone)
	return w.depositErr
}

func (w *scriptedWallet) Balance(context.Context) (domain.WalletBalance, error) {
	w.mu.Lock()
	w.calls++
	call := w.calls
	var amt decimal.Decimal
	if len(w.balances) > 0 {
		i := call - 1
		if i >= len(w.balances) {
			i = len(w.balances) - 1
		}
		amt = w.balances[i]
	}
	err := w.errs[call]
	block := w.blockOn == call
	hook := w.onBalance
	w.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if block {
		close(w.entered)
		<-w.release
	}
	return domain.WalletBalance{Amount: amt}, err
}

func (w *scriptedWallet) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type fixture struct {
	orch   *Orchestrator
	cache  *ledger.Cache
	clock  *clock.Fake
	events *events.Recorder
}

func newFixture(t *testing.T, w *scriptedWallet, start string) fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	clk := clock.NewFake(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	cache := ledger.NewCache(ledger.WithClock(clk), ledger.WithLogger(logger))
	_, err := cache.Reconcile(d(start), nil)
	require.NoError(t, err)
	rec := &events.Recorder{}
	orch := NewOrchestrator(w, cache, WithClock(clk), WithLogger(logger), WithPublisher(rec))
	return fixture{orch: orch, cache: cache, clock: clk, events: rec}
}

func wait(t *testing.T, s *Session) (Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return out, err
}

func TestTopUpConfirmsAndStopsPolling(t *testing.T) {
	w := &scriptedWallet{balances: []decimal.Decimal{d("50"), d("50"), d("129.995"), d("500")}}
	f := newFixture(t, w, "50")

	s, err := f.orch.RequestTopUp(context.Background(), d("80"), phone)
	require.NoError(t, err)
	assert.True(t, s.StartingBalance.Equal(d("50")))
	assert.True(t, s.Threshold().Equal(d("129.99")))

	out, err := wait(t, s)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, out)
	assert.Equal(t, 3, s.Attempts())
	assert.Equal(t, 3, w.Calls(), "no balance fetch after confirmation")
	assert.Equal(t, []string{"80@254712345678"}, w.deposits)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}, f.clock.Sleeps())

	assert.True(t, f.cache.Balance().Amount.Equal(d("130")))
	hist := f.cache.History()
	require.Len(t, hist, 1)
	assert.Equal(t, domain.KindDeposit, hist[0].Kind)
	assert.Equal(t, []string{"farepay.topup.confirmed"}, f.events.Subjects())
}

func TestTopUpConfirmAfterRefreshDoesNotCreditTwice(t *testing.T) {
	w := &scriptedWallet{balances: []decimal.Decimal{d("50"), d("130")}}
	f := newFixture(t, w, "50")
	w.onBalance = func(call int) {
		if call != 2 {
			return
		}
		// A refresh lands after the deposit, before the confirming poll.
		server := []domain.TransactionRecord{{ID: "mp-77", Kind: domain.KindDeposit, Amount: d("80"), OccurredAt: f.clock.Now(), Status: domain.StatusSuccess}}
		_, err := f.cache.Reconcile(d("130"), server)
		assert.NoError(t, err)
	}

	s, err := f.orch.RequestTopUp(context.Background(), d("80"), phone)
	require.NoError(t, err)

	out, err := wait(t, s)
	assert.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, out)
	assert.True(t, f.cache.Balance().Amount.Equal(d("130")), "got %s", f.cache.Balance().Amount)
	hist := f.cache.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "mp-77", hist[0].ID)
}

func TestTopUpConfirmCreditsOnlyUnseenPart(t *testing.T) {
	w := &scriptedWallet{balances: []decimal.Decimal{d("50"), d("130")}}
	f := newFixture(t, w, "50")
	w.onBalance = func(call int) {
		if call == 2 {
			// Half of the deposit is already mirrored locally.
			_, err := f.cache.Reconcile(d("90"), nil)
			assert.NoError(t, err)
		}
	}

	s, err := f.orch.RequestTopUp(context.Background(), d("80"), phone)
	require.NoError(t, err)
	out, _ := wait(t, s)
	assert.Equal(t, OutcomeConfirmed, out)

	assert.True(t, f.cache.Balance().Amount.Equal(d("130")))
	rec, ok := f.cache.Record("topup-" + s.ID)
	require.True(t, ok)
	assert.True(t, rec.Amount.Equal(d("40")))
}

func TestTopUpTimesOutWithoutTouchingLedger(t *testing.T) {
	w := &scriptedWallet{balances: []decimal.Decimal{d("50")}}
	f := newFixture(t, w, "50")

	s, err := f.orch.RequestTopUp(context.Background(), d("80"), phone)
	require.NoError(t, err)

	out, err := wait(t, s)
	assert.Equal(t, OutcomeTimedOut, out)
	assert.True(t, errors.Is(err, domain.ErrTimeout))
	assert.False(t, errors.Is(err, domain.ErrGatewayRejected))
	assert.Equal(t, 10, s.Attempts())
	assert.Equal(t, 10, w.Calls())

	var total time.Duration
	for _, sl := range f.clock.Sleeps() {
		total += sl
	}
	assert.Equal(t, 30*time.Second, total)

	assert.True(t, f.cache.Balance().Amount.Equal(d("50")))
	assert.Empty(t, f.cache.History())
}

func TestTopUpDepositRejected(t *testing.T) {
	w := &scriptedWallet{depositErr: &domain.GatewayError{Message: "Invalid phone number format"}}
	f := newFixture(t, w, "50")

	s, err := f.orch.RequestTopUp(context.Background(), d("80"), phone)
	require.NoError(t, err)

	out, err := wait(t, s)
	assert.Equal(t, OutcomeFailed, out)
	assert.True(t, errors.Is(err, domain.ErrGatewayRejected))
	assert.Equal(t, "Invalid phone number format", err.Error())
	assert.Equal(t, 0, w.Calls(), "no polling after a rejected request")
	assert.Empty(t, f.clock.Sleeps())
}

func TestTopUpTransportErrorIsTranslated(t *testing.T) {
	w := &scriptedWallet{depositErr: errors.New("dial tcp 10.0.0.1:443: connect: connection refused")}
	f := newFixture(t, w, "50")

	s, err := f.orch.RequestTopUp(context.Background(), d("80"), phone)
	require.NoError(t, err)

	out, err := wait(t, s)
	assert.Equal(t, OutcomeFailed, out)
	var gw *domain.GatewayError
	require.True(t, errors.As(err, &gw))
	assert.NotContains(t, gw.Message, "dial tcp")
}

func TestTopUpBalanceErrorsAreRetried(t *testing.T) {
	w := &scriptedWallet{
		balances: []decimal.Decimal{d("0"), d("0"), d("100")},
		errs:     map[int]error{1: errors.New("timeout"), 2: errors.New("502")},
	}
	f := newFixture(t, w, "0")

	s, err := f.orch.RequestTopUp(context.Background(), d("100"), phone)
	require.NoError(t, err)

	out, _ := wait(t, s)
	assert.Equal(t, OutcomeConfirmed, out)
	assert.Equal(t, 3, s.Attempts())
}

func TestTopUpCancelDuringInFlightFetch(t *testing.T) {
	w := &scriptedWallet{
		balances: []decimal.Decimal{d("50"), d("130")},
		blockOn:  2,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	f := newFixture(t, w, "50")

	s, err := f.orch.RequestTopUp(context.Background(), d("80"), phone)
	require.NoError(t, err)

	<-w.entered
	s.Cancel()
	close(w.release)

	out, err := wait(t, s)
	assert.Equal(t, OutcomeAborted, out)
	assert.True(t, errors.Is(err, domain.ErrCancelled))
	assert.Equal(t, 2, w.Calls(), "no requests after the in-flight one")
	assert.True(t, f.cache.Balance().Amount.Equal(d("50")))
	assert.Empty(t, f.cache.History())
}

func TestTopUpCancelStopsRealTimer(t *testing.T) {
	w := &scriptedWallet{balances: []decimal.Decimal{d("0")}}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cache := ledger.NewCache(ledger.WithLogger(logger))
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	orch := NewOrchestrator(w, cache, WithConfig(cfg), WithLogger(logger))

	s, err := orch.RequestTopUp(context.Background(), d("10"), phone)
	require.NoError(t, err)
	s.Cancel()
	s.Cancel()

	out, _ := wait(t, s)
	assert.Equal(t, OutcomeAborted, out)
	assert.Equal(t, 0, s.Attempts())
	assert.Equal(t, 0, w.Calls())
}

func TestTopUpRejectsInvalidArguments(t *testing.T) {
	w := &scriptedWallet{}
	f := newFixture(t, w, "50")

	_, err := f.orch.RequestTopUp(context.Background(), d("0"), phone)
	assert.True(t, errors.Is(err, domain.ErrInvalidAmount))

	_, err = f.orch.RequestTopUp(context.Background(), d("10"), "12345")
	assert.True(t, errors.Is(err, domain.ErrInvalidPhone))

	assert.Empty(t, w.deposits)
}

func TestSessionsAreIndependent(t *testing.T) {
	w := &scriptedWallet{balances: []decimal.Decimal{d("1000")}}
	f := newFixture(t, w, "0")

	a, err := f.orch.RequestTopUp(context.Background(), d("10"), phone)
	require.NoError(t, err)
	b, err := f.orch.RequestTopUp(context.Background(), d("20"), phone)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	outA, _ := wait(t, a)
	outB, _ := wait(t, b)
	assert.Equal(t, OutcomeConfirmed, outA)
	assert.Equal(t, OutcomeConfirmed, outB)
}
