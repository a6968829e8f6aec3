// Package ledger keeps the client's tentative mirror of the wallet: the last
// known balance plus transaction history, mutated optimistically and later
// reconciled against the server's authoritative view.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/domain"
)

var ErrDuplicateRecord = errors.New("duplicate transaction record")

var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "farepay_ledger_mutations_total",
	Help: "Ledger cache mutations, labeled by operation and result",
}, []string{"op", "result"})

const (
	DefaultWindow = 5 * time.Minute
	DefaultGrace  = 2 * time.Minute
)

// Journal persists the cache after every mutation.
type Journal interface {
	SaveSnapshot(ctx context.Context, s domain.LedgerSnapshot) error
}

type Option func(*Cache)

func WithJournal(j Journal) Option { return func(c *Cache) { c.journal = j } }

func WithClock(clk clock.Clock) Option { return func(c *Cache) { c.clock = clk } }

func WithLogger(l logrus.FieldLogger) Option { return func(c *Cache) { c.log = l } }

// WithWindow sets how far apart a local record and a server record may be
// and still match, and how long a pending record may stay unmatched before
// it is reported as a mismatch.
func WithWindow(window, grace time.Duration) Option {
	return func(c *Cache) {
		c.window = window
		c.grace = grace
	}
}

type entry struct {
	rec domain.TransactionRecord
	seq uint64
}

// Cache serializes every read-modify-write of the balance behind one mutex.
type Cache struct {
	mu      sync.Mutex
	balance domain.WalletBalance
	entries []entry
	seq     uint64

	journal Journal
	clock   clock.Clock
	log     logrus.FieldLogger
	window  time.Duration
	grace   time.Duration
}

func NewCache(opts ...Option) *Cache {
	c := &Cache{
		clock:  clock.Real{},
		log:    logrus.StandardLogger(),
		window: DefaultWindow,
		grace:  DefaultGrace,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.balance = domain.WalletBalance{Amount: decimal.Zero, AsOf: c.clock.Now()}
	return c
}

// Balance returns the last known value. It never fetches.
func (c *Cache) Balance() domain.WalletBalance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance
}

// History returns a copy, newest first.
func (c *Cache) History() []domain.TransactionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TransactionRecord, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.rec
	}
	return out
}

func (c *Cache) Pending() []domain.TransactionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.TransactionRecord
	for _, e := range c.entries {
		if e.rec.Status == domain.StatusPending {
			out = append(out, e.rec)
		}
	}
	return out
}

func (c *Cache) Record(id string) (domain.TransactionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(id); i >= 0 {
		return c.entries[i].rec, true
	}
	return domain.TransactionRecord{}, false
}

// ApplyOptimistic adjusts the balance by delta and prepends rec to history in
// one step. A debit that would leave the balance negative is rejected with
// ErrInsufficientFunds and nothing changes.
func (c *Cache) ApplyOptimistic(delta decimal.Decimal, rec domain.TransactionRecord) error {
	if rec.Amount.IsNegative() {
		mutationsTotal.WithLabelValues("apply", "invalid").Inc()
		return fmt.Errorf("record %s: %w", rec.ID, domain.ErrInvalidAmount)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.ID != "" && c.indexOf(rec.ID) >= 0 {
		mutationsTotal.WithLabelValues("apply", "duplicate").Inc()
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
	}

	next := c.balance.Amount.Add(delta)
	if delta.IsNegative() && next.IsNegative() {
		mutationsTotal.WithLabelValues("apply", "insufficient_funds").Inc()
		return fmt.Errorf("%w: balance %s, debit %s", domain.ErrInsufficientFunds, c.balance.Amount, delta.Neg())
	}

	now := c.clock.Now()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = now
	}
	c.balance = domain.WalletBalance{Amount: next, AsOf: now}
	c.insert(rec)
	c.persist()

	mutationsTotal.WithLabelValues("apply", "ok").Inc()
	return nil
}

// CreditObserved credits at most rec.Amount, and only the part of it the
// cache does not already show given an observed server balance. A refresh
// that already pulled the deposit in leaves nothing to credit. It returns
// the amount credited; zero means the cache was left untouched.
func (c *Cache) CreditObserved(observed decimal.Decimal, rec domain.TransactionRecord) (decimal.Decimal, error) {
	if rec.Amount.IsNegative() || rec.Kind.Sign() < 0 {
		mutationsTotal.WithLabelValues("credit", "invalid").Inc()
		return decimal.Zero, fmt.Errorf("record %s: %w", rec.ID, domain.ErrInvalidAmount)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.ID != "" && c.indexOf(rec.ID) >= 0 {
		mutationsTotal.WithLabelValues("credit", "duplicate").Inc()
		return decimal.Zero, fmt.Errorf("%w: %s", ErrDuplicateRecord, rec.ID)
	}

	credit := decimal.Min(rec.Amount, decimal.Max(decimal.Zero, observed.Sub(c.balance.Amount)))
	if !credit.IsPositive() {
		mutationsTotal.WithLabelValues("credit", "already_applied").Inc()
		return decimal.Zero, nil
	}

	now := c.clock.Now()
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = now
	}
	rec.Amount = credit
	c.balance = domain.WalletBalance{Amount: c.balance.Amount.Add(credit), AsOf: now}
	c.insert(rec)
	c.persist()

	mutationsTotal.WithLabelValues("credit", "ok").Inc()
	return credit, nil
}

// Reverse compensates a pending debit the server rejected: the record is
// marked FAILED and an explicit REVERSAL credit is added.
func (c *Cache) Reverse(id, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(id)
	if i < 0 {
		return fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	rec := c.entries[i].rec
	if rec.Status != domain.StatusPending || rec.Kind.Sign() > 0 {
		return fmt.Errorf("record %s (%s, %s) cannot be reversed: %w", id, rec.Kind, rec.Status, domain.ErrInvalidTransition)
	}

	now := c.clock.Now()
	c.entries[i].rec.Status = domain.StatusFailed
	c.balance = domain.WalletBalance{Amount: c.balance.Amount.Add(rec.Amount), AsOf: now}
	c.insert(reversalOf(rec, reason, now))
	c.persist()

	mutationsTotal.WithLabelValues("reverse", "ok").Inc()
	c.log.WithFields(logrus.Fields{"record": id, "amount": rec.Amount.String(), "reason": reason}).Warn("pending debit reversed")
	return nil
}

// Report summarizes what a reconciliation did to local pending records.
type Report struct {
	Confirmed  []string
	Failed     []string
	Pending    []string
	Mismatched []string
}

// Err is ErrReconciliationMismatch when any pending record outlived the
// grace period without a matching server record.
func (r Report) Err() error {
	if len(r.Mismatched) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %v", domain.ErrReconciliationMismatch, r.Mismatched)
}

// Reconcile replaces the local view with the server's. Local pending records
// are matched by ID, then by kind and amount within the window. Unmatched
// pending records are kept and their deltas stay applied on top of the
// server balance. Server failures of local debits produce a REVERSAL record.
func (c *Cache) Reconcile(serverBalance decimal.Decimal, serverHistory []domain.TransactionRecord) (Report, error) {
	var report Report
	if serverBalance.IsNegative() {
		mutationsTotal.WithLabelValues("reconcile", "invalid").Inc()
		return report, fmt.Errorf("server balance %s is negative", serverBalance)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	used := make([]bool, len(serverHistory))
	byID := make(map[string]int, len(serverHistory))
	for i, rec := range serverHistory {
		byID[rec.ID] = i
	}

	old := c.entries
	c.entries = nil
	// Server order breaks ties: first listed sorts first.
	for i := len(serverHistory) - 1; i >= 0; i-- {
		c.insert(serverHistory[i])
	}

	// Exact IDs are claimed first so a loose match cannot take a server
	// record that belongs to a later local entry.
	matched := make([]int, len(old))
	for i, e := range old {
		matched[i] = -1
		if e.rec.Status != domain.StatusPending {
			continue
		}
		if j, ok := byID[e.rec.ID]; ok && !used[j] {
			matched[i] = j
			used[j] = true
		}
	}
	for i, e := range old {
		if e.rec.Status == domain.StatusPending && matched[i] < 0 {
			if j := c.match(e.rec, serverHistory, used); j >= 0 {
				matched[i] = j
				used[j] = true
			}
		}
	}

	overlay := decimal.Zero
	var unmatched []domain.TransactionRecord
	for i, e := range old {
		rec := e.rec
		switch {
		case rec.Status == domain.StatusPending:
			j := matched[i]
			if j < 0 {
				unmatched = append(unmatched, rec)
				overlay = overlay.Add(rec.Delta())
				continue
			}
			switch serverHistory[j].Status {
			case domain.StatusSuccess:
				report.Confirmed = append(report.Confirmed, rec.ID)
			case domain.StatusFailed:
				report.Failed = append(report.Failed, rec.ID)
				if rec.Kind.Sign() < 0 && !c.has(reversalID(rec.ID)) {
					c.insert(reversalOf(rec, "rejected by server", now))
				}
			default:
				report.Pending = append(report.Pending, rec.ID)
			}
		case rec.Kind == domain.KindReversal, rec.Status == domain.StatusFailed:
			if _, onServer := byID[rec.ID]; !onServer && !c.has(rec.ID) {
				c.insertEntry(e)
			}
		}
	}

	amount := serverBalance.Add(overlay)
	for _, rec := range unmatched {
		report.Pending = append(report.Pending, rec.ID)
		if amount.IsNegative() || now.Sub(rec.OccurredAt) > c.grace {
			report.Mismatched = append(report.Mismatched, rec.ID)
		}
		c.insertEntry(entry{rec: rec, seq: c.nextSeq()})
	}
	if amount.IsNegative() {
		amount = serverBalance
	}
	c.balance = domain.WalletBalance{Amount: amount, AsOf: now}
	c.persist()

	result := "ok"
	if len(report.Mismatched) > 0 {
		result = "mismatch"
		c.log.WithField("records", report.Mismatched).Warn("pending records still unmatched after grace period")
	}
	mutationsTotal.WithLabelValues("reconcile", result).Inc()
	return report, nil
}

// Restore loads a persisted snapshot, replacing the current state.
func (c *Cache) Restore(s domain.LedgerSnapshot) error {
	if s.Balance.Amount.IsNegative() {
		return fmt.Errorf("snapshot balance %s is negative", s.Balance.Amount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = s.Balance
	c.entries = nil
	for i := len(s.History) - 1; i >= 0; i-- {
		c.insert(s.History[i])
	}
	return nil
}

func (c *Cache) Snapshot() domain.LedgerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// match finds an unclaimed server record of the same kind and amount within
// the window.
func (c *Cache) match(rec domain.TransactionRecord, server []domain.TransactionRecord, used []bool) int {
	for j, s := range server {
		if used[j] || s.Kind != rec.Kind || !s.Amount.Equal(rec.Amount) {
			continue
		}
		gap := s.OccurredAt.Sub(rec.OccurredAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= c.window {
			return j
		}
	}
	return -1
}

func (c *Cache) nextSeq() uint64 {
	c.seq++
	return c.seq
}

func (c *Cache) insert(rec domain.TransactionRecord) {
	c.insertEntry(entry{rec: rec, seq: c.nextSeq()})
}

// insertEntry keeps entries ordered by OccurredAt descending, later
// insertions first on ties.
func (c *Cache) insertEntry(e entry) {
	c.entries = append(c.entries, e)
	sort.SliceStable(c.entries, func(i, j int) bool {
		a, b := c.entries[i], c.entries[j]
		if !a.rec.OccurredAt.Equal(b.rec.OccurredAt) {
			return a.rec.OccurredAt.After(b.rec.OccurredAt)
		}
		return a.seq > b.seq
	})
}

func (c *Cache) indexOf(id string) int {
	for i, e := range c.entries {
		if e.rec.ID == id {
			return i
		}
	}
	return -1
}

func (c *Cache) has(id string) bool { return c.indexOf(id) >= 0 }

func (c *Cache) snapshot() domain.LedgerSnapshot {
	s := domain.LedgerSnapshot{Balance: c.balance, History: make([]domain.TransactionRecord, len(c.entries))}
	for i, e := range c.entries {
		s.History[i] = e.rec
	}
	return s
}

func (c *Cache) persist() {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.SaveSnapshot(ctx, c.snapshot()); err != nil {
		c.log.WithError(err).Error("ledger journal write failed")
	}
}

func reversalID(id string) string { return "rev-" + id }

func reversalOf(rec domain.TransactionRecord, reason string, at time.Time) domain.TransactionRecord {
	return domain.TransactionRecord{
		ID:          reversalID(rec.ID),
		Kind:        domain.KindReversal,
		Amount:      rec.Amount,
		OccurredAt:  at,
		Description: fmt.Sprintf("Reversal of %s: %s", rec.Description, reason),
		Route:       rec.Route,
		Status:      domain.StatusSuccess,
	}
}
