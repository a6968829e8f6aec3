package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/events"
	"github.com/punchamoorthee/farepay/internal/topup"
)

type Phase int

const (
	PhaseIdentifying Phase = iota
	PhaseQuoted
	PhaseAffording
	PhaseAwaitingTopUp
	PhaseFinalizing
	PhaseDone
	PhaseAborted
)

var phaseNames = [...]string{"identifying", "quoted", "affording", "awaiting_top_up", "finalizing", "done", "aborted"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseAborted }

type Settlement string

const (
	SettlementNone      Settlement = ""
	SettlementLocal     Settlement = "local"
	SettlementSettled   Settlement = "settled"
	SettlementUncertain Settlement = "uncertain"
	SettlementRejected  Settlement = "rejected"
)

// Session is one fare payment attempt, owned by a single caller and
// discarded once Done or Aborted.
type Session struct {
	ID         string
	Identifier string
	Route      domain.Route
	CreatedAt  time.Time

	engine *Engine

	mu         sync.Mutex
	phase      Phase
	quote      domain.FareQuote
	shortfall  decimal.Decimal
	topUp      *topup.Session
	recordID   string
	settlement Settlement
	err        error
	finalizing bool
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) invalid(op string) error {
	return fmt.Errorf("%s in phase %s: %w", op, s.phase, domain.ErrInvalidTransition)
}

// Quote moves Quoted -> Affording.
func (s *Session) Quote() (domain.FareQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseQuoted {
		return domain.FareQuote{}, s.invalid("quote")
	}
	e := s.engine
	q, err := e.resolver.Resolve(s.Route.ID, e.schedule.ContextAt(e.clock.Now()))
	if err != nil {
		return domain.FareQuote{}, err
	}
	s.quote = q
	s.phase = PhaseAffording
	return q, nil
}

// CheckAffordability moves Affording -> Finalizing when the current cached
// balance covers the fare, otherwise -> AwaitingTopUp with the shortfall
// recorded.
func (s *Session) CheckAffordability() (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseAffording {
		return s.phase, s.invalid("check affordability")
	}
	s.afford()
	return s.phase, nil
}

func (s *Session) afford() {
	bal := s.engine.ledger.Balance().Amount
	if bal.GreaterThanOrEqual(s.quote.Price) {
		s.shortfall = decimal.Zero
		s.phase = PhaseFinalizing
		return
	}
	s.shortfall = s.quote.Price.Sub(bal)
	s.phase = PhaseAwaitingTopUp
}

// StartTopUp requests a deposit while AwaitingTopUp. A zero amount tops up
// exactly the shortfall. The returned session may already be Failed.
func (s *Session) StartTopUp(ctx context.Context, phone string, amount decimal.Decimal) (*topup.Session, error) {
	s.mu.Lock()
	if s.phase != PhaseAwaitingTopUp {
		defer s.mu.Unlock()
		return nil, s.invalid("top up")
	}
	if s.topUp != nil && !s.topUp.Outcome().Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("top-up %s: %w", s.topUp.ID, domain.ErrAlreadyInProgress)
	}
	if amount.IsZero() {
		amount = s.shortfall
	}
	s.mu.Unlock()

	ts, err := s.engine.topups.RequestTopUp(ctx, amount, phone)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseAwaitingTopUp {
		ts.Cancel()
		return nil, s.invalid("top up")
	}
	s.topUp = ts
	return ts, nil
}

// AwaitTopUp blocks until the current top-up ends. Confirmed re-enters
// Affording and re-checks against the balance as it is now; Failed and
// TimedOut leave the session AwaitingTopUp so the user can retry or cancel.
func (s *Session) AwaitTopUp(ctx context.Context) (Phase, error) {
	s.mu.Lock()
	ts := s.topUp
	if s.phase != PhaseAwaitingTopUp || ts == nil {
		defer s.mu.Unlock()
		return s.phase, s.invalid("await top-up")
	}
	s.mu.Unlock()

	outcome, err := ts.Wait(ctx)
	if !outcome.Terminal() {
		return s.Phase(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseAwaitingTopUp || s.topUp != ts {
		return s.phase, domain.ErrCancelled
	}
	switch outcome {
	case topup.OutcomeConfirmed:
		s.phase = PhaseAffording
		s.afford()
		if s.phase == PhaseAwaitingTopUp {
			return s.phase, s.shortfallErr()
		}
		return s.phase, nil
	case topup.OutcomeAborted:
		return s.phase, domain.ErrCancelled
	default:
		return s.phase, err
	}
}

func (s *Session) shortfallErr() error {
	return fmt.Errorf("%w: short by %s", domain.ErrInsufficientFunds, s.shortfall)
}

// Finalize debits the fare once. A second call, concurrent or later, gets
// ErrAlreadyInProgress and never debits again.
func (s *Session) Finalize(ctx context.Context) error {
	s.mu.Lock()
	if s.finalizing || s.phase == PhaseDone {
		s.mu.Unlock()
		return fmt.Errorf("fare %s: %w", s.ID, domain.ErrAlreadyInProgress)
	}
	if s.phase != PhaseFinalizing {
		defer s.mu.Unlock()
		return s.invalid("finalize")
	}
	s.finalizing = true
	key := uuid.NewString()
	price := s.quote.Price
	s.mu.Unlock()

	e := s.engine
	log := e.log.WithFields(logrus.Fields{"fare": s.ID, "record": key, "route": s.Route.ID, "price": price.String()})

	rec := domain.TransactionRecord{
		ID:          key,
		Kind:        domain.KindFarePayment,
		Amount:      price,
		OccurredAt:  e.clock.Now(),
		Description: tripDescription(s.Route),
		Route:       s.Route.Name,
		Status:      domain.StatusPending,
	}
	if err := e.ledger.ApplyOptimistic(price.Neg(), rec); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.finalizing = false
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.afford()
			if s.phase == PhaseAwaitingTopUp {
				fareResults.WithLabelValues("insufficient_funds").Inc()
				return s.shortfallErr()
			}
		}
		s.err = err
		return err
	}
	fareAmount.Add(price.InexactFloat64())

	settlement, err := s.settle(ctx, key, price, log)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizing = false
	s.recordID = key
	s.settlement = settlement
	s.err = err
	if settlement == SettlementRejected {
		s.phase = PhaseAborted
		fareResults.WithLabelValues("rejected").Inc()
		go e.publish(events.SubjectFareAborted, s.snapshot())
		return err
	}
	s.phase = PhaseDone
	fareResults.WithLabelValues(string(settlement)).Inc()
	log.WithField("settlement", settlement).Info("fare finalized")
	go e.publish(events.SubjectFareFinalized, s.snapshot())
	return err
}

// settle runs at most once per debit. A timeout is reported as uncertain
// and never retried: retrying a debit risks charging twice.
func (s *Session) settle(ctx context.Context, key string, price decimal.Decimal, log logrus.FieldLogger) (Settlement, error) {
	e := s.engine
	if e.settler == nil {
		return SettlementLocal, nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.settleTimeout)
	defer cancel()
	err := e.settler.SettleFare(sctx, FareCharge{
		IdempotencyKey: key,
		RouteID:        s.Route.ID,
		Identifier:     s.Identifier,
		Amount:         price,
	})
	if err == nil {
		return SettlementSettled, nil
	}

	var gw *domain.GatewayError
	if errors.As(err, &gw) {
		if revErr := e.ledger.Reverse(key, gw.Message); revErr != nil {
			log.WithError(revErr).Error("rejected fare could not be reversed")
		}
		return SettlementRejected, gw
	}

	log.WithError(err).Warn("fare settlement outcome unknown, leaving record pending")
	return SettlementUncertain, fmt.Errorf("%w: fare record %s awaits reconciliation", domain.ErrUncertain, key)
}

// Pay advances the session as far as it can go without user input: quote,
// affordability check, finalize. It stops at AwaitingTopUp with
// ErrInsufficientFunds.
func (s *Session) Pay(ctx context.Context) (Phase, error) {
	if s.Phase() == PhaseQuoted {
		if _, err := s.Quote(); err != nil {
			return s.Phase(), err
		}
	}
	if s.Phase() == PhaseAffording {
		if _, err := s.CheckAffordability(); err != nil {
			return s.Phase(), err
		}
	}
	switch p := s.Phase(); p {
	case PhaseAwaitingTopUp:
		s.mu.Lock()
		defer s.mu.Unlock()
		return p, s.shortfallErr()
	case PhaseFinalizing, PhaseDone:
		err := s.Finalize(ctx)
		return s.Phase(), err
	default:
		return p, fmt.Errorf("pay in phase %s: %w", p, domain.ErrInvalidTransition)
	}
}

// Cancel aborts the session from any phase and stops an active top-up. A
// finalize already in flight cannot be cancelled.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return nil
	}
	if s.finalizing {
		return fmt.Errorf("fare %s: %w", s.ID, domain.ErrAlreadyInProgress)
	}
	if s.topUp != nil {
		s.topUp.Cancel()
	}
	s.phase = PhaseAborted
	s.err = domain.ErrCancelled
	fareResults.WithLabelValues("cancelled").Inc()
	go s.engine.publish(events.SubjectFareAborted, s.snapshot())
	return nil
}

// Snapshot is a read-only view for rendering progress.
type Snapshot struct {
	ID         string           `json:"id"`
	RouteID    string           `json:"route_id"`
	RouteName  string           `json:"route_name"`
	Identifier string           `json:"identifier"`
	Phase      Phase            `json:"phase"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Tier       domain.PriceTier `json:"tier,omitempty"`
	Shortfall  *decimal.Decimal `json:"shortfall,omitempty"`
	TopUp      *topup.Snapshot  `json:"top_up,omitempty"`
	RecordID   string           `json:"record_id,omitempty"`
	Settlement Settlement       `json:"settlement,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:         s.ID,
		RouteID:    s.Route.ID,
		RouteName:  s.Route.Name,
		Identifier: s.Identifier,
		Phase:      s.phase,
		RecordID:   s.recordID,
		Settlement: s.settlement,
	}
	if !s.quote.Price.IsZero() {
		price := s.quote.Price
		snap.Price = &price
		snap.Tier = s.quote.Tier
	}
	if s.shortfall.IsPositive() {
		short := s.shortfall
		snap.Shortfall = &short
	}
	if s.topUp != nil {
		ts := s.topUp.Snapshot()
		snap.TopUp = &ts
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

func (s *Session) TopUp() *topup.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topUp
}
