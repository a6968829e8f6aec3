package topup

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

func (o Outcome) Terminal() bool { return o != OutcomePending }

// Session is one top-up attempt. It is owned by the caller that requested
// it and never reused.
type Session struct {
	ID              string
	TargetAmount    decimal.Decimal
	Phone           string
	StartingBalance decimal.Decimal
	StartedAt       time.Time
	epsilon         decimal.Decimal

	mu       sync.Mutex
	attempts int
	outcome  Outcome
	err      error

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan struct{}
}

func newSession(target decimal.Decimal, phone string, start, epsilon decimal.Decimal, at time.Time) *Session {
	return &Session{
		ID:              newID(),
		TargetAmount:    target,
		Phone:           phone,
		StartingBalance: start,
		StartedAt:       at,
		epsilon:         epsilon,
		outcome:         OutcomePending,
		cancel:          make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Threshold is the balance that confirms the deposit.
func (s *Session) Threshold() decimal.Decimal {
	return s.StartingBalance.Add(s.TargetAmount).Sub(s.epsilon)
}

func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Err is the terminal error: a *domain.GatewayError for Failed, ErrTimeout
// for TimedOut, ErrCancelled for Aborted.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches a terminal outcome.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		return s.Outcome(), s.Err()
	case <-ctx.Done():
		return s.Outcome(), ctx.Err()
	}
}

// Cancel stops polling. An in-flight balance request finishes but its
// result is discarded and the session ends Aborted.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

func (s *Session) cancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

func (s *Session) setAttempts(n int) {
	s.mu.Lock()
	s.attempts = n
	s.mu.Unlock()
}

func (s *Session) setOutcome(o Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome.Terminal() {
		return
	}
	s.outcome = o
	s.err = err
}

// Snapshot is a read-only view for rendering progress.
type Snapshot struct {
	ID              string          `json:"id"`
	TargetAmount    decimal.Decimal `json:"target_amount"`
	Phone           string          `json:"phone"`
	StartingBalance decimal.Decimal `json:"starting_balance"`
	Attempts        int             `json:"attempts"`
	Outcome         Outcome         `json:"outcome"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:              s.ID,
		TargetAmount:    s.TargetAmount,
		Phone:           s.Phone,
		StartingBalance: s.StartingBalance,
		Attempts:        s.attempts,
		Outcome:         s.outcome,
		StartedAt:       s.StartedAt,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
