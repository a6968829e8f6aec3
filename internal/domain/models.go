package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Route is a priced transit route. Immutable once loaded into a catalog.
type Route struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	StandardPrice decimal.Decimal `json:"standard_price"`
	PeakPrice     decimal.Decimal `json:"peak_price"`
}

// Validate enforces StandardPrice > 0 and PeakPrice >= StandardPrice.
func (r Route) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("route id is required")
	}
	if !r.StandardPrice.IsPositive() {
		return fmt.Errorf("route %s: standard price must be positive", r.ID)
	}
	if r.PeakPrice.LessThan(r.StandardPrice) {
		return fmt.Errorf("route %s: peak price %s below standard price %s", r.ID, r.PeakPrice, r.StandardPrice)
	}
	return nil
}

// PriceTier names which of a route's two prices a quote used.
type PriceTier string

const (
	TierStandard PriceTier = "standard"
	TierPeak     PriceTier = "peak"
)

// FareQuote is the priced outcome of resolving a route. Never persisted.
type FareQuote struct {
	Route      Route           `json:"route"`
	Price      decimal.Decimal `json:"price"`
	Tier       PriceTier       `json:"tier"`
	ComputedAt time.Time       `json:"computed_at"`
}

// WalletBalance is the last known balance. Always tentative until reconciled.
type WalletBalance struct {
	Amount decimal.Decimal `json:"amount"`
	AsOf   time.Time       `json:"as_of"`
}

// TransactionKind values match the backend's enum where one exists.
type TransactionKind string

const (
	KindDeposit     TransactionKind = "DEPOSIT"
	KindFarePayment TransactionKind = "FARE_PAYMENT"
	KindTransferOut TransactionKind = "TRANSFER"
	KindTransferIn  TransactionKind = "TRANSFER_IN"
	KindReversal    TransactionKind = "REVERSAL"
)

// Sign returns +1 for credits and -1 for debits.
func (k TransactionKind) Sign() int {
	switch k {
	case KindDeposit, KindTransferIn, KindReversal:
		return 1
	default:
		return -1
	}
}

type TransactionStatus string

const (
	StatusPending TransactionStatus = "PENDING"
	StatusSuccess TransactionStatus = "SUCCESS"
	StatusFailed  TransactionStatus = "FAILED"
)

// TransactionRecord is one entry of wallet history. Amount is always a
// non-negative magnitude; Kind carries the sign.
type TransactionRecord struct {
	ID          string            `json:"id"`
	Kind        TransactionKind   `json:"kind"`
	Amount      decimal.Decimal   `json:"amount"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Description string            `json:"description"`
	Route       string            `json:"route,omitempty"`
	Status      TransactionStatus `json:"status"`
}

// Delta is the signed effect of the record on the balance.
func (t TransactionRecord) Delta() decimal.Decimal {
	if t.Kind.Sign() < 0 {
		return t.Amount.Neg()
	}
	return t.Amount
}

// LedgerSnapshot is the persisted form of the local ledger cache.
type LedgerSnapshot struct {
	Balance WalletBalance       `json:"balance"`
	History []TransactionRecord `json:"history"`
}

// IdempotencyRecord stores the response state for exactly-once delivery.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	RequestHash    string          `json:"request_hash"`
	Status         string          `json:"status"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
}

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)
