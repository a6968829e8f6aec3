package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/farepay/internal/domain"
)

// TransferRequest is the payload from the client.
type TransferRequest struct {
	RecipientPhone string          `json:"recipientPhone"`
	Amount         decimal.Decimal `json:"amount"`
}

// Transfer is the local record of a peer transfer sent to the backend.
type Transfer struct {
	ID             string                   `json:"id"`
	RecipientPhone string                   `json:"recipient_phone"`
	Amount         decimal.Decimal          `json:"amount"`
	Status         domain.TransactionStatus `json:"status"`
	CreatedAt      time.Time                `json:"created_at"`
}

// TransferResponse is the canonical response structure, replayed verbatim
// for a repeated Idempotency-Key.
type TransferResponse struct {
	Transfer Transfer        `json:"transfer"`
	Balance  decimal.Decimal `json:"balance"`
}

// Wallet is the tentative view the UI renders.
type Wallet struct {
	Balance domain.WalletBalance       `json:"balance"`
	Pending int                        `json:"pending"`
	History []domain.TransactionRecord `json:"history"`
}

type StartFareRequest struct {
	RouteID    string `json:"route_id"`
	Identifier string `json:"identifier"`
}

type TopUpRequest struct {
	Phone  string          `json:"phone"`
	Amount decimal.Decimal `json:"amount"`
}

type ReconcileResponse struct {
	Balance    domain.WalletBalance `json:"balance"`
	Confirmed  []string             `json:"confirmed"`
	Failed     []string             `json:"failed"`
	Pending    []string             `json:"pending"`
	Mismatched []string             `json:"mismatched"`
}
