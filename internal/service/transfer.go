package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/events"
	"github.com/punchamoorthee/farepay/internal/models"
	"github.com/punchamoorthee/farepay/internal/wallet"
)

var (
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

// IdempotencyStore is satisfied by *store.Bolt and *store.Store.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)
	Complete(ctx context.Context, key string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}

type TransferClient interface {
	Transfer(ctx context.Context, recipientPhone string, amount decimal.Decimal) (*wallet.TransferResult, error)
}

// Ledger is satisfied by *ledger.Cache.
type Ledger interface {
	Balance() domain.WalletBalance
	ApplyOptimistic(delta decimal.Decimal, rec domain.TransactionRecord) error
}

type TransferService struct {
	keys   IdempotencyStore
	remote TransferClient
	ledger Ledger
	clock  clock.Clock
	log    logrus.FieldLogger
	events events.Publisher
}

func NewTransferService(keys IdempotencyStore, remote TransferClient, ledger Ledger, log logrus.FieldLogger, pub events.Publisher) *TransferService {
	if pub == nil {
		pub = events.Nop{}
	}
	return &TransferService{keys: keys, remote: remote, ledger: ledger, clock: clock.Real{}, log: log, events: pub}
}

// ProcessTransfer sends a peer transfer at most once per idempotency key.
// A replay of a finished key returns the stored record and no response.
func (s *TransferService) ProcessTransfer(ctx context.Context, req models.TransferRequest, idempotencyKey string, reqHash string) (*models.TransferResponse, *domain.IdempotencyRecord, error) {
	// 1. Validation
	phone := strings.TrimSpace(req.RecipientPhone)
	if len(phone) < 9 {
		return nil, nil, fmt.Errorf("recipient %q: %w", req.RecipientPhone, domain.ErrInvalidPhone)
	}
	if !req.Amount.IsPositive() {
		return nil, nil, fmt.Errorf("transfer %s: %w", req.Amount, domain.ErrInvalidAmount)
	}

	// 2. Idempotency reservation
	existing, err := s.keys.Reserve(ctx, idempotencyKey, reqHash)
	if err != nil {
		return nil, nil, fmt.Errorf("key reservation failed: %w", err)
	}
	if existing != nil {
		if existing.RequestHash != reqHash {
			return nil, nil, ErrIdempotencyMismatch
		}
		if existing.Status != domain.IdempotencyCompleted {
			return nil, nil, ErrIdempotencyConflict
		}
		return nil, existing, nil
	}

	log := s.log.WithFields(logrus.Fields{"key": idempotencyKey, "amount": req.Amount.String()})

	// 3. Affordability against the tentative balance
	if bal := s.ledger.Balance().Amount; bal.LessThan(req.Amount) {
		s.release(ctx, idempotencyKey, log)
		return nil, nil, fmt.Errorf("%w: balance %s, transfer %s", domain.ErrInsufficientFunds, bal, req.Amount)
	}

	// 4. Remote execution
	res, err := s.remote.Transfer(ctx, phone, req.Amount)
	if err != nil {
		var gw *domain.GatewayError
		if errors.As(err, &gw) {
			s.release(ctx, idempotencyKey, log)
			return nil, nil, gw
		}
		// The backend may or may not have moved the money. Pin the key to
		// that answer so a retry cannot send a second transfer.
		log.WithError(err).Warn("transfer outcome unknown")
		body, _ := json.Marshal(map[string]string{"error": "Transfer outcome unknown. Check your history before retrying."})
		if cErr := s.keys.Complete(context.WithoutCancel(ctx), idempotencyKey, http.StatusGatewayTimeout, body); cErr != nil {
			log.WithError(cErr).Error("idempotency update failed")
		}
		return nil, nil, fmt.Errorf("%w: transfer to %s", domain.ErrUncertain, phone)
	}

	// 5. Optimistic local record, reconciled later by ID
	now := s.clock.Now()
	id := res.ID
	if id == "" {
		id = idempotencyKey
	}
	rec := domain.TransactionRecord{
		ID:          id,
		Kind:        domain.KindTransferOut,
		Amount:      req.Amount,
		OccurredAt:  now,
		Description: "Sent to " + phone,
		Status:      domain.StatusPending,
	}
	if err := s.ledger.ApplyOptimistic(req.Amount.Neg(), rec); err != nil {
		log.WithError(err).Warn("transfer sent but not recorded locally; next refresh will pick it up")
	}

	resp := &models.TransferResponse{
		Transfer: models.Transfer{
			ID:             id,
			RecipientPhone: phone,
			Amount:         req.Amount,
			Status:         domain.StatusPending,
			CreatedAt:      now,
		},
		Balance: s.ledger.Balance().Amount,
	}

	// 6. Finalize idempotency
	respBody, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, err
	}
	if err := s.keys.Complete(context.WithoutCancel(ctx), idempotencyKey, http.StatusCreated, respBody); err != nil {
		return nil, nil, fmt.Errorf("idempotency update failed: %w", err)
	}

	log.WithField("transfer", id).Info("transfer sent")
	pubCtx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	if err := s.events.Publish(pubCtx, events.SubjectTransferQueued, resp); err != nil {
		log.WithError(err).Warn("transfer event not published")
	}
	return resp, nil, nil
}

func (s *TransferService) release(ctx context.Context, key string, log logrus.FieldLogger) {
	if err := s.keys.Release(context.WithoutCancel(ctx), key); err != nil {
		log.WithError(err).Error("idempotency release failed")
	}
}
