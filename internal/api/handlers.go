package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/models"
	"github.com/punchamoorthee/farepay/internal/payment"
	"github.com/punchamoorthee/farepay/internal/topup"
)

// HealthCheckHandler stays 200 while the event link is down; events are
// best effort.
func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok"}
	if h.events != nil {
		body["events"] = "disconnected"
		if h.events.Connected() {
			body["events"] = "connected"
		}
	}
	h.respondJSON(w, http.StatusOK, body, "GET", "/health")
}

func (h *Handler) ListRoutesHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.catalog.All(), "GET", "/routes")
}

func (h *Handler) GetWalletHandler(w http.ResponseWriter, r *http.Request) {
	snap := h.ledger.Snapshot()
	pending := 0
	for _, rec := range snap.History {
		if rec.Status == domain.StatusPending {
			pending++
		}
	}
	h.respondJSON(w, http.StatusOK, models.Wallet{Balance: snap.Balance, Pending: pending, History: snap.History}, "GET", "/wallet")
}

func (h *Handler) RefreshWalletHandler(w http.ResponseWriter, r *http.Request) {
	timer := h.observe("POST", "/wallet/refresh")
	defer timer.ObserveDuration()

	report, err := h.refresher.Refresh(r.Context())
	if err != nil && !errors.Is(err, domain.ErrReconciliationMismatch) {
		h.log.WithError(err).Warn("wallet refresh failed")
		h.respondError(w, http.StatusBadGateway, "Connection Error. Please try again.", "POST", "/wallet/refresh")
		return
	}
	h.respondJSON(w, http.StatusOK, models.ReconcileResponse{
		Balance:    h.ledger.Balance(),
		Confirmed:  report.Confirmed,
		Failed:     report.Failed,
		Pending:    report.Pending,
		Mismatched: report.Mismatched,
	}, "POST", "/wallet/refresh")
}

// Fare sessions

type fareError struct {
	Error string           `json:"error"`
	Fare  payment.Snapshot `json:"fare"`
}

func (h *Handler) StartFareHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartFareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/fares")
		return
	}

	s, err := h.engine.StartFarePayment(req.RouteID, req.Identifier)
	if err != nil {
		h.respondErr(w, err, "POST", "/fares")
		return
	}
	h.sessions.PutFare(s)

	w.Header().Set("Location", fmt.Sprintf("/api/v1/fares/%s", s.ID))
	h.respondJSON(w, http.StatusCreated, s.Snapshot(), "POST", "/fares")
}

func (h *Handler) fare(w http.ResponseWriter, r *http.Request, method, endpoint string) (*payment.Session, bool) {
	s, ok := h.sessions.Fare(mux.Vars(r)["id"])
	if !ok {
		h.respondError(w, http.StatusNotFound, "Fare session not found", method, endpoint)
	}
	return s, ok
}

func (h *Handler) GetFareHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.fare(w, r, "GET", "/fares/{id}")
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, s.Snapshot(), "GET", "/fares/{id}")
}

// fareResult reports a step of the state machine. Stopping for a top-up and
// an uncertain settlement are normal outcomes, not errors.
func (h *Handler) fareResult(w http.ResponseWriter, s *payment.Session, err error, endpoint string) {
	snap := s.Snapshot()
	switch {
	case err == nil:
		h.respondJSON(w, http.StatusOK, snap, "POST", endpoint)
	case errors.Is(err, domain.ErrInsufficientFunds) && snap.Phase == payment.PhaseAwaitingTopUp:
		h.respondJSON(w, http.StatusOK, snap, "POST", endpoint)
	case errors.Is(err, domain.ErrUncertain):
		h.respondJSON(w, http.StatusAccepted, snap, "POST", endpoint)
	default:
		code, msg := statusFor(err)
		h.respondJSON(w, code, fareError{Error: msg, Fare: snap}, "POST", endpoint)
	}
}

func (h *Handler) PayFareHandler(w http.ResponseWriter, r *http.Request) {
	timer := h.observe("POST", "/fares/{id}/pay")
	defer timer.ObserveDuration()

	s, ok := h.fare(w, r, "POST", "/fares/{id}/pay")
	if !ok {
		return
	}
	_, err := s.Pay(r.Context())
	h.fareResult(w, s, err, "/fares/{id}/pay")
}

func (h *Handler) FinalizeFareHandler(w http.ResponseWriter, r *http.Request) {
	timer := h.observe("POST", "/fares/{id}/finalize")
	defer timer.ObserveDuration()

	s, ok := h.fare(w, r, "POST", "/fares/{id}/finalize")
	if !ok {
		return
	}
	h.fareResult(w, s, s.Finalize(r.Context()), "/fares/{id}/finalize")
}

func (h *Handler) FareTopUpHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.fare(w, r, "POST", "/fares/{id}/topup")
	if !ok {
		return
	}
	var req models.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/fares/{id}/topup")
		return
	}

	ts, err := s.StartTopUp(r.Context(), req.Phone, req.Amount)
	if err != nil {
		h.respondErr(w, err, "POST", "/fares/{id}/topup")
		return
	}
	h.sessions.PutTopUp(ts)
	if ts.Outcome() == topup.OutcomeFailed {
		h.fareResult(w, s, ts.Err(), "/fares/{id}/topup")
		return
	}

	go h.advanceAfterTopUp(s)
	h.respondJSON(w, http.StatusAccepted, s.Snapshot(), "POST", "/fares/{id}/topup")
}

// advanceAfterTopUp moves the fare out of AwaitingTopUp once the deposit is
// confirmed, so the UI only has to poll the fare.
func (h *Handler) advanceAfterTopUp(s *payment.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), h.topUpWait)
	defer cancel()
	phase, err := s.AwaitTopUp(ctx)
	entry := h.log.WithFields(logrus.Fields{"fare": s.ID, "phase": phase.String()})
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("fare top-up settled")
}

func (h *Handler) CancelFareHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.fare(w, r, "DELETE", "/fares/{id}")
	if !ok {
		return
	}
	if err := s.Cancel(); err != nil {
		h.respondErr(w, err, "DELETE", "/fares/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, s.Snapshot(), "DELETE", "/fares/{id}")
}

// Standalone top-ups

type topUpError struct {
	Error string         `json:"error"`
	TopUp topup.Snapshot `json:"top_up"`
}

func (h *Handler) CreateTopUpHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/topups")
		return
	}

	ts, err := h.topups.RequestTopUp(r.Context(), req.Amount, req.Phone)
	if err != nil {
		h.respondErr(w, err, "POST", "/topups")
		return
	}
	h.sessions.PutTopUp(ts)

	if ts.Outcome() == topup.OutcomeFailed {
		code, msg := statusFor(ts.Err())
		h.respondJSON(w, code, topUpError{Error: msg, TopUp: ts.Snapshot()}, "POST", "/topups")
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/topups/%s", ts.ID))
	h.respondJSON(w, http.StatusAccepted, ts.Snapshot(), "POST", "/topups")
}

func (h *Handler) topUp(w http.ResponseWriter, r *http.Request, method, endpoint string) (*topup.Session, bool) {
	ts, ok := h.sessions.TopUp(mux.Vars(r)["id"])
	if !ok {
		h.respondError(w, http.StatusNotFound, "Top-up session not found", method, endpoint)
	}
	return ts, ok
}

func (h *Handler) GetTopUpHandler(w http.ResponseWriter, r *http.Request) {
	ts, ok := h.topUp(w, r, "GET", "/topups/{id}")
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, ts.Snapshot(), "GET", "/topups/{id}")
}

func (h *Handler) CancelTopUpHandler(w http.ResponseWriter, r *http.Request) {
	ts, ok := h.topUp(w, r, "DELETE", "/topups/{id}")
	if !ok {
		return
	}
	ts.Cancel()
	h.respondJSON(w, http.StatusOK, ts.Snapshot(), "DELETE", "/topups/{id}")
}

// Transfers

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := h.observe("POST", "/transfers")
	defer timer.ObserveDuration()

	// 1. Validate Header
	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header", "POST", "/transfers")
		return
	}

	// 2. Read and Hash Body
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", "/transfers")
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	hash := sha256.Sum256(bodyBytes)
	reqHash := hex.EncodeToString(hash[:])

	var req models.TransferRequest
	if err := json.Unmarshal(bodyBytes, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transfers")
		return
	}

	// 3. Call Service
	resp, existing, err := h.transfers.ProcessTransfer(r.Context(), req, idempotencyKey, reqHash)
	if err != nil {
		h.respondErr(w, err, "POST", "/transfers")
		return
	}

	// Handle Idempotent Replay
	if existing != nil {
		httpRequestsTotal.WithLabelValues("POST", "/transfers", "replay").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.ResponseStatus)
		w.Write(existing.ResponseBody)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%s", resp.Transfer.ID))
	h.respondJSON(w, http.StatusCreated, resp, "POST", "/transfers")
}
