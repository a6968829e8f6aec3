package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/catalog"
	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/ledger"
	"github.com/punchamoorthee/farepay/internal/payment"
	"github.com/punchamoorthee/farepay/internal/service"
	"github.com/punchamoorthee/farepay/internal/topup"
)

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farepay_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farepay_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 15},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	catalog   *catalog.Catalog
	ledger    *ledger.Cache
	engine    *payment.Engine
	topups    *topup.Orchestrator
	transfers *service.TransferService
	refresher *service.Refresher
	sessions  *Registry
	events    Link
	log       logrus.FieldLogger

	// topUpWait bounds the background wait that moves a fare on once its
	// top-up ends.
	topUpWait time.Duration
}

type Deps struct {
	Catalog   *catalog.Catalog
	Ledger    *ledger.Cache
	Engine    *payment.Engine
	TopUps    *topup.Orchestrator
	Transfers *service.TransferService
	Refresher *service.Refresher
	Sessions  *Registry
	// Events is reported on /health when set.
	Events Link
	Log    logrus.FieldLogger
}

// Link is a broker connection that can report its state. *events.NATS
// satisfies it.
type Link interface {
	Connected() bool
}

func NewHandler(d Deps) *Handler {
	if d.Sessions == nil {
		d.Sessions = NewRegistry(30*time.Minute, nil)
	}
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	return &Handler{
		catalog:   d.Catalog,
		ledger:    d.Ledger,
		engine:    d.Engine,
		topups:    d.TopUps,
		transfers: d.Transfers,
		refresher: d.Refresher,
		sessions:  d.Sessions,
		events:    d.Events,
		log:       d.Log,
		topUpWait: 5 * time.Minute,
	}
}

// NewRouter wires every endpoint of the local API.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/routes", h.ListRoutesHandler).Methods("GET")
	apiV1.HandleFunc("/wallet", h.GetWalletHandler).Methods("GET")
	apiV1.HandleFunc("/wallet/refresh", h.RefreshWalletHandler).Methods("POST")

	apiV1.HandleFunc("/fares", h.StartFareHandler).Methods("POST")
	apiV1.HandleFunc("/fares/{id}", h.GetFareHandler).Methods("GET")
	apiV1.HandleFunc("/fares/{id}", h.CancelFareHandler).Methods("DELETE")
	apiV1.HandleFunc("/fares/{id}/pay", h.PayFareHandler).Methods("POST")
	apiV1.HandleFunc("/fares/{id}/topup", h.FareTopUpHandler).Methods("POST")
	apiV1.HandleFunc("/fares/{id}/finalize", h.FinalizeFareHandler).Methods("POST")

	apiV1.HandleFunc("/topups", h.CreateTopUpHandler).Methods("POST")
	apiV1.HandleFunc("/topups/{id}", h.GetTopUpHandler).Methods("GET")
	apiV1.HandleFunc("/topups/{id}", h.CancelTopUpHandler).Methods("DELETE")

	apiV1.HandleFunc("/transfers", h.CreateTransferHandler).Methods("POST")
	return r
}

// statusFor maps the error taxonomy onto HTTP. Gateway messages pass
// through verbatim; anything unrecognised is a 500 with no detail.
func statusFor(err error) (int, string) {
	var gw *domain.GatewayError
	switch {
	case errors.As(err, &gw):
		return http.StatusBadGateway, gw.Message
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidPhone),
		errors.Is(err, payment.ErrMissingIdentifier):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, service.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "Key reuse with mismatched payload"
	case errors.Is(err, service.ErrIdempotencyConflict):
		return http.StatusConflict, "Request processing in progress"
	case errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrCancelled):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, domain.ErrUncertain):
		return http.StatusAccepted, err.Error()
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// Helpers
func (h *Handler) observe(method, endpoint string) *prometheus.Timer {
	return prometheus.NewTimer(httpRequestDuration.WithLabelValues(method, endpoint))
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error, method, endpoint string) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.WithError(err).WithField("endpoint", endpoint).Error("request failed")
	}
	h.respondError(w, code, msg, method, endpoint)
}
