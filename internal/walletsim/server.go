// Package walletsim is an in-memory stand-in for the remote wallet backend,
// used in tests and local development. It speaks the same JSON contract as
// the production backend but keeps everything in process.
package walletsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/punchamoorthee/farepay/internal/domain"
)

var (
	ErrUnknownAccount = errors.New("account not found")
	ErrInvalidToken   = errors.New("invalid token")
)

type Config struct {
	// Secret signs login tokens.
	Secret   []byte
	TokenTTL time.Duration
	// STKDelay is how long a deposit takes to show up in the balance. Zero
	// credits immediately.
	STKDelay time.Duration
}

type Claims struct {
	Phone string `json:"phone"`
	jwt.RegisteredClaims
}

type activity struct {
	ID          string
	Type        string
	Amount      decimal.Decimal // signed
	CreatedAt   time.Time
	Description string
	Status      string
	Route       string
}

type account struct {
	Name     string
	Phone    string
	PINHash  []byte
	Balance  decimal.Decimal
	Activity []activity
}

type storedResponse struct {
	status int
	body   []byte
}

type fault struct {
	status  int
	message string
}

type Server struct {
	cfg Config
	log logrus.FieldLogger

	mu       sync.Mutex
	accounts map[string]*account
	fares    map[string]storedResponse
	faults   []fault
	pending  sync.WaitGroup
}

func New(cfg Config, log logrus.FieldLogger) *Server {
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte("walletsim-dev-secret")
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		accounts: make(map[string]*account),
		fares:    make(map[string]storedResponse),
	}
}

// AddAccount creates or replaces an account. The phone may be in any form
// NormalizePhone accepts.
func (s *Server) AddAccount(name, phone, pin string, balance decimal.Decimal) error {
	p, err := domain.NormalizePhone(phone)
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[p] = &account{Name: name, Phone: p, PINHash: hash, Balance: balance}
	return nil
}

func (s *Server) Balance(phone string) (decimal.Decimal, error) {
	p, err := domain.NormalizePhone(phone)
	if err != nil {
		return decimal.Zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[p]
	if !ok {
		return decimal.Zero, ErrUnknownAccount
	}
	return acc.Balance, nil
}

// SetActivityStatus changes the status of a recorded activity item, which is
// how tests make the server report a fare as failed.
func (s *Server) SetActivityStatus(id, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		for i := range acc.Activity {
			if acc.Activity[i].ID == id {
				acc.Activity[i].Status = status
				return true
			}
		}
	}
	return false
}

// FailNext makes the next authenticated request fail with the given status.
func (s *Server) FailNext(status int, message string) {
	s.mu.Lock()
	s.faults = append(s.faults, fault{status: status, message: message})
	s.mu.Unlock()
}

// Settle waits for delayed deposits to be credited.
func (s *Server) Settle() { s.pending.Wait() }

func (s *Server) Token(phone string) (string, error) {
	claims := &Claims{
		Phone: phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   phone,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
}

func (s *Server) verify(header string) (string, error) {
	tokenString := strings.TrimPrefix(header, "Bearer ")
	if tokenString == header || tokenString == "" {
		return "", ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Phone, nil
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	w := r.PathPrefix("/wallet").Subrouter()
	w.Use(s.authenticate)
	w.HandleFunc("/balance", s.handleBalance).Methods(http.MethodGet)
	w.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	w.HandleFunc("/deposit", s.handleDeposit).Methods(http.MethodPost)
	w.HandleFunc("/transfer", s.handleTransfer).Methods(http.MethodPost)
	w.HandleFunc("/fare", s.handleFare).Methods(http.MethodPost)
	return r
}

type ctxKey struct{}

func contextWithPhone(r *http.Request, phone string) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, phone)
}

func phoneFrom(r *http.Request) string {
	phone, _ := r.Context().Value(ctxKey{}).(string)
	return phone
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		phone, err := s.verify(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		s.mu.Lock()
		var f *fault
		if len(s.faults) > 0 {
			f = &s.faults[0]
			s.faults = s.faults[1:]
		}
		s.mu.Unlock()
		if f != nil {
			respondError(w, f.status, f.message)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithPhone(r, phone)))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		PIN   string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	phone, err := domain.NormalizePhone(req.Phone)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[phone]
	var hash []byte
	var user map[string]interface{}
	if ok {
		hash = acc.PINHash
		user = map[string]interface{}{"name": acc.Name, "phone": acc.Phone, "balance": number(acc.Balance)}
	}
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.PIN)) != nil {
		respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := s.Token(phone)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Could not issue token")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"token": token, "user": user})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	acc, ok := s.accounts[phoneFrom(r)]
	var body map[string]interface{}
	if ok {
		body = map[string]interface{}{"balance": number(acc.Balance), "name": acc.Name}
	}
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	acc, ok := s.accounts[phoneFrom(r)]
	var items []map[string]interface{}
	if ok {
		list := append([]activity(nil), acc.Activity...)
		sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
		items = make([]map[string]interface{}, 0, len(list))
		for _, a := range list {
			item := map[string]interface{}{
				"id":          a.ID,
				"type":        a.Type,
				"amount":      number(a.Amount),
				"createdAt":   a.CreatedAt.UTC().Format(time.RFC3339Nano),
				"description": a.Description,
				"status":      a.Status,
			}
			if a.Route != "" {
				item["route"] = a.Route
			}
			items = append(items, item)
		}
	}
	s.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "Account not found")
		return
	}
	respondJSON(w, http.StatusOK, items)
}

type amountRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Phone          string          `json:"phone"`
	RecipientPhone string          `json:"recipientPhone"`
	RouteID        string          `json:"routeId"`
	Identifier     string          `json:"identifier"`
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (amountRequest, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Malformed JSON body")
		return req, false
	}
	if !req.Amount.IsPositive() {
		respondError(w, http.StatusBadRequest, "Amount must be positive")
		return req, false
	}
	return req, true
}

// handleDeposit accepts the STK push and credits the account after the
// configured delay, the way the real gateway's callback would.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	owner := phoneFrom(r)
	payer := owner
	if req.Phone != "" {
		p, err := domain.NormalizePhone(req.Phone)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid phone number format")
			return
		}
		payer = p
	}

	s.mu.Lock()
	_, exists := s.accounts[owner]
	s.mu.Unlock()
	if !exists {
		respondError(w, http.StatusNotFound, "Account not found")
		return
	}

	ref := uuid.NewString()
	credit := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		acc, ok := s.accounts[owner]
		if !ok {
			return
		}
		acc.Balance = acc.Balance.Add(req.Amount)
		acc.Activity = append(acc.Activity, activity{
			ID:          ref,
			Type:        string(domain.KindDeposit),
			Amount:      req.Amount,
			CreatedAt:   time.Now(),
			Description: "M-Pesa Top Up",
			Status:      string(domain.StatusSuccess),
		})
		s.log.WithFields(logrus.Fields{"account": owner, "payer": payer, "amount": req.Amount.String()}).Info("deposit credited")
	}
	if s.cfg.STKDelay <= 0 {
		credit()
	} else {
		s.pending.Add(1)
		time.AfterFunc(s.cfg.STKDelay, func() {
			defer s.pending.Done()
			credit()
		})
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"message": "STK push sent", "reference": ref})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	to, err := domain.NormalizePhone(req.RecipientPhone)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid recipient phone number")
		return
	}
	from := phoneFrom(r)
	if to == from {
		respondError(w, http.StatusBadRequest, "Cannot transfer to yourself")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.accounts[from]
	if !ok {
		respondError(w, http.StatusNotFound, "Account not found")
		return
	}
	recipient, ok := s.accounts[to]
	if !ok {
		respondError(w, http.StatusNotFound, "Recipient not found")
		return
	}
	if sender.Balance.LessThan(req.Amount) {
		respondError(w, http.StatusBadRequest, "Insufficient balance")
		return
	}

	id := uuid.NewString()
	now := time.Now()
	sender.Balance = sender.Balance.Sub(req.Amount)
	recipient.Balance = recipient.Balance.Add(req.Amount)
	sender.Activity = append(sender.Activity, activity{
		ID: id, Type: string(domain.KindTransferOut), Amount: req.Amount.Neg(), CreatedAt: now,
		Description: "Sent to " + recipient.Name, Status: string(domain.StatusSuccess),
	})
	recipient.Activity = append(recipient.Activity, activity{
		ID: id + "-in", Type: string(domain.KindTransferOut), Amount: req.Amount, CreatedAt: now,
		Description: "Received from " + sender.Name, Status: string(domain.StatusSuccess),
	})
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "message": "Transfer successful"})
}

// handleFare charges a fare once per Idempotency-Key. A repeated key gets
// the first response back unchanged.
func (s *Server) handleFare(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		respondError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	req, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	if req.RouteID == "" || strings.TrimSpace(req.Identifier) == "" {
		respondError(w, http.StatusBadRequest, "routeId and identifier are required")
		return
	}

	// The replay lookup and the stored response share one critical section.
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.fares[key]; ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(prev.status)
		w.Write(prev.body)
		return
	}

	acc, ok := s.accounts[phoneFrom(r)]
	if !ok {
		respondError(w, http.StatusNotFound, "Account not found")
		return
	}

	status := http.StatusCreated
	var body []byte
	if acc.Balance.LessThan(req.Amount) {
		status = http.StatusBadRequest
		body, _ = json.Marshal(map[string]string{"error": "Insufficient balance"})
	} else {
		acc.Balance = acc.Balance.Sub(req.Amount)
		acc.Activity = append(acc.Activity, activity{
			ID: key, Type: string(domain.KindFarePayment), Amount: req.Amount.Neg(), CreatedAt: time.Now(),
			Description: "Fare " + strings.ToUpper(strings.TrimSpace(req.Identifier)), Status: string(domain.StatusSuccess),
			Route: req.RouteID,
		})
		body, _ = json.Marshal(map[string]interface{}{"id": key, "balance": number(acc.Balance)})
	}
	s.fares[key] = storedResponse{status: status, body: body}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func number(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
