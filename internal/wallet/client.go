// Package wallet is the HTTP client for the remote wallet backend.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/farepay/internal/domain"
	"github.com/punchamoorthee/farepay/internal/payment"
)

var ErrMalformedResponse = errors.New("malformed wallet response")

// APIError is a non-2xx answer from the backend. Message is the backend's
// own text and is safe to show to the user.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wallet api: status %d: %s", e.Status, e.Message)
}

func (e *APIError) UserMessage() string { return e.Message }

// Rejected reports whether the backend refused the request outright, as
// opposed to failing to process it.
func (e *APIError) Rejected() bool { return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusRequestTimeout && e.Status != http.StatusTooManyRequests }

type Option func(*Client)

func WithToken(token string) Option { return func(c *Client) { c.token = token } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l logrus.FieldLogger) Option { return func(c *Client) { c.log = l } }

type Client struct {
	baseURL string
	http    *http.Client
	log     logrus.FieldLogger

	mu    sync.RWMutex
	token string
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

type User struct {
	Name    string          `json:"name"`
	Phone   string          `json:"phone"`
	Balance decimal.Decimal `json:"balance"`
}

type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Login authenticates and keeps the bearer token for later calls.
func (c *Client) Login(ctx context.Context, phone, pin string) (*LoginResult, error) {
	var res LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, map[string]string{"phone": phone, "pin": pin}, &res); err != nil {
		return nil, err
	}
	if res.Token == "" {
		return nil, fmt.Errorf("login: %w: no token", ErrMalformedResponse)
	}
	c.SetToken(res.Token)
	return &res, nil
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
	Name    string          `json:"name"`
}

func (c *Client) Balance(ctx context.Context) (domain.WalletBalance, error) {
	var res balanceResponse
	if err := c.do(ctx, http.MethodGet, "/wallet/balance", nil, nil, &res); err != nil {
		return domain.WalletBalance{}, err
	}
	return domain.WalletBalance{Amount: res.Balance, AsOf: time.Now()}, nil
}

type activityItem struct {
	ID          json.RawMessage `json:"id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"createdAt"`
	Description string          `json:"description"`
	Status      string          `json:"status"`
	Route       string          `json:"route"`
}

// Activity returns the server history mapped to local records: amounts are
// magnitudes, TRANSFER is split by sign, a missing status means SUCCESS.
// Items of an unknown type are skipped.
func (c *Client) Activity(ctx context.Context) ([]domain.TransactionRecord, error) {
	var items []activityItem
	if err := c.do(ctx, http.MethodGet, "/wallet/activity", nil, nil, &items); err != nil {
		return nil, err
	}
	out := make([]domain.TransactionRecord, 0, len(items))
	for _, it := range items {
		rec, ok := mapActivity(it)
		if !ok {
			c.log.WithFields(logrus.Fields{"type": it.Type, "id": string(it.ID)}).Warn("skipping activity item of unknown type")
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func mapActivity(it activityItem) (domain.TransactionRecord, bool) {
	kind := domain.TransactionKind(strings.ToUpper(it.Type))
	switch kind {
	case domain.KindTransferOut:
		if it.Amount.IsPositive() {
			kind = domain.KindTransferIn
		}
	case domain.KindDeposit, domain.KindFarePayment, domain.KindTransferIn, domain.KindReversal:
	default:
		return domain.TransactionRecord{}, false
	}

	status := domain.TransactionStatus(strings.ToUpper(it.Status))
	switch status {
	case domain.StatusPending, domain.StatusSuccess, domain.StatusFailed:
	default:
		status = domain.StatusSuccess
	}

	return domain.TransactionRecord{
		ID:          rawID(it.ID),
		Kind:        kind,
		Amount:      it.Amount.Abs(),
		OccurredAt:  it.CreatedAt,
		Description: it.Description,
		Route:       it.Route,
		Status:      status,
	}, true
}

// rawID accepts numeric and string IDs.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// Deposit asks the backend to send an STK push. Success means the push was
// sent, not that money arrived.
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal, phone string) error {
	body := map[string]interface{}{"amount": number(amount), "phone": phone}
	return c.do(ctx, http.MethodPost, "/wallet/deposit", nil, body, nil)
}

type TransferResult struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Transfer sends money to another wallet. A refusal comes back as a
// *domain.GatewayError carrying the backend's message.
func (c *Client) Transfer(ctx context.Context, recipientPhone string, amount decimal.Decimal) (*TransferResult, error) {
	var res TransferResult
	body := map[string]interface{}{"recipientPhone": recipientPhone, "amount": number(amount)}
	if err := c.do(ctx, http.MethodPost, "/wallet/transfer", nil, body, &res); err != nil {
		return nil, asGatewayError(err)
	}
	return &res, nil
}

// SettleFare records a fare debit on the server. The idempotency key lets
// the backend drop a duplicate, but the caller still must not retry after
// an unknown outcome.
func (c *Client) SettleFare(ctx context.Context, charge payment.FareCharge) error {
	hdr := http.Header{}
	hdr.Set("Idempotency-Key", charge.IdempotencyKey)
	body := map[string]interface{}{
		"routeId":    charge.RouteID,
		"identifier": charge.Identifier,
		"amount":     number(charge.Amount),
	}
	return asGatewayError(c.do(ctx, http.MethodPost, "/wallet/fare", hdr, body, nil))
}

func asGatewayError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Rejected() {
		return &domain.GatewayError{Message: apiErr.Message}
	}
	return err
}

// number sends money as a bare JSON number, the form the backend expects.
func number(d decimal.Decimal) json.Number { return json.Number(d.String()) }

func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.log.WithFields(logrus.Fields{
		"method":  method,
		"path":    path,
		"status":  resp.StatusCode,
		"latency": time.Since(start).String(),
	}).Debug("wallet api call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, ErrMalformedResponse, err)
	}
	return nil
}

func errorMessage(status int, data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "status " + strconv.Itoa(status)
}
