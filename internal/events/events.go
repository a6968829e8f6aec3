// Package events publishes payment outcomes so other processes (receipts,
// analytics) can follow the wallet without polling it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	SubjectFareFinalized  = "farepay.fare.finalized"
	SubjectFareAborted    = "farepay.fare.aborted"
	SubjectTopUpPrefix    = "farepay.topup."
	SubjectTransferQueued = "farepay.transfer.queued"
	SubjectReconciled     = "farepay.ledger.reconciled"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }

type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// NATS publishes JSON-encoded events on a NATS connection.
type NATS struct {
	conn *nats.Conn

	mu        sync.RWMutex
	connected bool
}

func NewNATS(cfg Config) (*NATS, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n := &NATS{conn: conn, connected: true}
	conn.SetReconnectHandler(func(*nats.Conn) { n.setConnected(true) })
	conn.SetDisconnectErrHandler(func(*nats.Conn, error) { n.setConnected(false) })
	return n, nil
}

func (n *NATS) setConnected(v bool) {
	n.mu.Lock()
	n.connected = v
	n.mu.Unlock()
}

func (n *NATS) Connected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.connected
}

func (n *NATS) Publish(ctx context.Context, subject string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return n.conn.Publish(subject, payload)
}

func (n *NATS) Close() {
	n.conn.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

type Event struct {
	Subject string
	Data    interface{}
}

func (r *Recorder) Publish(_ context.Context, subject string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Event{Subject: subject, Data: data})
	return nil
}

func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Subject
	}
	return out
}
