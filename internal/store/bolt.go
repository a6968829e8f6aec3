// Package store persists the ledger snapshot and idempotency keys, either in
// an embedded BoltDB file (the default on a device) or in Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/punchamoorthee/farepay/internal/domain"
)

var (
	ledgerBucket      = []byte("ledger")
	idempotencyBucket = []byte("idempotency_keys")
	snapshotKey       = []byte("snapshot")
)

var ErrKeyNotFound = errors.New("idempotency key not found")

// Bolt keeps everything in a single file. Every write runs in its own
// bolt transaction, so a reservation and its check are atomic.
type Bolt struct {
	db *bolt.DB
}

func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{ledgerBucket, idempotencyBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Bolt{db: db}, nil
}

func (s *Bolt) Close() error {
	return s.db.Close()
}

// LoadSnapshot returns false when nothing has been saved yet.
func (s *Bolt) LoadSnapshot(_ context.Context) (domain.LedgerSnapshot, bool, error) {
	var snap domain.LedgerSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(ledgerBucket).Get(snapshotKey)
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &snap)
	})
	return snap, found, err
}

func (s *Bolt) SaveSnapshot(_ context.Context, snap domain.LedgerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).Put(snapshotKey, data)
	})
}

// Reserve claims key for a request with the given hash. It returns nil when
// the key was free and is now held in progress; otherwise it returns the
// stored record unchanged and the caller decides between replay, mismatch
// and conflict.
func (s *Bolt) Reserve(_ context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	var existing *domain.IdempotencyRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)
		if v := b.Get([]byte(key)); v != nil {
			var rec domain.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			existing = &rec
			return nil
		}
		data, err := json.Marshal(domain.IdempotencyRecord{
			Key:         key,
			RequestHash: requestHash,
			Status:      domain.IdempotencyInProgress,
		})
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return existing, nil
}

// Complete stores the response that later replays of key will receive.
func (s *Bolt) Complete(_ context.Context, key string, status int, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(idempotencyBucket)
		v := b.Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		var rec domain.IdempotencyRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.Status = domain.IdempotencyCompleted
		rec.ResponseStatus = status
		rec.ResponseBody = append(json.RawMessage(nil), body...)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

// Release frees a reservation whose request failed before any side effect,
// so the client may retry with the same key. Releasing an unknown key is
// not an error.
func (s *Bolt) Release(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(idempotencyBucket).Delete([]byte(key))
	})
}
