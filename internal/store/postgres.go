package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/farepay/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS routes (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	standard_price NUMERIC(12,2) NOT NULL CHECK (standard_price > 0),
	peak_price     NUMERIC(12,2) NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (peak_price >= standard_price)
);

CREATE TABLE IF NOT EXISTS ledger_snapshots (
	wallet     TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key             TEXT PRIMARY KEY,
	request_hash    TEXT NOT NULL,
	status          TEXT NOT NULL,
	response_status INT,
	response_body   JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);`

type Store struct {
	Db     *pgxpool.Pool
	wallet string
}

// NewStore connects and pings. wallet names the row the ledger snapshot is
// kept under, so several devices can share one database.
func NewStore(connString, wallet string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if wallet == "" {
		wallet = "default"
	}
	return &Store{Db: pool, wallet: wallet}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// ListRoutes returns the route table ordered by id.
func (s *Store) ListRoutes(ctx context.Context) ([]domain.Route, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT id, name, standard_price::text, peak_price::text FROM routes ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []domain.Route
	for rows.Next() {
		var r domain.Route
		var std, peak string
		if err := rows.Scan(&r.ID, &r.Name, &std, &peak); err != nil {
			return nil, err
		}
		if r.StandardPrice, err = decimal.NewFromString(std); err != nil {
			return nil, fmt.Errorf("route %s: %w", r.ID, err)
		}
		if r.PeakPrice, err = decimal.NewFromString(peak); err != nil {
			return nil, fmt.Errorf("route %s: %w", r.ID, err)
		}
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

// SeedRoutes bulk-loads routes that are not already present.
func (s *Store) SeedRoutes(ctx context.Context, routes []domain.Route) (int64, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	existing := map[string]bool{}
	rows, err := tx.Query(ctx, "SELECT id FROM routes")
	if err != nil {
		return 0, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		existing[id] = true
	}
	rows.Close()

	var data [][]interface{}
	for _, r := range routes {
		if existing[r.ID] {
			continue
		}
		std, err := numeric(r.StandardPrice)
		if err != nil {
			return 0, err
		}
		peak, err := numeric(r.PeakPrice)
		if err != nil {
			return 0, err
		}
		data = append(data, []interface{}{r.ID, r.Name, std, peak})
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"routes"},
		[]string{"id", "name", "standard_price", "peak_price"},
		pgx.CopyFromRows(data),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk insert failed: %w", err)
	}
	return n, tx.Commit(ctx)
}

func numeric(d decimal.Decimal) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(d.String()); err != nil {
		return n, fmt.Errorf("price %s: %w", d, err)
	}
	return n, nil
}

func (s *Store) LoadSnapshot(ctx context.Context) (domain.LedgerSnapshot, bool, error) {
	var body []byte
	err := s.Db.QueryRow(ctx, "SELECT body FROM ledger_snapshots WHERE wallet = $1", s.wallet).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerSnapshot{}, false, nil
	}
	if err != nil {
		return domain.LedgerSnapshot{}, false, err
	}
	var snap domain.LedgerSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return domain.LedgerSnapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap domain.LedgerSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.Db.Exec(ctx,
		`INSERT INTO ledger_snapshots (wallet, body, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (wallet) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		s.wallet, body)
	return err
}

// Reserve has the same contract as Bolt.Reserve. A concurrent insert of the
// same key surfaces as a unique violation and is reported as the in-progress
// record.
func (s *Store) Reserve(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	rec, err := s.getKey(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = s.Db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, domain.IdempotencyInProgress,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &domain.IdempotencyRecord{Key: key, RequestHash: requestHash, Status: domain.IdempotencyInProgress}, nil
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return nil, nil
}

func (s *Store) getKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var status *int
	var body []byte
	err := s.Db.QueryRow(ctx,
		"SELECT request_hash, status, response_status, response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.RequestHash, &rec.Status, &status, &body)
	if err != nil {
		return nil, err
	}
	if status != nil {
		rec.ResponseStatus = *status
	}
	rec.ResponseBody = body
	return &rec, nil
}

func (s *Store) Complete(ctx context.Context, key string, status int, body []byte) error {
	tag, err := s.Db.Exec(ctx,
		"UPDATE idempotency_keys SET status = $1, response_status = $2, response_body = $3 WHERE key = $4",
		domain.IdempotencyCompleted, status, body, key,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.Db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1", key)
	return err
}
