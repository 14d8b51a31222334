package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
	id               TEXT PRIMARY KEY,
	key              TEXT NOT NULL,
	fingerprint      TEXT NOT NULL,
	status           TEXT NOT NULL,
	response_status  INTEGER NOT NULL DEFAULT 0,
	response_headers JSONB,
	response_body    BYTEA,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL
)`

const selectRecord = `SELECT key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at
FROM idempotency_keys WHERE id = $1 FOR UPDATE`

const insertPending = `INSERT INTO idempotency_keys (id, key, fingerprint, status, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`

const upsertRecord = `INSERT INTO idempotency_keys
	(id, key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	key = EXCLUDED.key, fingerprint = EXCLUDED.fingerprint, status = EXCLUDED.status,
	response_status = EXCLUDED.response_status, response_headers = EXCLUDED.response_headers,
	response_body = EXCLUDED.response_body, created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at, expires_at = EXCLUDED.expires_at`

// PostgresStore persists keys in the idempotency_keys table of the order database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the table if needed.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: postgres db is required")
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Reserve implements Store.
func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := documentID(key)

	var result Reservation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, found, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, id))
		if err != nil {
			return err
		}
		if found {
			reservation, decided, decideErr := reserveDecision(existing, fingerprint, now)
			if decided || decideErr != nil {
				result = reservation
				return decideErr
			}
		}

		record := pendingRecord(key, fingerprint, now, normaliseTTL(ttl))
		if found {
			if err := upsert(ctx, tx, id, record); err != nil {
				return err
			}
			result = Reservation{State: ReservationStateNew, Record: record}
			return nil
		}

		// A concurrent request may insert the same key between the select and the insert.
		res, err := tx.ExecContext(ctx, insertPending, id, key, fingerprint, string(StatusPending), now, now, record.ExpiresAt)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 1 {
			result = Reservation{State: ReservationStateNew, Record: record}
			return err
		}
		winner, _, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, id))
		if err != nil {
			return err
		}
		reservation, decided, err := reserveDecision(winner, fingerprint, now)
		if !decided {
			reservation = Reservation{State: ReservationStatePending, Record: winner}
		}
		result = reservation
		return err
	})
	return result, err
}

// SaveResponse implements Store.
func (s *PostgresStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := documentID(key)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		record := Record{Key: key, Fingerprint: fingerprint}
		existing, found, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, id))
		if err != nil {
			return err
		}
		if found {
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record = existing
		}
		return upsert(ctx, tx, id, completeRecord(record, resp, now, normaliseTTL(ttl)))
	})
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE id = $1 AND fingerprint = $2`, documentID(key), fingerprint)
	return err
}

// CleanupExpired implements Store.
func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE id IN (
	SELECT id FROM idempotency_keys WHERE expires_at <= $1 LIMIT $2)`, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanRecord(row *sql.Row) (Record, bool, error) {
	var (
		record  Record
		status  string
		headers []byte
	)
	err := row.Scan(&record.Key, &record.Fingerprint, &status, &record.ResponseStatus, &headers,
		&record.ResponseBody, &record.CreatedAt, &record.UpdatedAt, &record.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	record.Status = Status(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &record.ResponseHeaders); err != nil {
			return Record{}, false, fmt.Errorf("idempotency: decode headers: %w", err)
		}
	}
	return record, true, nil
}

func upsert(ctx context.Context, tx *sql.Tx, id string, record Record) error {
	var headers any
	if len(record.ResponseHeaders) > 0 {
		encoded, err := json.Marshal(record.ResponseHeaders)
		if err != nil {
			return err
		}
		headers = string(encoded)
	}
	_, err := tx.ExecContext(ctx, upsertRecord, id, record.Key, record.Fingerprint, string(record.Status),
		record.ResponseStatus, headers, record.ResponseBody, record.CreatedAt, record.UpdatedAt, record.ExpiresAt)
	return err
}
