package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/MartinMaseko/locals.za-sub000/internal/platform/firestore"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

const defaultCollection = "idempotencyKeys"

// FirestoreOption customises FirestoreStore.
type FirestoreOption func(*firestoreStoreConfig)

type firestoreStoreConfig struct {
	collection string
	attempts   int
}

// WithCollection overrides the collection holding keys.
func WithCollection(name string) FirestoreOption {
	return func(cfg *firestoreStoreConfig) {
		if name != "" {
			cfg.collection = name
		}
	}
}

// WithMaxAttempts overrides the transaction retry budget.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(cfg *firestoreStoreConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// FirestoreStore persists keys in Firestore so replays survive instance restarts.
type FirestoreStore struct {
	provider *pfirestore.Provider
	keys     *pfirestore.Collection[firestoreRecord]
	attempts int
}

// NewFirestoreStore binds a store to the shared provider.
func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) *FirestoreStore {
	cfg := firestoreStoreConfig{collection: defaultCollection, attempts: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &FirestoreStore{
		provider: provider,
		keys:     pfirestore.NewCollection[firestoreRecord](provider, cfg.collection, nil),
		attempts: cfg.attempts,
	}
}

// Reserve implements Store.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	id := documentID(key)

	var result Reservation
	err := s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		existing, err := s.keys.Get(ctx, id)
		switch {
		case err == nil:
			reservation, decided, decideErr := reserveDecision(existing.toRecord(), fingerprint, now)
			if decided || decideErr != nil {
				result = reservation
				return decideErr
			}
		case !isNotFound(err):
			return err
		}

		record := pendingRecord(key, fingerprint, now, normaliseTTL(ttl))
		if err := s.keys.Set(ctx, id, newFirestoreRecord(record)); err != nil {
			return err
		}
		result = Reservation{State: ReservationStateNew, Record: record}
		return nil
	}, pfirestore.WithTxAttempts(s.attempts))
	return result, err
}

// SaveResponse implements Store.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	id := documentID(key)

	return s.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		record := Record{Key: key, Fingerprint: fingerprint}
		existing, err := s.keys.Get(ctx, id)
		switch {
		case err == nil:
			if existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			record = existing.toRecord()
		case !isNotFound(err):
			return err
		}
		return s.keys.Set(ctx, id, newFirestoreRecord(completeRecord(record, resp, now, normaliseTTL(ttl))))
	}, pfirestore.WithTxAttempts(s.attempts))
}

// Release implements Store.
func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	return s.keys.Delete(ctx, documentID(key))
}

// CleanupExpired implements Store.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	expired, err := s.keys.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("expiresAt", "<=", now.UTC()).Limit(limit)
	})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range expired {
		if err := s.keys.Delete(ctx, documentID(record.Key)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders"`
	ResponseBody    []byte              `firestore:"responseBody"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

func newFirestoreRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
