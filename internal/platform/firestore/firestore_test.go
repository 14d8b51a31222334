package firestore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MartinMaseko/locals.za-sub000/internal/platform/config"
	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

func TestWrapErrorClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		code        codes.Code
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{codes.NotFound, true, false, false},
		{codes.AlreadyExists, false, true, false},
		{codes.Aborted, false, true, false},
		{codes.Unavailable, false, false, true},
		{codes.ResourceExhausted, false, false, true},
		{codes.PermissionDenied, false, false, false},
	}
	for _, tc := range cases {
		err := WrapError("orders.get", status.Error(tc.code, "boom"))
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) {
			t.Fatalf("%s: expected repository error, got %T", tc.code, err)
		}
		if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
			t.Fatalf("%s: unexpected classification %v", tc.code, repoErr)
		}
	}
}

func TestWrapErrorPassesThroughContextAndClassifiedErrors(t *testing.T) {
	if err := WrapError("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := WrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := WrapError("op", status.Error(codes.Canceled, "client went away")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected grpc cancel mapped to context.Canceled, got %v", err)
	}
	classified := repositories.NewStoreError("inner", repositories.StoreErrorConflict, "dup", nil)
	if err := WrapError("outer", classified); err != classified {
		t.Fatalf("expected classified error to be returned unchanged, got %v", err)
	}
}

func TestTxContextRoundTrip(t *testing.T) {
	if _, ok := TxFromContext(context.Background()); ok {
		t.Fatalf("expected no transaction in background context")
	}
	tx := &firestore.Transaction{}
	got, ok := TxFromContext(WithTx(context.Background(), tx))
	if !ok || got != tx {
		t.Fatalf("expected transaction to round trip")
	}
}

func TestProviderRunTransactionJoinsContextTransaction(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{})
	tx := &firestore.Transaction{}

	called := false
	err := provider.RunTransaction(WithTx(context.Background(), tx), func(_ context.Context, got *firestore.Transaction) error {
		called = true
		if got != tx {
			t.Fatalf("expected outer transaction to be reused")
		}
		return nil
	})
	if err != nil || !called {
		t.Fatalf("expected nested call to run inline, err=%v called=%v", err, called)
	}
}

func TestProviderRequiresProjectID(t *testing.T) {
	t.Setenv(envGoogleProjectID, "")
	provider := NewProvider(config.FirestoreConfig{})
	if _, err := provider.Client(context.Background()); err == nil {
		t.Fatalf("expected error without project id")
	}
}

func TestProviderClosed(t *testing.T) {
	provider := NewProvider(config.FirestoreConfig{ProjectID: "locals-test"})
	if err := provider.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := provider.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}

func TestCollectionRejectsEmptyID(t *testing.T) {
	coll := NewCollection[map[string]any](NewProvider(config.FirestoreConfig{ProjectID: "locals-test"}), "orders", nil)
	if _, err := coll.Get(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if coll.Name() != "orders" {
		t.Fatalf("unexpected name %q", coll.Name())
	}
}
