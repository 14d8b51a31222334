package firestore

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// WrapError classifies Firestore failures as repository store errors. Context cancellations pass
// through untouched and errors that are already classified keep their classification.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}

	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		return repositories.NewStoreError(op, repositories.StoreErrorNotFound, "document not found", err)
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return repositories.NewStoreError(op, repositories.StoreErrorConflict, "conflicting write", err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return repositories.NewStoreError(op, repositories.StoreErrorUnavailable, "firestore unavailable", err)
	}
	return repositories.NewStoreError(op, repositories.StoreErrorUnknown, "", err)
}
