package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/MartinMaseko/locals.za-sub000/internal/repositories"
)

// Error kinds. Every error returned by a service wraps exactly one of these.
var (
	// ErrValidation signals malformed or out-of-range input.
	ErrValidation = errors.New("validation failed")
	// ErrStateConflict signals the operation is not valid from the entity's current state.
	ErrStateConflict = errors.New("state conflict")
	// ErrNotFound signals an unknown identifier.
	ErrNotFound = errors.New("not found")
	// ErrNothingToCashOut signals a valid cashout request with no unclaimed deliveries.
	ErrNothingToCashOut = errors.New("nothing to cash out")
	// ErrStorageUnavailable signals a persistence failure the caller should retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrPermissionDenied signals the actor may not act on the target entity.
	ErrPermissionDenied = errors.New("permission denied")
)

// Specific failures, each wrapping its kind.
var (
	ErrInvalidQuantity    = fmt.Errorf("%w: invalid quantity", ErrValidation)
	ErrInvalidPrice       = fmt.Errorf("%w: invalid price", ErrValidation)
	ErrPriceInconsistency = fmt.Errorf("%w: price inconsistency", ErrValidation)
	ErrInvalidTransition  = fmt.Errorf("%w: invalid transition", ErrStateConflict)
	ErrAlreadyTerminal    = fmt.Errorf("%w: already terminal", ErrStateConflict)
	ErrAlreadyPaid        = fmt.Errorf("%w: already paid", ErrStateConflict)
	ErrAlreadyRecorded    = fmt.Errorf("%w: already recorded", ErrStateConflict)
)

// mapRepositoryError translates repository failures into the service error kinds.
func mapRepositoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %s: %w", ErrStateConflict, op, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// isNotFound reports whether a repository error means the record is absent.
func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
