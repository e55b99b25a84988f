package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAuth         = errors.New("authentication failed")
	ErrUnauthorized = errors.New("not a participant")
	ErrNotFound     = errors.New("not found")
	ErrPersistence  = errors.New("persistence failure")
	ErrValidation   = errors.New("validation failed")
	ErrRateLimited  = errors.New("rate limited")
)

// Codes sent to clients in error events.
const (
	CodeAuth         = "auth_error"
	CodeUnauthorized = "unauthorized"
	CodeNotFound     = "not_found"
	CodePersistence  = "persistence_error"
	CodeValidation   = "validation_error"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal_error"
)

// Validation returns an ErrValidation with a formatted detail.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persistence wraps a storage failure. Deadline and cancellation are
// folded into ErrPersistence as well so callers see one class.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out", ErrPersistence, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// Public is the message safe to show a client. Storage and lookup failures
// collapse to their class so driver text and ids never leave the process.
func Public(err error) string {
	switch {
	case errors.Is(err, ErrPersistence):
		return ErrPersistence.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrUnauthorized):
		return ErrUnauthorized.Error()
	case Code(err) == CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}

// HTTPStatus maps an error class to a REST status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuth):
		return 401
	case errors.Is(err, ErrUnauthorized):
		return 403
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrRateLimited):
		return 429
	case errors.Is(err, ErrPersistence):
		return 503
	default:
		return 500
	}
}
