package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStaleState        = errors.New("stale state, retry")
	ErrSignatureInvalid  = errors.New("webhook signature invalid")
	ErrDuplicateEvent    = errors.New("duplicate event")
	ErrMalformedEvent    = errors.New("malformed event")
	ErrConflict          = errors.New("conflict")
)

// TransitionError reports a trigger that has no edge from the job's current status.
type TransitionError struct {
	From    string
	Trigger string
	Role    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s cannot %s from status %s", e.Role, e.Trigger, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Validation wraps a message as ErrValidation.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbidden wraps a message as ErrForbidden.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error from the service layer onto a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMalformedEvent), errors.Is(err, ErrSignatureInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStaleState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Public reports whether err is safe to show to the caller verbatim.
func Public(err error) bool {
	return HTTPStatus(err) < http.StatusInternalServerError
}
