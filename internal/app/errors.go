package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every DomainError wraps one of them so callers can use
// errors.Is without caring about the HTTP status.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidBranch = errors.New("invalid branch")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrUnauthorized  = errors.New("unauthorized")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(kind, id string) error {
	err := domainError(http.StatusNotFound, "NOT_FOUND", kind+" not found", map[string]string{"id": id})
	err.Err = ErrNotFound
	return err
}

func invalidBranch(id, message string) error {
	err := domainError(http.StatusConflict, "INVALID_BRANCH", message, map[string]string{"versionId": id})
	err.Err = ErrInvalidBranch
	return err
}

func validationError(message string) error {
	err := domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
	err.Err = ErrValidation
	return err
}

func conflictError(message string, details any) error {
	err := domainError(http.StatusConflict, "CONFLICT", message, details)
	err.Err = ErrConflict
	return err
}

func unauthorized(cause error) error {
	err := domainError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
	err.Err = errors.Join(ErrUnauthorized, cause)
	return err
}

// lookupError turns a store miss into NotFound and wraps anything else.
func lookupError(err error, kind, id string) error {
	var domain *DomainError
	switch {
	case errors.As(err, &domain):
		return err
	case errors.Is(err, sql.ErrNoRows):
		return notFound(kind, id)
	default:
		return fmt.Errorf("load %s %s: %w", kind, id, err)
	}
}

// Invalid reports a caller input problem from outside this package.
func Invalid(message string) error {
	return validationError(message)
}
