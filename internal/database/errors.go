package database

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/safar/storefront/internal/apperr"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeNotNullViolation     = "23502"
	codeCheckViolation       = "23514"
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	if errors.Is(err, apperr.ErrLockTimeout) {
		return ErrorClassTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure:
			return ErrorClassSerialization
		case codeDeadlockDetected:
			return ErrorClassDeadlock
		case codeLockNotAvailable:
			return ErrorClassTransient
		case codeUniqueViolation, codeForeignKeyViolation, codeNotNullViolation, codeCheckViolation:
			return ErrorClassPermanent
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

// IsUniqueViolation reports whether err is a unique constraint violation,
// optionally restricted to the named constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// IsCheckViolation reports whether err violates the named CHECK constraint.
func IsCheckViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != codeCheckViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// TranslateError maps lock waits that ran out of time onto the taxonomy so
// callers see a Conflict instead of a driver error.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperr.ErrLockTimeout) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable, codeQueryCanceled:
			return &apperr.Error{
				Kind:    apperr.KindConflict,
				Code:    apperr.ErrLockTimeout.Code,
				Message: apperr.ErrLockTimeout.Message,
				Err:     err,
			}
		case codeDeadlockDetected, codeSerializationFailure:
			return &apperr.Error{
				Kind:    apperr.KindConflict,
				Code:    apperr.ErrLockTimeout.Code,
				Message: "concurrent update, retry later",
				Err:     err,
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &apperr.Error{
			Kind:    apperr.KindConflict,
			Code:    apperr.ErrLockTimeout.Code,
			Message: apperr.ErrLockTimeout.Message,
			Err:     err,
		}
	}
	return err
}
