package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so wrapped copies of a
// sentinel still satisfy errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrPermissionUnavailable = &AppError{Code: "PERM_001", Message: "notification permission unavailable"}

	ErrInvalidMedication  = &AppError{Code: "MED_001", Message: "invalid medication"}
	ErrMedicationNotFound = &AppError{Code: "MED_002", Message: "medication not found"}

	ErrClassificationAmbiguity = &AppError{Code: "TIME_001", Message: "unparsable dose time"}

	ErrPersistenceFailure = &AppError{Code: "STORE_001", Message: "persistence failure"}

	ErrChannelUnavailable = &AppError{Code: "CHAN_002", Message: "channel unavailable"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}
	ErrForbidden    = &AppError{Code: "AUTH_002", Message: "forbidden"}

	ErrNotFound   = &AppError{Code: "GEN_001", Message: "resource not found"}
	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WithCause returns a copy of the sentinel carrying cause.
func WithCause(sentinel *AppError, cause error) *AppError {
	return &AppError{
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Cause:   cause,
	}
}
