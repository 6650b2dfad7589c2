package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSerialization reports a malformed document id key or a position that
	// cannot be represented as a uint32.
	ErrSerialization = errors.New("serialization error")
	// ErrInternal reports a broken upstream contract, such as a field value
	// that is not valid JSON or a truncated field map.
	ErrInternal = errors.New("internal error")
	// ErrSorter reports an I/O failure of the external sorter.
	ErrSorter = errors.New("sorter error")

	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("service unavailable")
	ErrTimeout      = errors.New("operation timed out")
)

// AppError attaches a kind sentinel, a message and an optional cause to an
// error. errors.Is matches both the sentinel and the cause chain.
type AppError struct {
	Err        error
	Message    string
	Cause      error
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Err.Error(), e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Wrap classifies cause under sentinel. The status code is derived from the
// sentinel.
func Wrap(sentinel error, cause error, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		Cause:      cause,
		StatusCode: statusFor(sentinel),
	}
}

// Retryable reports whether retrying the whole batch may succeed. Only
// sorter I/O failures qualify; malformed input fails the same way every time.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSerialization) || errors.Is(err, ErrInternal) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return errors.Is(err, ErrSorter) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}
	return statusFor(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSerialization), errors.Is(err, ErrInternal):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
