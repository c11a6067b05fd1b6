package errors

import (
	"errors"
	"fmt"
)

var ErrAlreadyExists = fmt.Errorf("already exists")
var ErrInternal = fmt.Errorf("internal error")
var ErrNotFound = fmt.Errorf("not found")
var ErrBadRequest = fmt.Errorf("bad request data")
var ErrLdContextNotAvailable = fmt.Errorf("ld context not available")
var ErrAccessDenied = fmt.Errorf("access denied")
var ErrNotImplemented = fmt.Errorf("not implemented")

type myError struct {
	msg    string
	target error
	cause  error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }
func (m myError) Unwrap() error        { return m.cause }

func NewAlreadyExistsError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrAlreadyExists,
	}
}

func NewBadRequestDataError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrBadRequest,
	}
}

func NewNotFoundError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrNotFound,
	}
}

// NewLdContextNotAvailableError signals that a remote JSON-LD context could not be
// loaded. Callers may retry, unlike a BadRequestData error.
func NewLdContextNotAvailableError(msg string, cause error) error {
	return &myError{
		msg:    msg,
		target: ErrLdContextNotAvailable,
		cause:  cause,
	}
}

func NewAccessDeniedError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrAccessDenied,
	}
}

func NewInternalError(msg string, cause error) error {
	return &myError{
		msg:    msg,
		target: ErrInternal,
		cause:  cause,
	}
}

func NewNotImplementedError(msg string) error {
	return &myError{
		msg:    msg,
		target: ErrNotImplemented,
	}
}

// IsDataError returns true for the errors that are caused by the caller's input
// rather than by infrastructure failures
func IsDataError(err error) bool {
	return errors.Is(err, ErrBadRequest) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrAccessDenied) ||
		errors.Is(err, ErrNotImplemented) ||
		errors.Is(err, ErrLdContextNotAvailable)
}
