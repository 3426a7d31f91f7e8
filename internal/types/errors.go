package types

import (
	"errors"
	"fmt"
)

const (
	CodeValidation        = "VALIDATION"
	CodeNavigationTimeout = "NAVIGATION_TIMEOUT"
	CodeNavigationFailed  = "NAVIGATION_FAILED"
	CodeProtocolViolation = "PROTOCOL_VIOLATION"
	CodeCDPUnavailable    = "CDP_UNAVAILABLE"
	CodeEvalFailure       = "EVAL_FAILURE"
	CodeTabNotFound       = "TAB_NOT_FOUND"
)

// CodedError is a typed error used for stable failure classification.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a *CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// HasCode reports whether err carries a *CodedError with the given code.
func HasCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
