package types

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures for the orchestrator.
type ErrorCode string

const (
	// ErrQuoteInvalid: unknown or unsupported invoice code. Terminal for that code.
	ErrQuoteInvalid ErrorCode = "QUOTE_INVALID"
	// ErrTransportFailure: network or RPC failure. Safe to retry the same step.
	ErrTransportFailure ErrorCode = "TRANSPORT_FAILURE"
	// ErrUserDeclined: signing or approval rejected by the user.
	ErrUserDeclined ErrorCode = "USER_DECLINED"
	// ErrAllowanceInsufficient: relay allowance below the required amount.
	ErrAllowanceInsufficient ErrorCode = "ALLOWANCE_INSUFFICIENT"
	// ErrBackendRejected: malformed or stale authorization. Never resubmitted.
	ErrBackendRejected ErrorCode = "BACKEND_REJECTED"
	// ErrNetworkUnsupported: wallet connected to a chain the relay is not on.
	ErrNetworkUnsupported ErrorCode = "NETWORK_UNSUPPORTED"
	// ErrAlreadySubmitted: the invoice already has an acknowledged attempt.
	ErrAlreadySubmitted ErrorCode = "ALREADY_SUBMITTED"
	// ErrSignatureMismatch: the wallet signature does not recover to the payer.
	ErrSignatureMismatch ErrorCode = "SIGNATURE_MISMATCH"
	ErrInvalidConfig     ErrorCode = "INVALID_CONFIG"
)

// PayError is the typed error every component surfaces to the orchestrator.
type PayError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewPayError creates a PayError.
func NewPayError(code ErrorCode, message string, err error) *PayError {
	return &PayError{Code: code, Message: message, Err: err}
}

// Errorf creates a PayError with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...any) *PayError {
	return &PayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *PayError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *PayError) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first PayError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *PayError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the failed step may be attempted again as is.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrTransportFailure, ErrAllowanceInsufficient:
		return true
	default:
		return false
	}
}
