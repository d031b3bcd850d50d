package domain

import (
	"errors"
	"fmt"
)

// FaultCode is the closed error taxonomy surfaced to callers of the
// dispatch engine. Provider-specific error shapes never escape the
// adapter layer; everything above it speaks these codes.
type FaultCode string

const (
	// FaultInsufficientBalance — reservation could not be made; no
	// provider call was attempted.
	FaultInsufficientBalance FaultCode = "insufficient_balance"

	// FaultModelUnavailable — requested model/capability not connected or
	// not found; rejected before any reservation.
	FaultModelUnavailable FaultCode = "model_unavailable"

	// FaultProviderRejected — provider refused the request before any
	// output (auth, malformed request, content policy); fully refunded.
	FaultProviderRejected FaultCode = "provider_rejected"

	// FaultProviderTransient — timeout/5xx/rate-limit before any output;
	// retried internally, surfaces as provider_rejected once exhausted.
	FaultProviderTransient FaultCode = "provider_transient"

	// FaultStreamInterrupted — failure or cancellation after output had
	// begun; partial output is persisted and billed, never retried.
	FaultStreamInterrupted FaultCode = "stream_interrupted"

	// FaultInternal — unexpected ledger/persistence failure; any
	// outstanding reservation is released best-effort before surfacing.
	FaultInternal FaultCode = "internal_fault"
)

// Fault is an engine error carrying a taxonomy code.
type Fault struct {
	Code    FaultCode
	Message string
	Err     error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault creates a Fault with the given code and message.
func NewFault(code FaultCode, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// WrapFault creates a Fault wrapping an underlying error.
func WrapFault(code FaultCode, message string, err error) *Fault {
	return &Fault{Code: code, Message: message, Err: err}
}

// CodeOf extracts the taxonomy code from err. Unclassified errors map to
// FaultInternal.
func CodeOf(err error) FaultCode {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return FaultInternal
}

// IsFault reports whether err carries the given taxonomy code.
func IsFault(err error, code FaultCode) bool {
	return CodeOf(err) == code
}
