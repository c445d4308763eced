// Package bridgeerr defines the error taxonomy shared by the ledger, codec,
// signer, authority and event consumer.
//
// Errors carry a machine-readable Code. errors.Is matches by code, so callers
// compare against the exported sentinels regardless of message or wrapping:
//
//	if errors.Is(err, bridgeerr.InsufficientBalance) { ... }
package bridgeerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes a bridge error.
type Code string

const (
	// CodeInvalidAmount: non-positive or out-of-range amount, rejected before any mutation.
	CodeInvalidAmount Code = "INVALID_AMOUNT"

	// CodeInsufficientBalance: conditional debit refused, no state changed.
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"

	// CodeNotInitialized: signer used before key material was loaded.
	CodeNotInitialized Code = "NOT_INITIALIZED"

	// CodeAlreadyInitialized: signer key material loaded twice.
	CodeAlreadyInitialized Code = "ALREADY_INITIALIZED"

	// CodeEncodingError: attestation fields cannot be canonically encoded.
	CodeEncodingError Code = "ENCODING_ERROR"

	// CodeCapacityExceeded: inbound credit withheld, event left retryable.
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"

	// CodeDuplicateReference: inbound external reference already recorded.
	CodeDuplicateReference Code = "DUPLICATE_REFERENCE"

	// CodeRequestInFlight: a bridge-out with the same request id has debited but not yet issued.
	CodeRequestInFlight Code = "REQUEST_IN_FLIGHT"

	// CodeRequestMismatch: a request id was reused with different parameters.
	CodeRequestMismatch Code = "REQUEST_MISMATCH"

	// CodeStorageUnavailable: the backing store could not complete the operation.
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// CodeNotFound: the requested record does not exist.
	CodeNotFound Code = "NOT_FOUND"
)

// Sentinels for errors.Is comparisons.
var (
	InvalidAmount       = &Error{Code: CodeInvalidAmount}
	InsufficientBalance = &Error{Code: CodeInsufficientBalance}
	NotInitialized      = &Error{Code: CodeNotInitialized}
	AlreadyInitialized  = &Error{Code: CodeAlreadyInitialized}
	EncodingError       = &Error{Code: CodeEncodingError}
	CapacityExceeded    = &Error{Code: CodeCapacityExceeded}
	DuplicateReference  = &Error{Code: CodeDuplicateReference}
	RequestInFlight     = &Error{Code: CodeRequestInFlight}
	RequestMismatch     = &Error{Code: CodeRequestMismatch}
	StorageUnavailable  = &Error{Code: CodeStorageUnavailable}
	NotFound            = &Error{Code: CodeNotFound}
)

// Error is a bridge domain error with structured details.
type Error struct {
	Code    Code
	Message string
	Details map[string]string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString(string(e.Code))
	if e.Message != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + e.Details[k]
		}
		fmt.Fprintf(&buf, " (%s)", strings.Join(parts, ", "))
	}
	if e.Cause != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Cause.Error())
	}
	return buf.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with a code that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithDetails returns a copy of e with the given key/value details merged in.
func (e *Error) WithDetails(kv ...string) *Error {
	out := *e
	out.Details = make(map[string]string, len(e.Details)+len(kv)/2)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out.Details[kv[i]] = kv[i+1]
	}
	return &out
}

// CodeOf extracts the code from err, or "" if err is not a bridge error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Storage wraps a storage failure unless it already carries a bridge code.
// Domain errors raised inside a transaction pass through unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return Wrap(CodeStorageUnavailable, op, err)
}
