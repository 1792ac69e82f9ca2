package chain

import "fmt"

// Kind classifies an error for the purpose of deciding whether the
// enclosing database transaction commits or rolls back, and how the HTTP
// layer surfaces it. It generalizes the teacher's three-way retry
// classification into the five-way taxonomy this ledger needs.
type Kind int

const (
	// KindValidation covers malformed input: bad address format, bad hex,
	// unsupported currency, a malformed signed transaction.
	KindValidation Kind = iota
	// KindAuthorization covers signature recovery failure, nonce replay,
	// or a nonce gap.
	KindAuthorization
	// KindState covers a UTXO not found or already redeemed, insufficient
	// balance, or a check already cashed / not a magic-link account.
	KindState
	// KindExternal covers a Bitcoin RPC or exchange-rate HTTP failure.
	KindExternal
	// KindInfrastructure covers the database itself being unavailable.
	KindInfrastructure
)

// String names the classification.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindAuthorization:
		return "Authorization"
	case KindState:
		return "State"
	case KindExternal:
		return "External"
	case KindInfrastructure:
		return "Infrastructure"
	default:
		return "Unknown"
	}
}

// Error is a classified error surfaced by the executor, store, poller, or
// API layer. All errors that cross a package boundary into the API layer
// should be an *Error so the HTTP handler can render the uniform
// 500-plus-reason-text response.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NewValidationError builds a KindValidation error.
func NewValidationError(cause error, format string, args ...any) *Error {
	return newError(KindValidation, cause, format, args...)
}

// NewAuthorizationError builds a KindAuthorization error.
func NewAuthorizationError(cause error, format string, args ...any) *Error {
	return newError(KindAuthorization, cause, format, args...)
}

// NewStateError builds a KindState error.
func NewStateError(cause error, format string, args ...any) *Error {
	return newError(KindState, cause, format, args...)
}

// NewExternalError builds a KindExternal error.
func NewExternalError(cause error, format string, args ...any) *Error {
	return newError(KindExternal, cause, format, args...)
}

// NewInfrastructureError builds a KindInfrastructure error.
func NewInfrastructureError(cause error, format string, args ...any) *Error {
	return newError(KindInfrastructure, cause, format, args...)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ce, ok := err.(*Error); ok {
		e = ce
	} else {
		return false
	}
	return e.Kind == kind
}
