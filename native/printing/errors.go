package printing

import "errors"

// Kind groups precondition failures by the family of rule they violate.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindAuthorization: the caller does not hold the role the operation requires.
	KindAuthorization
	// KindState: the operation is invalid for the order's lifecycle state.
	KindState
	// KindTemporal: the time-window precondition is not satisfied.
	KindTemporal
	// KindResource: the referenced entity or funds are missing or invalid.
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindTemporal:
		return "temporal"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error is a classified precondition failure. Every operation that returns an
// *Error leaves state, indices and escrow balances untouched.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: "printing: " + msg}
}

var (
	ErrNotAuthorized = newError(KindAuthorization, "NotAuthorized", "caller not authorized")

	ErrAlreadySigned    = newError(KindState, "AlreadySigned", "order already signed")
	ErrAlreadyCompleted = newError(KindState, "AlreadyCompleted", "order already completed")
	ErrWrongState       = newError(KindState, "WrongState", "order in wrong state")
	ErrNoActiveOrders   = newError(KindState, "NoActiveOrders", "no active orders to execute")

	ErrDeadlineExceeded = newError(KindTemporal, "DeadlineExceeded", "completion deadline exceeded")
	ErrNotExpired       = newError(KindTemporal, "NotExpired", "order not expired")
	ErrWindowNotElapsed = newError(KindTemporal, "WindowNotElapsed", "reporting window not elapsed")

	ErrAlreadyRegistered   = newError(KindResource, "AlreadyRegistered", "printer already registered")
	ErrInsufficientBalance = newError(KindResource, "InsufficientBalance", "insufficient balance or allowance")
	ErrUnknownPrinter      = newError(KindResource, "UnknownPrinter", "printer not registered")
	ErrUnknownOrder        = newError(KindResource, "UnknownOrder", "order not found")
	ErrDuplicateOrderID    = newError(KindResource, "DuplicateOrderId", "order id already in use")
	ErrInvalidAmount       = newError(KindResource, "InvalidAmount", "invalid price")
	ErrInvalidDuration     = newError(KindResource, "InvalidDuration", "duration must be positive")
	ErrInvalidDetails      = newError(KindResource, "InvalidDetails", "invalid printer details")
	ErrInvalidIdentity     = newError(KindResource, "InvalidIdentity", "identity must not be the zero address")
	ErrLedgerRejected      = newError(KindResource, "LedgerRejected", "ledger rejected transfer")
)

// KindOf classifies err, returning KindUnknown for infrastructure failures
// (storage, ledger transport) that are not precondition violations.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable error code carried by err, or "" when err is not
// a classified error.
func CodeOf(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
