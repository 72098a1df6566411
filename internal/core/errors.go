package core

import (
	"errors"
	"fmt"
)

// ErrorKind partitions engine failures by how the caller should react.
type ErrorKind string

const (
	// KindValidation: malformed event or unknown entity. Rejected before any
	// mutation; nothing to retry until the input changes.
	KindValidation ErrorKind = "validation"
	// KindPolicy: a business precondition failed (stock, credit limit, order
	// status). Rejected after validation, no mutation applied.
	KindPolicy ErrorKind = "policy"
	// KindConflict: lost a race (expired reservation). Retry with fresh state.
	KindConflict ErrorKind = "conflict"
	// KindPersistence: the durable write failed and was rolled back. Retryable.
	KindPersistence ErrorKind = "persistence"
	// KindFault: rollback itself failed. The entity key is halted pending
	// manual audit; never silently retried.
	KindFault ErrorKind = "fault"
)

// EngineError is the typed failure every ledger operation returns. Code names
// the specific condition; Kind drives propagation policy.
type EngineError struct {
	Kind ErrorKind
	Code string
	msg  string
	err  error
}

func (e *EngineError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.msg, e.err)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.msg)
	}
	return e.Code
}

func (e *EngineError) Unwrap() error { return e.err }

// Is matches on Code so sentinel comparisons like
// errors.Is(err, ErrInsufficientStock) work on wrapped instances.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks. Call sites produce descriptive instances via
// the constructors below; these carry only the identity.
var (
	ErrUnknownEntity          = &EngineError{Kind: KindValidation, Code: "UnknownEntity"}
	ErrMalformedEvent         = &EngineError{Kind: KindValidation, Code: "MalformedEvent"}
	ErrInsufficientStock      = &EngineError{Kind: KindPolicy, Code: "InsufficientStock"}
	ErrCreditLimitExceeded    = &EngineError{Kind: KindPolicy, Code: "CreditLimitExceeded"}
	ErrOverDelivery           = &EngineError{Kind: KindPolicy, Code: "OverDelivery"}
	ErrOrderAlreadyFinalized  = &EngineError{Kind: KindPolicy, Code: "OrderAlreadyFinalized"}
	ErrNegativeStockViolation = &EngineError{Kind: KindPolicy, Code: "NegativeStockViolation"}
	ErrInvalidReturnQuantity  = &EngineError{Kind: KindPolicy, Code: "InvalidReturnQuantity"}
	ErrInvalidAmount          = &EngineError{Kind: KindPolicy, Code: "InvalidAmount"}
	ErrInvalidTransition      = &EngineError{Kind: KindPolicy, Code: "InvalidTransition"}
	ErrReservationExpired     = &EngineError{Kind: KindConflict, Code: "ReservationExpired"}
	ErrPersistence            = &EngineError{Kind: KindPersistence, Code: "PersistenceFailure"}
	ErrRollbackFailed         = &EngineError{Kind: KindFault, Code: "RollbackFailed"}
	ErrEntityHalted           = &EngineError{Kind: KindFault, Code: "EntityHalted"}
)

func newError(sentinel *EngineError, format string, args ...any) *EngineError {
	return &EngineError{Kind: sentinel.Kind, Code: sentinel.Code, msg: fmt.Sprintf(format, args...)}
}

func wrapError(sentinel *EngineError, err error, format string, args ...any) *EngineError {
	return &EngineError{Kind: sentinel.Kind, Code: sentinel.Code, msg: fmt.Sprintf(format, args...), err: err}
}

// persistence wraps a storage failure so callers see a retryable kind while the
// pgx cause stays inspectable through errors.Unwrap.
func persistence(err error, format string, args ...any) *EngineError {
	return wrapError(ErrPersistence, err, format, args...)
}

// KindOf extracts the ErrorKind from any error produced by the engine.
// Unrecognized errors report KindPersistence: the safe default is "retryable,
// state unchanged".
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindPersistence
}
