// Package apierr centralizes the core's error taxonomy (SPEC_FULL.md §7 /
// spec.md §7): a stable code plus a human-readable message, so SD and ALA
// can branch on retryability programmatically instead of string-matching.
package apierr

import "fmt"

type Code string

const (
	// Validation errors — rejected synchronously, no side effects.
	CodeBadRequest  Code = "BAD_REQUEST"
	CodeUnknownPair Code = "UNKNOWN_PAIR"
	CodeBadDecimal  Code = "BAD_DECIMAL"

	// Funding errors.
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"

	// Authorisation errors.
	CodeNotOwner Code = "NOT_OWNER"

	// State errors.
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyTerminal Code = "ALREADY_TERMINAL"
	CodeFOKUnfillable   Code = "FOK_UNFILLABLE"
	CodeNoLiquidity     Code = "NO_LIQUIDITY"

	// Transient infra — retried inside SD/ALA; surfaced after exhaustion.
	CodeLedgerUnavailable Code = "LEDGER_UNAVAILABLE"
	CodeTimeout           Code = "TIMEOUT"

	// Fatal invariant violations — require operator intervention.
	CodeLockInvalid    Code = "LOCK_INVALID"
	CodeAmountMismatch Code = "AMOUNT_MISMATCH"
	CodeIndexCorrupt   Code = "INDEX_CORRUPT"
	CodePairFrozen     Code = "PAIR_FROZEN"
)

// Error is the structured error the client sees as
// { ok: false, error: { code, message } }.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Retryable reports whether the error kind is transient infra that SD/ALA
// should retry with back-off rather than surface immediately.
func (e *Error) Retryable() bool {
	return e.Code == CodeLedgerUnavailable || e.Code == CodeTimeout
}

// Fatal reports whether the error kind is a fatal invariant violation that
// requires freezing the affected pair for operator intervention.
func (e *Error) Fatal() bool {
	return e.Code == CodeLockInvalid || e.Code == CodeIndexCorrupt
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
