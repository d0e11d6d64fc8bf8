// Package apperr defines the error taxonomy shared by the service layer and
// the HTTP API. Every error carries a stable machine-readable code.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindEligibility
	KindAuthorization
	KindConflict
	KindNotFound
	KindRateLimit
	KindLedger
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindEligibility:
		return "eligibility"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindRateLimit:
		return "rate_limit"
	case KindLedger:
		return "ledger"
	case KindStore:
		return "store"
	}
	return "internal"
}

// Stable error codes.
const (
	CodeMissingFields   = "MISSING_FIELDS"
	CodeInvalidInput    = "INVALID_INPUT"
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotEligible     = "NOT_ELIGIBLE"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeDuplicateAnswer = "DUPLICATE_ANSWER"
	CodeDuplicateVote   = "DUPLICATE_VOTE"
	CodeAlreadyEdited   = "ALREADY_EDITED"
	CodeQuestionClosed  = "QUESTION_CLOSED"
	CodeAlreadySettled  = "ALREADY_SETTLED"
	CodeRateLimited     = "RATE_LIMIT_EXCEEDED"
	CodeLedger          = "LEDGER_ERROR"
	CodeInvalidOnchain  = "INVALID_ONCHAIN_ID"
	CodeDatabase        = "DATABASE_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error is the concrete error type. A zero-valued Error with only Kind set
// acts as a sentinel for errors.Is.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Details    string
	RetryAfter time.Duration
	Err        error
}

var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrEligibility   = &Error{Kind: KindEligibility}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrRateLimit     = &Error{Kind: KindRateLimit}
	ErrLedger        = &Error{Kind: KindLedger}
	ErrStore         = &Error{Kind: KindStore}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind, and fully populated errors by kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

func MissingFields(fields ...string) *Error {
	return &Error{Kind: KindValidation, Code: CodeMissingFields, Message: "Missing required fields: " + strings.Join(fields, ", ")}
}

func Invalid(msg string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidInput, Message: msg}
}

func Validation(msg, details string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: msg, Details: details}
}

func NotEligible(reason, details string) *Error {
	return &Error{Kind: KindEligibility, Code: CodeNotEligible, Message: reason, Details: details}
}

func Unauthorized(msg string) *Error {
	if msg == "" {
		msg = "Unauthorized"
	}
	return &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: msg}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: resource + " not found"}
}

func Conflict(code, msg string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: msg}
}

func RateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Code:       CodeRateLimited,
		Message:    "Rate limit exceeded",
		Details:    fmt.Sprintf("retry after %ds", int(retryAfter.Round(time.Second).Seconds())),
		RetryAfter: retryAfter,
	}
}

func Ledger(code, msg string, err error) *Error {
	if code == "" {
		code = CodeLedger
	}
	return &Error{Kind: KindLedger, Code: code, Message: msg, Err: err}
}

// Store wraps a persistence failure. Already classified errors pass through.
func Store(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStore, Code: CodeDatabase, Message: "Database operation failed", Err: err}
}
