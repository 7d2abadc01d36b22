// Package errs defines the tagged error model shared by every pipeline
// boundary. Each error carries a Kind, a human-readable message and optional
// structured details so the response formatter can surface the offending
// field and a hint without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies an error variant.
type Kind string

const (
	KindTimeParse          Kind = "TimeParse"
	KindFormulaSyntax      Kind = "FormulaSyntax"
	KindFormulaUnknownRef  Kind = "FormulaUnknownRef"
	KindTemplateLoad       Kind = "TemplateLoad"
	KindTemplateVarMissing Kind = "TemplateVarMissing"
	KindStoreFailure       Kind = "StoreFailure"
	KindStoreResultTooLarge Kind = "StoreResultTooLarge"
	KindLLMUnavailable     Kind = "LLMUnavailable"
	KindLLMBadResponse     Kind = "LLMBadResponse"
	KindRequestInvalid     Kind = "RequestInvalid"
	KindInternal           Kind = "Internal"
)

// Error is the single error type used across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Field   string
	Hint    string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithField attaches the offending request field.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithHint attaches a caller-facing hint.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithDetail attaches one structured detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the Kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the tagged message of err without its cause chain, or
// the full Error() string for untagged errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an error of this kind may be retried at the
// boundary that produced it. Only transient store failures qualify; LLM
// retries happen inside the client before LLMUnavailable ever surfaces.
func Retryable(kind Kind) bool {
	return kind == KindStoreFailure
}

// ExitCode maps an error to the CLI exit code contract:
// 0 success, 2 validation, 3 store, 4 LLM, 1 anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindRequestInvalid, KindTimeParse:
		return 2
	case KindStoreFailure, KindStoreResultTooLarge:
		return 3
	case KindLLMUnavailable, KindLLMBadResponse:
		return 4
	default:
		return 1
	}
}
