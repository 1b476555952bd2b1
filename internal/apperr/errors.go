// Package apperr defines the error taxonomy shared by every component.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the coarse categories every
// caller (HTTP layer, scheduler, sandbox host) needs to branch on.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindRateLimited  Kind = "rate_limited"
	KindSandbox      Kind = "sandbox"
	KindExternal     Kind = "external"
	KindInternal     Kind = "internal"
)

// Sandbox sub-kinds, carried in Error.Sub when Kind == KindSandbox.
const (
	SubTimeout         = "timeout"
	SubOutOfMemory     = "out_of_memory"
	SubCompileError    = "compile_error"
	SubRuntimeError    = "runtime_error"
	SubOutputTooLarge  = "output_too_large"
	SubMissingProgress = "missing_progress"
)

// External sub-kinds, carried in Error.Sub when Kind == KindExternal.
const (
	SubOAuthInvalidState   = "oauth_invalid_state"
	SubTokenExchangeFailed = "token_exchange_failed"
	SubRefreshFailed       = "refresh_failed"
	SubProviderUnavailable = "provider_unavailable"
)

// Error is the wrapped error type produced by every component. Op
// names the failing operation ("store.UpsertMetricValue"); Sub carries
// an optional fine-grained sub-kind for SandboxError/ExternalError.
type Error struct {
	Kind Kind
	Sub  string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Sub != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s.%s: %v", e.Op, e.Kind, e.Sub, e.Err)
		}
		return fmt.Sprintf("%s: %s.%s", e.Op, e.Kind, e.Sub)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with the given kind and wrapped cause.
func New(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NewSub builds an *Error carrying a fine-grained sub-kind.
func NewSub(op string, kind Kind, sub string, err error) *Error {
	return &Error{Op: op, Kind: kind, Sub: sub, Err: err}
}

func is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func isSub(err error, kind Kind, sub string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind && e.Sub == sub
	}
	return false
}

func IsUnauthorized(err error) bool { return is(err, KindUnauthorized) }
func IsForbidden(err error) bool    { return is(err, KindForbidden) }
func IsNotFound(err error) bool     { return is(err, KindNotFound) }
func IsConflict(err error) bool     { return is(err, KindConflict) }
func IsValidation(err error) bool   { return is(err, KindValidation) }
func IsRateLimited(err error) bool  { return is(err, KindRateLimited) }
func IsSandbox(err error) bool      { return is(err, KindSandbox) }
func IsExternal(err error) bool     { return is(err, KindExternal) }
func IsInternal(err error) bool     { return is(err, KindInternal) }

func IsSandboxTimeout(err error) bool        { return isSub(err, KindSandbox, SubTimeout) }
func IsSandboxOutOfMemory(err error) bool    { return isSub(err, KindSandbox, SubOutOfMemory) }
func IsSandboxCompileError(err error) bool   { return isSub(err, KindSandbox, SubCompileError) }
func IsSandboxRuntimeError(err error) bool   { return isSub(err, KindSandbox, SubRuntimeError) }
func IsSandboxOutputTooLarge(err error) bool { return isSub(err, KindSandbox, SubOutputTooLarge) }
func IsMissingProgress(err error) bool       { return isSub(err, KindSandbox, SubMissingProgress) }

func IsOAuthInvalidState(err error) bool   { return isSub(err, KindExternal, SubOAuthInvalidState) }
func IsTokenExchangeFailed(err error) bool { return isSub(err, KindExternal, SubTokenExchangeFailed) }
func IsRefreshFailed(err error) bool       { return isSub(err, KindExternal, SubRefreshFailed) }
func IsProviderUnavailable(err error) bool { return isSub(err, KindExternal, SubProviderUnavailable) }

// Sentinel errors for simple, common cases that don't need an Op.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")
)
