package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorKind is the boundary classification of a failure.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindAccountLocked      ErrorKind = "account_locked"
	KindTokenInvalid       ErrorKind = "token_invalid"
	KindRateLimited        ErrorKind = "rate_limited"
	KindConflict           ErrorKind = "conflict"
	KindTransientStore     ErrorKind = "transient_store"
)

var (
	// ErrInvalidCredentials covers wrong passwords, wrong 2FA codes and unknown identities alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenInvalid matches every *TokenError.
	ErrTokenInvalid = errors.New("invalid or expired token")
	// ErrTransientStore indicates the credential store could not complete the operation. Safe to retry.
	ErrTransientStore = errors.New("credential store unavailable")
)

// ValidationError reports malformed input rejected before touching the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// AccountLockedError is returned for a known identity whose lock has not elapsed.
// A zero Until means the lock has no scheduled expiry.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	if e.Until.IsZero() {
		return "account locked"
	}
	return "account locked until " + e.Until.UTC().Format(time.RFC3339)
}

// TokenFailureReason distinguishes token failures internally. Callers only ever see ErrTokenInvalid.
type TokenFailureReason string

const (
	TokenReasonMalformed TokenFailureReason = "malformed"
	TokenReasonSignature TokenFailureReason = "signature"
	TokenReasonWrongKind TokenFailureReason = "wrong_kind"
	TokenReasonExpired   TokenFailureReason = "expired"
	TokenReasonNotFound  TokenFailureReason = "not_found"
	TokenReasonMismatch  TokenFailureReason = "mismatch"
)

// TokenError reports an unusable token, code or session.
type TokenError struct {
	Reason TokenFailureReason
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s (%s)", ErrTokenInvalid.Error(), e.Reason)
}

// Is lets errors.Is(err, ErrTokenInvalid) match any token failure.
func (e *TokenError) Is(target error) bool {
	return target == ErrTokenInvalid
}

func tokenError(reason TokenFailureReason) error {
	return &TokenError{Reason: reason}
}

// RateLimitExceededError is returned when a client exhausted its window for a route.
type RateLimitExceededError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Scope, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (e *RateLimitExceededError) RetryAfterSeconds() int {
	seconds := int(math.Ceil(e.RetryAfter.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// ConflictError reports a duplicate unique field at registration.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return e.Field + " already registered"
}

// Classify maps err onto the boundary taxonomy. Untyped failures come from the
// store or its transport and classify as transient.
func Classify(err error) ErrorKind {
	var (
		validation *ValidationError
		locked     *AccountLockedError
		limited    *RateLimitExceededError
		conflict   *ConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.Is(err, ErrInvalidCredentials):
		return KindInvalidCredentials
	case errors.As(err, &locked):
		return KindAccountLocked
	case errors.Is(err, ErrTokenInvalid):
		return KindTokenInvalid
	case errors.As(err, &limited):
		return KindRateLimited
	case errors.As(err, &conflict):
		return KindConflict
	default:
		return KindTransientStore
	}
}

// PublicMessage renders err for the caller without internal detail.
func PublicMessage(err error) string {
	switch Classify(err) {
	case "":
		return ""
	case KindValidation:
		var validation *ValidationError
		errors.As(err, &validation)
		return validation.Error()
	case KindInvalidCredentials:
		return ErrInvalidCredentials.Error()
	case KindAccountLocked:
		var locked *AccountLockedError
		errors.As(err, &locked)
		return locked.Error()
	case KindTokenInvalid:
		return ErrTokenInvalid.Error()
	case KindRateLimited:
		var limited *RateLimitExceededError
		errors.As(err, &limited)
		return fmt.Sprintf("too many requests, retry after %d seconds", limited.RetryAfterSeconds())
	case KindConflict:
		var conflict *ConflictError
		errors.As(err, &conflict)
		return conflict.Error()
	default:
		return "service temporarily unavailable, please retry"
	}
}

func isTyped(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Classify(err) != KindTransientStore
}
