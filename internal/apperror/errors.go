// Package apperror is the closed set of failure kinds and codes the auth
// flows report to callers.
package apperror

import (
	"errors"
	"net/http"
	"strconv"
)

// Kind groups codes by how a caller should react.
type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindConflict          Kind = "CONFLICT"
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindExpired           Kind = "EXPIRED"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindDependencyFailure Kind = "DEPENDENCY_FAILURE"
	KindInternal          Kind = "INTERNAL"
)

// Code is a machine-readable error code.
type Code string

const (
	// OTP
	CodeOTPExpired      Code = "OTP_EXPIRED"
	CodeInvalidContext  Code = "INVALID_CONTEXT"
	CodeInvalidOTP      Code = "INVALID_OTP"
	CodeTooManyAttempts Code = "TOO_MANY_ATTEMPTS"
	CodeResendCooldown  Code = "RESEND_COOLDOWN"
	CodeNoOTPFound      Code = "NO_OTP_FOUND"

	// Credentials and account standing
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeNotVerified        Code = "NOT_VERIFIED"
	CodeAccountLocked      Code = "ACCOUNT_LOCKED"
	CodeAccountDisabled    Code = "ACCOUNT_DISABLED"
	CodeForbiddenRole      Code = "FORBIDDEN_ROLE"

	// Tokens
	CodeTokenInvalid Code = "TOKEN_INVALID"
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	CodeTokenRevoked Code = "TOKEN_REVOKED"

	// Accounts
	CodeUserNotFound Code = "USER_NOT_FOUND"
	CodeUserExists   Code = "USER_EXISTS"

	// Input
	CodeWeakPassword     Code = "WEAK_PASSWORD"
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// Infrastructure
	CodeSendFailed       Code = "SEND_FAILED"
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInternal         Code = "INTERNAL"
)

var codeKinds = map[Code]Kind{
	CodeOTPExpired:         KindExpired,
	CodeInvalidContext:     KindValidation,
	CodeInvalidOTP:         KindUnauthenticated,
	CodeTooManyAttempts:    KindRateLimited,
	CodeResendCooldown:     KindRateLimited,
	CodeNoOTPFound:         KindNotFound,
	CodeInvalidCredentials: KindUnauthenticated,
	CodeNotVerified:        KindForbidden,
	CodeAccountLocked:      KindForbidden,
	CodeAccountDisabled:    KindForbidden,
	CodeForbiddenRole:      KindForbidden,
	CodeTokenInvalid:       KindUnauthenticated,
	CodeTokenExpired:       KindExpired,
	CodeTokenRevoked:       KindUnauthenticated,
	CodeUserNotFound:       KindNotFound,
	CodeUserExists:         KindConflict,
	CodeWeakPassword:       KindValidation,
	CodeValidationFailed:   KindValidation,
	CodeSendFailed:         KindDependencyFailure,
	CodeStoreUnavailable:   KindDependencyFailure,
	CodeRateLimited:        KindRateLimited,
	CodeInternal:           KindInternal,
}

// Kind returns the kind a code belongs to.
func (c Code) Kind() Kind {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return KindInternal
}

// HTTPStatus maps a code to the status the HTTP surface answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeAccountLocked, CodeAccountDisabled:
		return http.StatusLocked
	case CodeOTPExpired, CodeInvalidOTP, CodeTooManyAttempts, CodeInvalidContext, CodeNoOTPFound:
		// OTP challenge failures are all client errors on the challenge.
		return http.StatusBadRequest
	case CodeResendCooldown, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTokenExpired:
		return http.StatusUnauthorized
	}

	switch c.Kind() {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDependencyFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Metadata keys carried on errors.
const (
	MetaRemainingAttempts = "remainingAttempts"
	MetaRetryAfter        = "retryAfter"
	MetaRemainingMinutes  = "remainingMinutes"
	MetaField             = "field"
)

// Error is the domain error carrier.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Caller-facing message
	Metadata map[string]string // Structured details (remaining attempts, retry after, ...)
	Cause    error             // Wrapped underlying error, never shown to callers
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// With returns a copy of e with one more metadata entry.
func (e *Error) With(key, value string) *Error {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	return &Error{Code: e.Code, Message: e.Message, Metadata: md, Cause: e.Cause}
}

// WithMessage returns a copy of e with a different caller-facing message.
func (e *Error) WithMessage(message string) *Error {
	c := *e
	c.Message = message
	return &c
}

// WithInt is With for integer values.
func (e *Error) WithInt(key string, value int) *Error {
	return e.With(key, strconv.Itoa(value))
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Dependency wraps an infrastructure failure.
func Dependency(message string, cause error) *Error {
	return Wrap(CodeStoreUnavailable, message, cause)
}

// Sentinels usable with errors.Is.
var (
	ErrOTPExpired         = New(CodeOTPExpired, "OTP has expired or does not exist")
	ErrInvalidContext     = New(CodeInvalidContext, "OTP was issued for a different context")
	ErrInvalidOTP         = New(CodeInvalidOTP, "invalid OTP")
	ErrTooManyAttempts    = New(CodeTooManyAttempts, "too many failed attempts, request a new OTP")
	ErrResendCooldown     = New(CodeResendCooldown, "please wait before requesting a new OTP")
	ErrNoOTPFound         = New(CodeNoOTPFound, "no pending OTP found, start the flow again")
	ErrInvalidCredentials = New(CodeInvalidCredentials, "invalid email or password")
	ErrNotVerified        = New(CodeNotVerified, "account is not verified")
	ErrAccountLocked      = New(CodeAccountLocked, "account is temporarily locked")
	ErrAccountDisabled    = New(CodeAccountDisabled, "account is disabled")
	ErrForbiddenRole      = New(CodeForbiddenRole, "access denied for this role")
	ErrTokenInvalid       = New(CodeTokenInvalid, "token is invalid")
	ErrTokenExpired       = New(CodeTokenExpired, "token has expired")
	ErrTokenRevoked       = New(CodeTokenRevoked, "token has been revoked")
	ErrUserNotFound       = New(CodeUserNotFound, "user not found")
	ErrUserExists         = New(CodeUserExists, "user already exists")
	ErrWeakPassword       = New(CodeWeakPassword, "password does not meet requirements")
	ErrValidation         = New(CodeValidationFailed, "invalid input")
	ErrSendFailed         = New(CodeSendFailed, "failed to deliver message, please try again")
	ErrStoreUnavailable   = New(CodeStoreUnavailable, "service temporarily unavailable")
	ErrRateLimited        = New(CodeRateLimited, "too many requests")
)

// Validation builds a VALIDATION_FAILED error naming the offending field.
func Validation(field, message string) *Error {
	return New(CodeValidationFailed, message).With(MetaField, field)
}

// As extracts an *Error from err, or wraps unknown errors as INTERNAL.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(CodeInternal, "internal server error", err)
}

// CodeOf returns the code of err, INTERNAL for foreign errors.
func CodeOf(err error) Code {
	return As(err).Code
}
