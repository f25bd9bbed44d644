package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials       = errors.New("invalid email or password")
	ErrAccountLocked            = errors.New("account is locked")
	ErrInactiveAccount          = errors.New("account is inactive")
	ErrEmailAlreadyRegistered   = errors.New("email is already registered")
	ErrInvalidToken             = errors.New("invalid refresh token")
	ErrTokenReused              = errors.New("refresh token reuse detected")
	ErrSessionNotFound          = errors.New("session not found")
	ErrSessionAlreadyInactive   = errors.New("session is already inactive")
	ErrValidation               = errors.New("validation failed")
	ErrUnauthorized             = errors.New("unauthorized")
	ErrForbidden                = errors.New("access forbidden")
	ErrUserNotFound             = errors.New("user not found")
	ErrCurrentPasswordIncorrect = errors.New("current password is incorrect")

	// ErrRefreshTokenNotFound and ErrDuplicateRefreshToken are store-level
	// results; the core turns them into InvalidToken or internal failures.
	ErrRefreshTokenNotFound  = errors.New("refresh token not found")
	ErrDuplicateRefreshToken = errors.New("refresh token already exists")

	// ErrConcurrentUpdate is returned by a store when a unit of work lost a
	// write race and was rolled back.
	ErrConcurrentUpdate = errors.New("concurrent update")

	// ErrInternal marks unexpected infrastructure failures. Its message is
	// the only text that reaches the end caller.
	ErrInternal = errors.New("internal error")
)

// AccountLockedError carries the instant the lockout ends.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account is locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Is(target error) bool { return target == ErrAccountLocked }

// Token rejection reasons carried by InvalidTokenError.
const (
	ReasonTokenNotFound   = "not found"
	ReasonTokenExpired    = "expired"
	ReasonSessionInactive = "session is no longer active"
)

// InvalidTokenError is a refresh token rejection that triggers no cascade.
type InvalidTokenError struct {
	Reason string
}

func (e *InvalidTokenError) Error() string {
	if e.Reason == "" {
		return ErrInvalidToken.Error()
	}
	return ErrInvalidToken.Error() + ": " + e.Reason
}

func (e *InvalidTokenError) Is(target error) bool { return target == ErrInvalidToken }

// ValidationError maps field names to human readable problems.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError from field/message pairs.
func NewValidationError(kv ...string) *ValidationError {
	ve := &ValidationError{Fields: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		ve.Fields[kv[i]] = kv[i+1]
	}
	return ve
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Internal wraps an infrastructure failure so that errors.Is(err, ErrInternal)
// holds while the cause stays available to logs.
func Internal(op string, err error) error {
	return &internalError{op: op, err: err}
}

type internalError struct {
	op  string
	err error
}

func (e *internalError) Error() string { return e.op + ": " + e.err.Error() }

func (e *internalError) Unwrap() []error { return []error{ErrInternal, e.err} }
