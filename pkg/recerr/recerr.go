// Package recerr defines the machine-readable failure classes of the
// reconciliation engine. Errors are built on cockroachdb/errors so markers
// survive wrapping and carry safe details for logs.
package recerr

import (
	"github.com/cockroachdb/errors"
)

// Reason is the stable code surfaced to callers alongside a session id.
type Reason string

const (
	ReasonConfigNotFound    Reason = "CONFIG_NOT_FOUND"
	ReasonFormulaParse      Reason = "FORMULA_PARSE_ERROR"
	ReasonMatchConflict     Reason = "MATCH_CONFLICT"
	ReasonPersistence       Reason = "PERSISTENCE_FAILURE"
	ReasonInvalidTransition Reason = "INVALID_TRANSITION"
	ReasonSessionFailed     Reason = "SESSION_FAILED"
	ReasonNotFound          Reason = "NOT_FOUND"
	ReasonInvalidInput      Reason = "INVALID_INPUT"
	ReasonRunLocked         Reason = "RUN_LOCKED"
	ReasonRateLimited       Reason = "RATE_LIMITED"
	ReasonUnauthorized      Reason = "UNAUTHORIZED"
	ReasonUnknown           Reason = "UNKNOWN"
)

var (
	ErrConfigNotFound    = errors.New("materiality config not found")
	ErrFormulaParse      = errors.New("formula parse error")
	ErrMatchConflict     = errors.New("match conflict")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionFailed     = errors.New("session failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrRunLocked         = errors.New("run already in progress")
	ErrUnauthorized      = errors.New("unauthorized")
)

var sentinels = []struct {
	err    error
	reason Reason
}{
	{ErrInvalidTransition, ReasonInvalidTransition},
	{ErrRunLocked, ReasonRunLocked},
	{ErrFormulaParse, ReasonFormulaParse},
	{ErrPersistence, ReasonPersistence},
	{ErrSessionFailed, ReasonSessionFailed},
	{ErrNotFound, ReasonNotFound},
	{ErrInvalidInput, ReasonInvalidInput},
	{ErrMatchConflict, ReasonMatchConflict},
	{ErrConfigNotFound, ReasonConfigNotFound},
	{ErrUnauthorized, ReasonUnauthorized},
}

// SessionError ties a failure to the session it happened in.
type SessionError struct {
	SessionID string
	Reason    Reason
	cause     error
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return string(e.Reason) + ": " + e.cause.Error()
	}
	return "session " + e.SessionID + ": " + string(e.Reason) + ": " + e.cause.Error()
}

func (e *SessionError) Unwrap() error { return e.cause }

// Session wraps err with the session id and a reason. When reason is empty it
// is derived from the markers already present on err.
func Session(sessionID string, reason Reason, err error) error {
	if err == nil {
		return nil
	}
	var existing *SessionError
	if errors.As(err, &existing) && existing.SessionID == sessionID {
		return err
	}
	if reason == "" {
		reason = ReasonOf(err)
	}
	return &SessionError{
		SessionID: sessionID,
		Reason:    reason,
		cause:     errors.WithSafeDetails(err, "session_id=%s reason=%s", errors.Safe(sessionID), errors.Safe(string(reason))),
	}
}

// Mark tags err with one of the sentinel classes and a message.
func Mark(err error, class error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), class)
}

// New builds a fresh error of the given class.
func New(class error, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), class)
}

// ReasonOf extracts the reason code from err.
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se.Reason
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.reason
		}
	}
	return ReasonUnknown
}

// SessionIDOf returns the session id attached to err, if any.
func SessionIDOf(err error) string {
	var se *SessionError
	if errors.As(err, &se) {
		return se.SessionID
	}
	return ""
}

var (
	Is    = errors.Is
	As    = errors.As
	Wrap  = errors.Wrap
	Wrapf = errors.Wrapf
)
