package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes collaboration errors.
type ErrorCode string

const (
	// ErrCodeTransport: connection failed or dropped. Recovered locally by
	// backoff and reconnect; surfaced only as a connectivity indicator.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeMalformedOperation: a frame or operation failed decoding or
	// validation. Discarded and logged; never reaches the document.
	ErrCodeMalformedOperation ErrorCode = "MALFORMED_OPERATION"

	// ErrCodeConflictNoop: an operation targeted an already-deleted entity
	// and was absorbed. Not a failure.
	ErrCodeConflictNoop ErrorCode = "CONFLICT_NOOP"

	// ErrCodeRestoreConflict: a restore succeeded but overwrote fields other
	// clients edited after the snapshot. Informational.
	ErrCodeRestoreConflict ErrorCode = "RESTORE_CONFLICT"

	// ErrCodeStaleSession: a peer's presence heartbeat lapsed and the peer
	// was removed from the active view. Not fatal to the document.
	ErrCodeStaleSession ErrorCode = "STALE_SESSION"
)

// Error is the single error type of the collaboration core. Code selects the
// category; the remaining fields carry diagnostic context.
type Error struct {
	Code     ErrorCode
	Message  string
	DocID    string
	ClientID string
	Target   string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DocID != "" {
		msg += fmt.Sprintf(" (doc=%s)", e.DocID)
	}
	if e.ClientID != "" {
		msg += fmt.Sprintf(" (client=%s)", e.ClientID)
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" (target=%s)", e.Target)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransportError wraps a network failure.
func NewTransportError(docID, message string, err error) *Error {
	return &Error{Code: ErrCodeTransport, Message: message, DocID: docID, Err: err}
}

// NewMalformedError reports a frame or operation that failed validation.
func NewMalformedError(message string, err error) *Error {
	return &Error{Code: ErrCodeMalformedOperation, Message: message, Err: err}
}

// NewConflictNoop reports an operation absorbed because its target is deleted.
func NewConflictNoop(op Operation) *Error {
	return &Error{
		Code:     ErrCodeConflictNoop,
		Message:  "target already deleted",
		ClientID: op.Origin,
		Target:   op.Target.String(),
	}
}

// NewRestoreConflict reports fields a restore took over from other editors.
func NewRestoreConflict(docID string, version int64, targets []string) *Error {
	return &Error{
		Code:    ErrCodeRestoreConflict,
		Message: fmt.Sprintf("restore of v%d overlapped %d concurrently edited fields", version, len(targets)),
		DocID:   docID,
		Target:  joinTargets(targets),
	}
}

// NewStaleSessionError reports a peer evicted for missing heartbeats.
func NewStaleSessionError(clientID string, silentFor fmt.Stringer) *Error {
	return &Error{
		Code:     ErrCodeStaleSession,
		Message:  fmt.Sprintf("no heartbeat for %s", silentFor),
		ClientID: clientID,
	}
}

func joinTargets(targets []string) string {
	const limit = 5
	out := ""
	for i, t := range targets {
		if i == limit {
			out += fmt.Sprintf(",+%d", len(targets)-limit)
			break
		}
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsTransport reports whether err is (or wraps) a transport error.
func IsTransport(err error) bool { return hasCode(err, ErrCodeTransport) }

// IsMalformed reports whether err is (or wraps) a malformed-operation error.
func IsMalformed(err error) bool { return hasCode(err, ErrCodeMalformedOperation) }

// IsConflictNoop reports whether err is (or wraps) a conflict no-op.
func IsConflictNoop(err error) bool { return hasCode(err, ErrCodeConflictNoop) }

// IsRestoreConflict reports whether err is (or wraps) a restore conflict notice.
func IsRestoreConflict(err error) bool { return hasCode(err, ErrCodeRestoreConflict) }

// IsStaleSession reports whether err is (or wraps) a stale-session eviction.
func IsStaleSession(err error) bool { return hasCode(err, ErrCodeStaleSession) }
