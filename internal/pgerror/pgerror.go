// Package pgerror defines the SQLSTATE-carrying error type the pooler
// raises locally, as opposed to errors forwarded unchanged from a real
// backend.
package pgerror

import (
	"fmt"

	"github.com/jackc/pgproto3/v2"
)

// SQLSTATEs the pooler generates itself (spec §7).
const (
	CodeInvalidAuthorization = "28000" // unknown (database,user) at startup
	CodeTooManyClients       = "53300" // admission/pool-wait exhaustion
	CodeProtocolViolation    = "08P01" // framing error
	CodeConnectionFailure    = "08006" // backend connect/auth failure
	CodeOutOfMemory          = "53200" // max_memory_usage exceeded
	CodeAdminShutdown        = "58006" // graceful shutdown drain expired
	CodeQueryCanceled        = "57014" // cancel delivered to backend
)

// Error is a locally generated protocol error with a SQLSTATE attached.
type Error struct {
	Severity string // "FATAL" or "ERROR"
	Code     string
	Message  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Severity, e.Message, e.Code)
}

// Fatal builds a FATAL-severity Error, the kind that ends the session.
func Fatal(code, format string, args ...any) *Error {
	return &Error{Severity: "FATAL", Code: code, Message: fmt.Sprintf(format, args...)}
}

// NonFatal builds an ERROR-severity Error that the session can recover from.
func NonFatal(code, format string, args ...any) *Error {
	return &Error{Severity: "ERROR", Code: code, Message: fmt.Sprintf(format, args...)}
}

// Response renders the error as the wire message PostgreSQL clients expect.
func (e *Error) Response() *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity: e.Severity,
		Code:     e.Code,
		Message:  e.Message,
	}
}

// SendTo queues the error on a client-facing stream as an ErrorResponse;
// the caller still owns flushing the stream.
func (e *Error) SendTo(dst interface{ Send(pgproto3.BackendMessage) }) {
	dst.Send(e.Response())
}
