package protocol

import "fmt"

// Status is the top-level outcome of a request.
type Status int32

const (
	StatusOK Status = iota + 1
	StatusError
)

// ErrorKind enumerates the cluster-level error kinds carried on the wire.
type ErrorKind int32

const (
	ErrNone ErrorKind = iota
	ErrNoLeader
	ErrCommand
	ErrQuery
	ErrApplication
	ErrIllegalMemberState
	ErrUnknownClient
	ErrUnknownSession
	ErrUnknownStateMachine
	ErrInternal
	ErrClosedSession
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNoLeader:
		return "NO_LEADER"
	case ErrCommand:
		return "COMMAND_ERROR"
	case ErrQuery:
		return "QUERY_ERROR"
	case ErrApplication:
		return "APPLICATION_ERROR"
	case ErrIllegalMemberState:
		return "ILLEGAL_MEMBER_STATE"
	case ErrUnknownClient:
		return "UNKNOWN_CLIENT_ERROR"
	case ErrUnknownSession:
		return "UNKNOWN_SESSION_ERROR"
	case ErrUnknownStateMachine:
		return "UNKNOWN_STATE_MACHINE_ERROR"
	case ErrInternal:
		return "INTERNAL_ERROR"
	case ErrClosedSession:
		return "CLOSED_SESSION"
	default:
		return "NONE"
	}
}

// Error materializes an ErrorKind as a Go error once a response has to be
// surfaced to a caller.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError returns an error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the cluster error kind from an error, or ErrNone if the
// error did not originate from a response.
func KindOf(err error) ErrorKind {
	if pe, ok := err.(*Error); ok {
		return pe.Kind
	}
	return ErrNone
}
