package ocpp

import (
	"errors"
	"fmt"
)

// ErrorCode is the wire vocabulary carried in a CallError envelope.
type ErrorCode string

const (
	ErrorCodeFormationViolation ErrorCode = "FormationViolation"
	ErrorCodeNotImplemented     ErrorCode = "NotImplemented"
	ErrorCodeInternalError      ErrorCode = "InternalError"
	ErrorCodeGenericError       ErrorCode = "GenericError"
)

// ProtocolError is a handler failure that maps directly onto a CallError
// envelope. Anything else a handler returns becomes InternalError with a
// generic description.
type ProtocolError struct {
	Code        ErrorCode
	Description string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%v: %v", e.Code, e.Description)
}

func NewFormationViolation(description string) *ProtocolError {
	return &ProtocolError{Code: ErrorCodeFormationViolation, Description: description}
}

func NewGenericError(description string) *ProtocolError {
	return &ProtocolError{Code: ErrorCodeGenericError, Description: description}
}

// ErrNotConnected reports an outbound command whose target has no live
// session, or a session torn down while commands were in flight.
var ErrNotConnected = errors.New("charge point not connected")

// ErrCommandTimeout reports an outbound command with no reply within the
// configured deadline.
var ErrCommandTimeout = errors.New("command timed out")

// RemoteError is a CallError envelope returned by the charge point in
// response to an outbound command.
type RemoteError struct {
	Code        ErrorCode
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("charge point returned %v: %v", e.Code, e.Description)
}
