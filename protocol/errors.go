package protocol

import "fmt"

// ErrorCode identifies a failure class in the client runtime.
type ErrorCode string

const (
	CodeConnectTimeout     ErrorCode = "CONNECT_TIMEOUT"
	CodeConnectError       ErrorCode = "CONNECT_ERROR"
	CodeNotConnected       ErrorCode = "NOT_CONNECTED"
	CodeDecode             ErrorCode = "DECODE_ERROR"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	CodeUnknownMessageType ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	CodeRequestSuperseded  ErrorCode = "REQUEST_SUPERSEDED"
	CodeMessageTooLarge    ErrorCode = "MESSAGE_TOO_LARGE"
	CodeClosed             ErrorCode = "CLOSED"
)

// Error is the typed error used across the runtime. Two errors match under
// errors.Is when their codes are equal, so the package-level sentinels can be
// compared against any wrapped instance.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Sentinels for errors.Is.
var (
	ErrConnectTimeout     = &Error{Code: CodeConnectTimeout, Message: "connection timeout"}
	ErrConnectError       = &Error{Code: CodeConnectError, Message: "failed to connect"}
	ErrNotConnected       = &Error{Code: CodeNotConnected, Message: "not connected"}
	ErrDecode             = &Error{Code: CodeDecode, Message: "failed to decode message"}
	ErrRequestTimeout     = &Error{Code: CodeRequestTimeout, Message: "request timeout"}
	ErrUnknownMessageType = &Error{Code: CodeUnknownMessageType, Message: "unknown message type"}
	ErrRequestSuperseded  = &Error{Code: CodeRequestSuperseded, Message: "request superseded"}
	ErrMessageTooLarge    = &Error{Code: CodeMessageTooLarge, Message: "message too large"}
	ErrClosed             = &Error{Code: CodeClosed, Message: "client closed"}
)
