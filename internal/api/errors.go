package api

import "github.com/arborhs/arbor/internal/json"

// Matrix error codes produced by the handlers.
const (
	CodeForbidden     = "M_FORBIDDEN"
	CodeUnknownToken  = "M_UNKNOWN_TOKEN"
	CodeMissingToken  = "M_MISSING_TOKEN"
	CodeBadJson       = "M_BAD_JSON"
	CodeNotJson       = "M_NOT_JSON"
	CodeNotFound      = "M_NOT_FOUND"
	CodeLimitExceeded = "M_LIMIT_EXCEEDED"
	CodeUserInUse     = "M_USER_IN_USE"
	CodeRoomInUse     = "M_ROOM_IN_USE"
	CodeInvalidParam  = "M_INVALID_PARAM"
	CodeMissingParam  = "M_MISSING_PARAM"
	CodeUnknown       = "M_UNKNOWN"
	CodeUnrecognized  = "M_UNRECOGNIZED"
)

// defaultStatus maps each error code to its usual HTTP status.
var defaultStatus = map[string]int{
	CodeForbidden:     403,
	CodeUnknownToken:  401,
	CodeMissingToken:  401,
	CodeBadJson:       400,
	CodeNotJson:       400,
	CodeNotFound:      404,
	CodeLimitExceeded: 429,
	CodeUserInUse:     400,
	CodeRoomInUse:     400,
	CodeInvalidParam:  400,
	CodeMissingParam:  400,
	CodeUnknown:       500,
	CodeUnrecognized:  404,
}

// Error is a Matrix-style application error: an errcode, a message,
// and the HTTP status to reply with.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Body renders the wire form.
func (e *Error) Body() *json.Value {
	body := json.NewObject()
	body.Set("errcode", json.String(e.Code))
	body.Set("error", json.String(e.Message))
	return body
}

// NewError builds an error with the code's default status.
func NewError(code, message string) *Error {
	status, ok := defaultStatus[code]
	if !ok {
		status = 500
	}
	return &Error{Code: code, Message: message, Status: status}
}

// WithStatus overrides the default HTTP status.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func errUnknown(message string) *Error {
	if message == "" {
		message = "An internal error occurred."
	}
	return NewError(CodeUnknown, message)
}

func errNotFound(message string) *Error {
	return NewError(CodeNotFound, message)
}
