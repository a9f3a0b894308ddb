package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/coachdesk/server/pkg/responders"
)

// ErrorResponse is the body of every failed API call:
//
//	{"error":{"code":"...","message":"...","retryable":false,"details":{...}}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error carries a code from the service layer up to the handler.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the code of the first coded error in err's chain, or fallback.
func CodeOf(err error, fallback ErrorCode) ErrorCode {
	if coded, ok := asCoded(err); ok {
		return coded.Code
	}
	return fallback
}

func asCoded(err error) (*Error, bool) {
	var coded *Error
	ok := stderrors.As(err, &coded)
	return coded, ok
}

func NewErrorResponse(code ErrorCode, message string, details map[string]any) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Retryable: code.IsRetryable(),
		Details:   details,
	}}
}

// WriteJSON writes the error with the status its code maps to.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	responders.JSON(w, e.Error.Code.HTTPStatus(), e)
}

func WriteError(w http.ResponseWriter, code ErrorCode, message string, details map[string]any) {
	NewErrorResponse(code, message, details).WriteJSON(w)
}

func WriteSimpleError(w http.ResponseWriter, code ErrorCode, message string) {
	WriteError(w, code, message, nil)
}

func WriteErrorWithDetail(w http.ResponseWriter, code ErrorCode, message string, key string, value any) {
	WriteError(w, code, message, map[string]any{key: value})
}

// WriteErr writes a coded error as-is. Anything else is reported under
// fallback so internal error text never reaches the client.
func WriteErr(w http.ResponseWriter, err error, fallback ErrorCode, fallbackMessage string) {
	if coded, ok := asCoded(err); ok {
		WriteSimpleError(w, coded.Code, coded.Message)
		return
	}
	WriteSimpleError(w, fallback, fallbackMessage)
}
