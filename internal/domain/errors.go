package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAborted marks work abandoned because the caller went away or the
// selected student changed mid-request. It is never shown to the user.
var ErrAborted = errors.New("request aborted")

// GenericFailureMessage is shown when the upstream rejected a request without a message.
const GenericFailureMessage = "Something went wrong. Please try again."

// NetworkFailureMessage is shown when a user action could not reach the upstream.
const NetworkFailureMessage = "Network error, please check your connection and try again."

// AppError is a structured application error with HTTP status code.
type AppError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error constructors.

func ErrNotFound(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Message: msg}
}

func ErrBadRequest(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: http.StatusUnprocessableEntity, Message: msg}
}

func ErrConflict(msg string) *AppError {
	return &AppError{Code: http.StatusConflict, Message: msg}
}

// ErrUpstream wraps a request the student API rejected. msg is shown verbatim.
func ErrUpstream(msg string, err error) *AppError {
	if msg == "" {
		msg = GenericFailureMessage
	}
	return &AppError{Code: http.StatusBadGateway, Message: msg, Err: err}
}

// ErrUnavailable wraps a transport failure on a user-initiated action.
func ErrUnavailable(err error) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, Message: NetworkFailureMessage, Err: err}
}

func ErrInternal(msg string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: msg, Err: err}
}

// AsAppError attempts to extract an AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
