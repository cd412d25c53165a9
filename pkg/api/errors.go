package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/therealutkarshpriyadarshi/protostate/pkg/codec"
	"github.com/therealutkarshpriyadarshi/protostate/pkg/prototype"
)

// Error numbers reported in the errorNum field of failure bodies
const (
	ErrNumInternal          = 4
	ErrNumBadParameter      = 10
	ErrNumRequestCanceled   = 21
	ErrNumKeyNotFound       = 1202
	ErrNumStateNotFound     = 1203
	ErrNumLeaderResigned    = 1423
	ErrNumLeaderUnavailable = 1496
)

// Error is a failure reported to REST clients
type Error struct {
	Code     int
	ErrorNum int
	Message  string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Message
}

// NewError creates a new API error
func NewError(code, errorNum int, message string) *Error {
	return &Error{
		Code:     code,
		ErrorNum: errorNum,
		Message:  message,
	}
}

// ErrBadRequest creates an invalid request error
func ErrBadRequest(format string, args ...interface{}) *Error {
	return NewError(http.StatusBadRequest, ErrNumBadParameter, "invalid request: "+fmt.Sprintf(format, args...))
}

// ErrKeyNotFound creates the answer to a single get of an absent key
func ErrKeyNotFound(key string) *Error {
	return NewError(http.StatusNotFound, ErrNumKeyNotFound, fmt.Sprintf("key not found: %s", key))
}

// ErrInternal creates an internal error
func ErrInternal(err error) *Error {
	return NewError(http.StatusInternalServerError, ErrNumInternal, fmt.Sprintf("internal error: %v", err))
}

// FromError converts an access-layer failure into its REST form.
// Remote failures keep the status and error number of the leader.
func FromError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, codec.ErrDecode) {
		return ErrBadRequest("%v", err)
	}

	var perr *prototype.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case prototype.KindStateNotFound:
			return NewError(http.StatusNotFound, ErrNumStateNotFound, perr.Error())
		case prototype.KindLeaderUnavailable:
			return NewError(http.StatusServiceUnavailable, ErrNumLeaderUnavailable, perr.Error())
		case prototype.KindLeaderResigned:
			return NewError(http.StatusServiceUnavailable, ErrNumLeaderResigned, perr.Error())
		case prototype.KindRemoteOperationFailed:
			code := perr.StatusCode
			if code == 0 {
				code = http.StatusBadGateway
			}
			errorNum := perr.ErrorNum
			if errorNum == 0 {
				errorNum = ErrNumInternal
			}
			return NewError(code, errorNum, perr.Message)
		default:
			return NewError(http.StatusInternalServerError, ErrNumInternal, perr.Error())
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(http.StatusGatewayTimeout, ErrNumRequestCanceled, err.Error())
	case errors.Is(err, context.Canceled):
		return NewError(http.StatusServiceUnavailable, ErrNumRequestCanceled, err.Error())
	default:
		return ErrInternal(err)
	}
}
