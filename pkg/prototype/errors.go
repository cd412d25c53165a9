package prototype

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies failures surfaced by the access layer
type ErrorKind int

const (
	// KindStateNotFound indicates the state does not exist locally or in the cluster
	KindStateNotFound ErrorKind = iota + 1
	// KindLeaderUnavailable indicates the local node is not (or no longer) the leader
	KindLeaderUnavailable
	// KindLeaderResigned indicates the resolver reported that the leader stepped down
	KindLeaderResigned
	// KindRemoteOperationFailed indicates the remote leader answered with a failure
	KindRemoteOperationFailed
	// KindMalformedResponse indicates a success response of unexpected shape
	KindMalformedResponse
	// KindUnsupportedRole indicates the node role supports neither strategy
	KindUnsupportedRole
)

// String returns the string representation of an error kind
func (k ErrorKind) String() string {
	switch k {
	case KindStateNotFound:
		return "state not found"
	case KindLeaderUnavailable:
		return "leader unavailable"
	case KindLeaderResigned:
		return "leader resigned"
	case KindRemoteOperationFailed:
		return "remote operation failed"
	case KindMalformedResponse:
		return "malformed response"
	case KindUnsupportedRole:
		return "unsupported role"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrStateNotFound         = &Error{Kind: KindStateNotFound}
	ErrLeaderUnavailable     = &Error{Kind: KindLeaderUnavailable}
	ErrLeaderResigned        = &Error{Kind: KindLeaderResigned}
	ErrRemoteOperationFailed = &Error{Kind: KindRemoteOperationFailed}
	ErrMalformedResponse     = &Error{Kind: KindMalformedResponse}
	ErrUnsupportedRole       = &Error{Kind: KindUnsupportedRole}
)

// Error is a structured access-layer error
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}

	// StatusCode is the HTTP status returned by a remote leader, 0 if none was received
	StatusCode int
	// ErrorNum is the error number reported by a remote leader, 0 if none
	ErrorNum int

	// Err is the underlying cause, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError creates a new access-layer error
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// IsRetryable returns true if the caller may retry after re-resolving the leader
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindLeaderUnavailable, KindLeaderResigned:
		return true
	default:
		return false
	}
}

// StateNotFoundError creates a state-not-found error
func StateNotFoundError(id StateID) *Error {
	return NewError(KindStateNotFound, fmt.Sprintf("failed to get prototype state with id %s", id)).
		WithDetail("state_id", id)
}

// LeaderUnavailableError creates an error for a node that does not hold leadership of id
func LeaderUnavailableError(id StateID) *Error {
	return NewError(KindLeaderUnavailable, fmt.Sprintf("failed to get leader of prototype state with id %s", id)).
		WithDetail("state_id", id)
}

// LeaderResignedError creates an error for a leader that stepped down
func LeaderResignedError(id StateID) *Error {
	return NewError(KindLeaderResigned, fmt.Sprintf("leader of prototype state with id %s resigned", id)).
		WithDetail("state_id", id)
}

// RemoteError creates an error carrying a remote failure verbatim
func RemoteError(statusCode, errorNum int, message string) *Error {
	if message == "" {
		message = http.StatusText(statusCode)
	}
	err := NewError(KindRemoteOperationFailed, message)
	err.StatusCode = statusCode
	err.ErrorNum = errorNum
	return err.WithDetail("status", statusCode).WithDetail("error_num", errorNum)
}

// MalformedResponseError creates an error for a response of unexpected shape
func MalformedResponseError(expected string, body []byte) *Error {
	return NewError(KindMalformedResponse, fmt.Sprintf("expected result containing %s in leader response: %s", expected, body)).
		WithDetail("expected", expected)
}

// UnsupportedRoleError creates a construction-time role error
func UnsupportedRoleError(role Role) *Error {
	return NewError(KindUnsupportedRole, fmt.Sprintf("api only available on coordinators or dbservers, not on role %q", role)).
		WithDetail("role", string(role))
}
