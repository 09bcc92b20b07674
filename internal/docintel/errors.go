package docintel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote failure
type ErrorKind string

const (
	// KindUnavailable covers transport errors, timeouts and 5xx/429 answers
	KindUnavailable ErrorKind = "unavailable"
	// KindRejected covers 4xx answers, explicit failures and malformed bodies
	KindRejected ErrorKind = "rejected"
)

// RemoteServiceError is returned for every failed call to the remote service
type RemoteServiceError struct {
	Op         string
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	msg := fmt.Sprintf("docintel %s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the call may succeed
func (e *RemoteServiceError) Retryable() bool {
	return e.Kind == KindUnavailable
}

// IsRetryable reports whether err is a retryable remote failure
func IsRetryable(err error) bool {
	var remoteErr *RemoteServiceError
	return errors.As(err, &remoteErr) && remoteErr.Retryable()
}

func unavailable(op string, status int, message string, err error) *RemoteServiceError {
	return &RemoteServiceError{Op: op, Kind: KindUnavailable, StatusCode: status, Message: message, Err: err}
}

func rejected(op string, status int, message string, err error) *RemoteServiceError {
	return &RemoteServiceError{Op: op, Kind: KindRejected, StatusCode: status, Message: message, Err: err}
}
