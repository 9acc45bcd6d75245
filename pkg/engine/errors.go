package engine

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies engine failures. OK means no error.
type Code int

const (
	OK Code = iota
	UnsupportedBackend
	InvalidArgument
	BackendFailure
	AlreadyFreed
	AlreadyRan
	Internal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case UnsupportedBackend:
		return "UnsupportedBackend"
	case InvalidArgument:
		return "InvalidArgument"
	case BackendFailure:
		return "BackendFailure"
	case AlreadyFreed:
		return "AlreadyFreed"
	case AlreadyRan:
		return "AlreadyRan"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the error value returned by every fallible engine operation.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

// Errorf builds an *Error with a formatted detail message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. An err that already carries a code keeps it.
func Wrap(code Code, err error, detail string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: code, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("%v: %s: %v", e.Code, e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%v: %s", e.Code, e.Detail)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: AlreadyFreed}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Detail == "" && t.Err == nil && t.Code == e.Code
}

// GRPCStatus lets status.FromError and the grpc server map engine codes onto the wire.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code.grpcCode(), e.Error())
}

func (c Code) grpcCode() codes.Code {
	switch c {
	case OK:
		return codes.OK
	case UnsupportedBackend:
		return codes.Unimplemented
	case InvalidArgument:
		return codes.InvalidArgument
	case AlreadyFreed, AlreadyRan:
		return codes.FailedPrecondition
	case BackendFailure:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// CodeOf extracts the engine code from err. nil is OK; errors without a code are Internal.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
