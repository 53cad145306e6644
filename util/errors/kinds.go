package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error kinds. Every error produced by the fabric wraps exactly one of these,
// so callers can test with errors.Is regardless of whether the error crossed
// an RPC boundary.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrSessionRequired     = errors.New("session required")
	ErrTerminated          = errors.New("terminated")
	ErrClosed              = errors.New("closed")
	ErrRegistrationFailure = errors.New("registration failure")
	ErrNotFound            = errors.New("not found")
	ErrNoSuitableAgent     = errors.New("no suitable agent")
	ErrAccessDenied        = errors.New("access denied")
)

var kindCodes = []struct {
	kind error
	code codes.Code
}{
	{ErrInvalidArgument, codes.InvalidArgument},
	{ErrUnknownOperation, codes.Unimplemented},
	{ErrSessionRequired, codes.Unauthenticated},
	{ErrTerminated, codes.FailedPrecondition},
	{ErrClosed, codes.Canceled},
	{ErrRegistrationFailure, codes.Unavailable},
	{ErrNotFound, codes.NotFound},
	{ErrNoSuitableAgent, codes.ResourceExhausted},
	{ErrAccessDenied, codes.PermissionDenied},
}

// Error is a classified error. Its message is shown verbatim; Kind is
// reachable through errors.Is.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// New creates an Error of the given kind with a formatted message.
func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// InvalidArgument is shorthand for New(ErrInvalidArgument, ...).
func InvalidArgument(format string, args ...any) *Error {
	return New(ErrInvalidArgument, format, args...)
}

// KindOf returns the kind wrapped by err, or nil if err is unclassified.
func KindOf(err error) error {
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.kind
		}
	}
	return nil
}

// ToStatus converts err into a gRPC status error carrying the code of its kind.
// Unclassified errors become codes.Unknown with the message preserved.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return status.Error(kc.code, err.Error())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}

// FromStatus restores the error kind from a gRPC status error produced by ToStatus.
// Errors that are not gRPC statuses, or that carry no kind code, are returned as is.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	if s.Code() == codes.DeadlineExceeded {
		return NewTimeoutError("rpc", "", fmt.Errorf("%s: %w", s.Message(), context.DeadlineExceeded))
	}
	for _, kc := range kindCodes {
		if kc.code == s.Code() {
			return &Error{Kind: kc.kind, Msg: s.Message()}
		}
	}
	if s.Code() == codes.Unknown {
		return errors.New(s.Message())
	}
	return err
}
