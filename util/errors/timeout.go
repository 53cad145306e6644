package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TimeoutError reports that a fabric call gave up waiting. Target names the
// container or agent the call was aimed at and may be empty.
type TimeoutError struct {
	Operation string
	Target    string
	Err       error
}

func (e *TimeoutError) Error() string {
	what := e.Operation
	if e.Target != "" {
		what += " " + e.Target
	}
	return fmt.Sprintf("%s timed out: %v", what, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Timeout lets TimeoutError satisfy the net.Error style timeout check.
func (e *TimeoutError) Timeout() bool { return true }

// NewTimeoutError wraps err as a timeout of operation against target.
func NewTimeoutError(operation, target string, err error) *TimeoutError {
	if err == nil {
		err = context.DeadlineExceeded
	}
	return &TimeoutError{Operation: operation, Target: target, Err: err}
}

type timeouter interface{ Timeout() bool }

// IsTimeout reports whether err, or anything it wraps, is a timeout: a
// TimeoutError, context.DeadlineExceeded, an error with a true Timeout
// method or a gRPC DeadlineExceeded status.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return status.Code(err) == codes.DeadlineExceeded
}
