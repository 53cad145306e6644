package errors

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewKeepsMessageAndKind(t *testing.T) {
	err := InvalidArgument("Ticks must be >= 1, got %d", 0)
	if err.Error() != "Ticks must be >= 1, got 0" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument")
	}
	if errors.Is(err, ErrClosed) {
		t.Fatalf("did not expect ErrClosed")
	}
}

func TestStatusRoundTrip(t *testing.T) {
	for _, kc := range kindCodes {
		t.Run(kc.kind.Error(), func(t *testing.T) {
			orig := fmt.Errorf("context: %w", New(kc.kind, "detail"))
			st := ToStatus(orig)
			s, ok := status.FromError(st)
			if !ok || s.Code() != kc.code {
				t.Fatalf("ToStatus code = %v, want %v", s.Code(), kc.code)
			}
			back := FromStatus(st)
			if !errors.Is(back, kc.kind) {
				t.Fatalf("FromStatus lost kind %v: %v", kc.kind, back)
			}
			if KindOf(back) != kc.kind {
				t.Fatalf("KindOf = %v, want %v", KindOf(back), kc.kind)
			}
		})
	}
}

func TestToStatusUnclassified(t *testing.T) {
	st := ToStatus(fmt.Errorf("disk on fire"))
	s, _ := status.FromError(st)
	if s.Code() != codes.Unknown || s.Message() != "disk on fire" {
		t.Fatalf("unexpected status %v", s)
	}
	back := FromStatus(st)
	if back.Error() != "disk on fire" {
		t.Fatalf("message not preserved: %q", back.Error())
	}
	if KindOf(back) != nil {
		t.Fatalf("unclassified error gained a kind")
	}
}

func TestFromStatusDeadline(t *testing.T) {
	back := FromStatus(status.Error(codes.DeadlineExceeded, "slow"))
	if !IsTimeout(back) {
		t.Fatalf("expected timeout, got %v", back)
	}
}

func TestNilPassThrough(t *testing.T) {
	if ToStatus(nil) != nil || FromStatus(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
