package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed", New(NotFound, "crew missing"), NotFound},
		{"wrapped typed", fmt.Errorf("outer: %w", New(Conflict, "busy")), Conflict},
		{"deadline", context.DeadlineExceeded, DeadlineExceeded},
		{"canceled", context.Canceled, Cancelled},
		{"wrapped canceled", fmt.Errorf("run: %w", context.Canceled), Cancelled},
		{"foreign", errors.New("boom"), Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindOfNil(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil) = %q, want empty", got)
	}
}

func TestInternalfMintsCorrelationID(t *testing.T) {
	cause := errors.New("disk full")
	err := Internalf(cause, "write deliverable")
	if err.CorrelationID == "" {
		t.Fatal("expected a correlation id")
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause should survive wrapping")
	}
	if CorrelationOf(fmt.Errorf("outer: %w", err)) != err.CorrelationID {
		t.Fatal("correlation id should be reachable through wrapping")
	}
}

func TestInternalfPreservesClassifiedKind(t *testing.T) {
	classified := New(Unavailable, "store temporarily unavailable")
	err := Internalf(fmt.Errorf("enqueue: %w", classified), "enqueue instruction")
	if !Is(err, Unavailable) {
		t.Fatalf("kind = %q, classified errors must not be demoted to internal", KindOf(err))
	}
	if err.Error() != classified.Error() {
		t.Fatalf("message = %q, want the original %q", err.Error(), classified.Error())
	}
}

func TestErrorMessageShape(t *testing.T) {
	err := New(RateLimited, "hourly quota exhausted")
	if got := err.Error(); got != "rate_limited: hourly quota exhausted" {
		t.Fatalf("unexpected message %q", got)
	}
	bare := &Error{Kind: Unavailable}
	if got := bare.Error(); got != "unavailable" {
		t.Fatalf("unexpected bare message %q", got)
	}
}

func TestCodeMappings(t *testing.T) {
	cases := []struct {
		kind Kind
		rpc  int
		http int
	}{
		{Unauthenticated, -32001, http.StatusUnauthorized},
		{Forbidden, -32003, http.StatusForbidden},
		{RateLimited, -32029, http.StatusTooManyRequests},
		{InvalidArgument, -32602, http.StatusBadRequest},
		{NotFound, -32004, http.StatusNotFound},
		{Conflict, -32009, http.StatusConflict},
		{Misconfigured, -32005, http.StatusInternalServerError},
		{Unavailable, -32002, http.StatusServiceUnavailable},
		{DeadlineExceeded, -32008, http.StatusGatewayTimeout},
		{Cancelled, -32012, 499},
		{Internal, -32603, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := JSONRPCCode(tc.kind); got != tc.rpc {
			t.Errorf("JSONRPCCode(%s) = %d, want %d", tc.kind, got, tc.rpc)
		}
		if got := HTTPStatus(tc.kind); got != tc.http {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.http)
		}
	}
}
