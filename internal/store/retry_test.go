package store

import (
	"context"
	"errors"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/evolvant/cohort/internal/fault"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"conn reset", syscall.ECONNRESET, true},
		{"eof", io.EOF, true},
		{"wrapped reset", errors.Join(errors.New("exec"), syscall.ECONNRESET), true},
		{"mysql deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, true},
		{"mysql lock wait", &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout"}, true},
		{"mysql duplicate", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, false},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("%s: IsTransient = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return syscall.ECONNRESET
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryNonTransientReturnsFirstFailure(t *testing.T) {
	boom := errors.New("constraint violated")
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want the original error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, non-transient errors must not retry", calls)
	}
}

func TestRetryExhaustionIsUnavailable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return syscall.ECONNRESET
	})
	if !fault.Is(err, fault.Unavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if calls != retryAttempts {
		t.Fatalf("calls = %d, want %d", calls, retryAttempts)
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatal("cause not preserved through the wrap")
	}
}

func TestRetryHonorsContextDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	start := time.Now()
	err := Retry(ctx, func() error {
		calls++
		return syscall.ECONNRESET
	})
	if !fault.Is(err, fault.Unavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, expired context must stop the retries", calls)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatal("retry slept past an expired context")
	}
}
