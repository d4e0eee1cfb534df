package store

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"

	"github.com/evolvant/cohort/internal/fault"
)

// Retry policy for transient driver failures. Four attempts with the delays
// below stay well inside the smallest tool deadline.
const (
	retryAttempts = 4
	retryBase     = 25 * time.Millisecond
	retryCap      = 400 * time.Millisecond
)

// sqlite primary result codes for lock contention.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// IsTransient reports whether err is a short-lived driver failure worth
// retrying: lock contention, deadlocks and dropped connections. Constraint
// violations and plain application errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		code := pe.SQLState()
		// class 08 is connection exception; 40001/40P01 are retryable aborts
		return len(code) >= 2 && code[:2] == "08" || code == "40001" || code == "40P01"
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		// lock wait timeout, deadlock
		return me.Number == 1205 || me.Number == 1213
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, mysql.ErrInvalidConn)
}

// Retry runs fn, backing off exponentially on transient driver errors until
// the attempts run out or ctx expires. Non-transient errors return
// unchanged on the first failure; exhaustion and context expiry surface as
// Unavailable so callers can tell contention from bugs.
func Retry(ctx context.Context, fn func() error) error {
	delay := retryBase
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Unavailable, err, "store temporarily unavailable")
		case <-time.After(delay):
		}
		if delay *= 2; delay > retryCap {
			delay = retryCap
		}
	}
	return fault.Wrap(fault.Unavailable, err, "store temporarily unavailable")
}
