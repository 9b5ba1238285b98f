package txn

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// LockTimeoutError is returned when every attempt failed to acquire a lock
// in time. It is transient: the caller may re-issue the whole operation.
type LockTimeoutError struct {
	Attempts int
	Err      error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock not acquired after %d attempts: %v", e.Attempts, e.Err)
}

func (e *LockTimeoutError) Unwrap() error { return e.Err }

// DeadlockError is returned when the database chose this transaction as a
// deadlock victim or its snapshot went stale. It is never retried in place;
// the caller must re-issue the logical operation.
type DeadlockError struct {
	Err error
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("transaction deadlocked: %v", e.Err)
}

func (e *DeadlockError) Unwrap() error { return e.Err }

// TransactionError is a non-retryable database failure: a bad statement,
// a constraint the code should have prevented, a lost connection.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// IsLockTimeout reports whether err is or wraps a *LockTimeoutError
func IsLockTimeout(err error) bool {
	var target *LockTimeoutError
	return errors.As(err, &target)
}

// IsDeadlock reports whether err is or wraps a *DeadlockError
func IsDeadlock(err error) bool {
	var target *DeadlockError
	return errors.As(err, &target)
}

// IsRetryable reports whether re-issuing the whole operation may succeed
func IsRetryable(err error) bool {
	return IsLockTimeout(err) || IsDeadlock(err)
}

// stepError marks a failure of the executor's own statements (connect,
// begin, commit) as opposed to the unit of work.
type stepError struct {
	op  string
	err error
}

func (e *stepError) Error() string { return e.op + ": " + e.err.Error() }

func (e *stepError) Unwrap() error { return e.err }

// isDatabaseError reports whether err originated in the driver or
// database/sql rather than in business logic.
func isDatabaseError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return true
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone)
}
