package txn

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Class is the retry class of a database error
type Class int

const (
	ClassFatal Class = iota
	ClassLockTimeout
	ClassDeadlock
)

func (c Class) String() string {
	switch c {
	case ClassLockTimeout:
		return "lock_timeout"
	case ClassDeadlock:
		return "deadlock"
	default:
		return "fatal"
	}
}

// Postgres SQLSTATE codes
const (
	pqLockNotAvailable     = "55P03"
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
)

var lockSignatures = []string{
	"database is locked",
	"database table is locked",
	"database is busy",
	"sqlite_busy",
}

// Classify maps an error to its retry class. It has no side effects.
func Classify(err error) Class {
	if err == nil {
		return ClassFatal
	}

	var lockErr *LockTimeoutError
	if errors.As(err, &lockErr) {
		return ClassLockTimeout
	}
	var deadlockErr *DeadlockError
	if errors.As(err, &deadlockErr) {
		return ClassDeadlock
	}
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return ClassFatal
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// A WAL read snapshot that cannot be upgraded to a write never
		// succeeds on retry inside the same transaction.
		if sqliteErr.ExtendedCode == sqlite3.ErrBusySnapshot {
			return ClassDeadlock
		}
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ClassLockTimeout
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqLockNotAvailable:
			return ClassLockTimeout
		case pqDeadlockDetected, pqSerializationFailure:
			return ClassDeadlock
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range lockSignatures {
		if strings.Contains(msg, sig) {
			return ClassLockTimeout
		}
	}
	if strings.Contains(msg, "deadlock") {
		return ClassDeadlock
	}

	return ClassFatal
}
