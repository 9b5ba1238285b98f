package txn

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Session is an open transaction on a dedicated connection
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Dialect knows how to open a transaction at a given isolation on one
// database engine and how to spell engine-specific SQL.
type Dialect interface {
	Name() string
	Begin(ctx context.Context, conn *sql.Conn, opts Options) (Session, error)
	// Rebind rewrites ? placeholders into the engine's bind syntax
	Rebind(query string) string
	// ForUpdate returns the row-lock suffix for SELECTs in immediate work
	ForUpdate() string
}

// SQLite drives transactions with raw BEGIN statements so the lock strength
// is explicit. database/sql's BeginTx cannot express IMMEDIATE or EXCLUSIVE.
type SQLite struct{}

var _ Dialect = SQLite{}

// Name is the database/sql driver name
func (SQLite) Name() string { return "sqlite3" }

func (SQLite) Rebind(query string) string { return query }

func (SQLite) ForUpdate() string { return "" }

// Begin sets busy_timeout from opts.Timeout, then issues BEGIN at the
// requested strength on conn
func (SQLite) Begin(ctx context.Context, conn *sql.Conn, opts Options) (Session, error) {
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = "+strconv.FormatInt(opts.Timeout.Milliseconds(), 10)); err != nil {
		return nil, err
	}

	var stmt string
	switch opts.Isolation {
	case Immediate:
		stmt = "BEGIN IMMEDIATE"
	case Exclusive:
		stmt = "BEGIN EXCLUSIVE"
	default:
		stmt = "BEGIN DEFERRED"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return nil, err
	}
	return &sqliteSession{conn: conn}, nil
}

type sqliteSession struct {
	conn *sql.Conn
}

func (s *sqliteSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *sqliteSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.conn.QueryContext(ctx, query, args...)
}

func (s *sqliteSession) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.conn.QueryRowContext(ctx, query, args...)
}

func (s *sqliteSession) Commit(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, "COMMIT")
	return err
}

func (s *sqliteSession) Rollback(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, "ROLLBACK")
	if err != nil && strings.Contains(err.Error(), "no transaction is active") {
		// SQLite already rolled back on its own (e.g. after SQLITE_FULL)
		return nil
	}
	if err != nil {
		// Never hand a connection with an open transaction back to the pool.
		_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	return err
}

// Postgres maps lock strengths onto isolation levels and bounds lock waits
// with lock_timeout. Immediate work serializes per tenant by reading the
// subscription row with ForUpdate.
type Postgres struct{}

var _ Dialect = Postgres{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) ForUpdate() string { return " FOR UPDATE" }

// Begin opens a read committed (serializable for Exclusive) transaction
// and applies opts.Timeout as lock_timeout
func (Postgres) Begin(ctx context.Context, conn *sql.Conn, opts Options) (Session, error) {
	level := sql.LevelReadCommitted
	if opts.Isolation == Exclusive {
		level = sql.LevelSerializable
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: level})
	if err != nil {
		return nil, err
	}

	// SET does not accept bind parameters
	timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", opts.Timeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, timeout); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &pgSession{tx: tx}, nil
}

// Rebind rewrites ? into $1..$n, leaving quoted literals alone
func (Postgres) Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

type pgSession struct {
	tx *sql.Tx
}

func (s *pgSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *pgSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.tx.QueryContext(ctx, query, args...)
}

func (s *pgSession) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *pgSession) Commit(context.Context) error {
	return s.tx.Commit()
}

func (s *pgSession) Rollback(context.Context) error {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// DialectFor returns the dialect for a database/sql driver name
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "sqlite3", "sqlite":
		return SQLite{}, nil
	case "postgres", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}
}
