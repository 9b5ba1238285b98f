package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

// Config holds database connection configuration
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
}

// sqliteDefaults are appended to SQLite DSNs that do not set them
var sqliteDefaults = []struct{ key, value string }{
	{"_journal_mode", "WAL"},
	{"_busy_timeout", "5000"},
	{"_foreign_keys", "on"},
}

// DB is an open connection pool plus the dialect used to drive transactions
type DB struct {
	SQL     *sql.DB
	Dialect txn.Dialect
}

// Open opens and pings the database described by cfg
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dialect, err := txn.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	dsn := cfg.DSN
	if dialect.Name() == "sqlite3" {
		dsn = SQLiteDSN(dsn)
	}

	db, err := sql.Open(dialect.Name(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{SQL: db, Dialect: dialect}, nil
}

// SQLiteDSN adds WAL, busy timeout and foreign key parameters unless the DSN
// already sets them.
func SQLiteDSN(dsn string) string {
	var missing []string
	for _, p := range sqliteDefaults {
		if !strings.Contains(dsn, p.key+"=") {
			missing = append(missing, p.key+"="+p.value)
		}
	}
	if len(missing) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&")
}

// Executor returns a transaction executor bound to this database
func (db *DB) Executor(opts ...txn.ExecutorOption) *txn.Executor {
	return txn.NewExecutor(db.SQL, db.Dialect, opts...)
}

// Close closes the connection pool
func (db *DB) Close() error {
	return db.SQL.Close()
}

// ReportStats copies pool statistics into metrics every interval until ctx
// is done.
func (db *DB) ReportStats(ctx context.Context, metrics *observability.Metrics, interval time.Duration) {
	if metrics == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	metrics.RecordDBStats(db.SQL.Stats())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordDBStats(db.SQL.Stats())
		}
	}
}
