package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "seatkeeper.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare path", "/tmp/a.db", "/tmp/a.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"},
		{"existing query", "file:a.db?cache=shared", "file:a.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"},
		{"keeps explicit values", "a.db?_busy_timeout=100", "a.db?_busy_timeout=100&_journal_mode=WAL&_foreign_keys=on"},
		{"fully specified", "a.db?_journal_mode=DELETE&_busy_timeout=1&_foreign_keys=off", "a.db?_journal_mode=DELETE&_busy_timeout=1&_foreign_keys=off"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SQLiteDSN(tt.in))
		})
	}
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "sqlite3"})
	assert.Error(t, err)
}

func TestOpen_SQLite(t *testing.T) {
	db := openTestDB(t)
	assert.Equal(t, "sqlite3", db.Dialect.Name())

	var mode string
	require.NoError(t, db.SQL.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.SQL.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestReportStats(t *testing.T) {
	db := openTestDB(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	db.ReportStats(ctx, metrics, time.Hour)

	assert.Equal(t, float64(db.SQL.Stats().OpenConnections), testutil.ToFloat64(metrics.DBConnectionsOpen))

	// nil metrics returns immediately
	db.ReportStats(context.Background(), nil, time.Millisecond)
}
