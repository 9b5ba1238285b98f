package seats

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/seatkeeper/pkg/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "seats.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.Migrate(ctx, db, nil))
	return db
}

func newTestAllocator(t *testing.T, cfg Config, opts ...Option) (*Allocator, *storage.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewAllocator(db.Executor(), cfg, opts...), db
}

func seedSubscription(t *testing.T, db *storage.DB, tenantID string, seatsTotal int, status string) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := db.SQL.Exec(
		`INSERT INTO subscriptions (id, tenant_id, provider_ref, seats_total, seats_used, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, tenantID, "sub_"+tenantID, seatsTotal, status, now, now,
	)
	require.NoError(t, err)
	return id
}

func seatsUsed(t *testing.T, db *storage.DB, tenantID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL.QueryRow(`SELECT seats_used FROM subscriptions WHERE tenant_id = ?`, tenantID).Scan(&n))
	return n
}

func activeSeats(t *testing.T, db *storage.DB, tenantID string) int {
	t.Helper()
	var n int
	require.NoError(t, db.SQL.QueryRow(`SELECT COUNT(*) FROM seat_assignments WHERE tenant_id = ? AND is_active = ?`, tenantID, true).Scan(&n))
	return n
}
