//go:build integration

package seats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/seatkeeper/pkg/storage"
)

func setupPostgres(t *testing.T) *storage.DB {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("seatkeeper_test"),
		postgres.WithUsername("seatkeeper"),
		postgres.WithPassword("seatkeeper_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := storage.Open(ctx, storage.Config{Driver: "postgres", DSN: dsn, MaxOpenConns: 20})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, storage.Migrate(ctx, db, nil))
	return db
}

func seedPostgresSubscription(t *testing.T, db *storage.DB, tenantID string, seatsTotal int) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.SQL.Exec(
		`INSERT INTO subscriptions (id, tenant_id, provider_ref, seats_total, seats_used, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, 'active', $5, $5)`,
		uuid.NewString(), tenantID, "sub_"+tenantID, seatsTotal, now,
	)
	require.NoError(t, err)
}

func TestPostgres_AssignSeatNoOversell(t *testing.T) {
	db := setupPostgres(t)
	alloc := NewAllocator(db.Executor(), DefaultConfig())
	seedPostgresSubscription(t, db, "org-1", 5)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		other   []error
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := alloc.AssignSeat(context.Background(), "org-1", Identity{Email: fmt.Sprintf("u%d@x.com", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case !errors.Is(err, ErrQuotaExceeded):
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, other)
	assert.Equal(t, 5, granted)

	var used, active int
	require.NoError(t, db.SQL.QueryRow(`SELECT seats_used FROM subscriptions WHERE tenant_id = $1`, "org-1").Scan(&used))
	require.NoError(t, db.SQL.QueryRow(`SELECT COUNT(*) FROM seat_assignments WHERE tenant_id = $1 AND is_active`, "org-1").Scan(&active))
	assert.Equal(t, 5, used)
	assert.Equal(t, 5, active)
}

func TestPostgres_ReservationsShareCapacity(t *testing.T) {
	db := setupPostgres(t)
	alloc := NewAllocator(db.Executor(), DefaultConfig())
	seedPostgresSubscription(t, db, "org-1", 2)
	ctx := context.Background()

	_, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)
	inv, err := alloc.ReserveInvitation(ctx, "org-1", "b@x.com", RoleMember)
	require.NoError(t, err)

	_, err = alloc.ReserveInvitation(ctx, "org-1", "c@x.com", RoleMember)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	seat, err := alloc.AcceptInvitation(ctx, inv.Token, "user-b")
	require.NoError(t, err)
	assert.Equal(t, "b@x.com", seat.Email)

	usage, err := alloc.GetUsage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, usage.ActiveSeats)
	assert.Zero(t, usage.Available)
}
