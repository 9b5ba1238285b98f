package seats

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

func TestAssignSeat_Grants(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	alloc, db := newTestAllocator(t, DefaultConfig(), WithMetrics(metrics))
	subID := seedSubscription(t, db, "org-1", 3, "active")

	seat, err := alloc.AssignSeat(context.Background(), "org-1", Identity{UserID: "u1", Email: "  Alice@Example.COM "})
	require.NoError(t, err)

	assert.NotEmpty(t, seat.ID)
	assert.Equal(t, "org-1", seat.TenantID)
	assert.Equal(t, subID, seat.SubscriptionID)
	assert.Equal(t, "alice@example.com", seat.Email)
	assert.True(t, seat.IsActive)
	assert.Equal(t, 1, seatsUsed(t, db, "org-1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QuotaDecisionsTotal.WithLabelValues("seat", "granted")))
}

func TestAssignSeat_Idempotent(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 2, "active")
	ctx := context.Background()

	first, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)
	second, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "A@X.com"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, activeSeats(t, db, "org-1"))
	assert.Equal(t, 1, seatsUsed(t, db, "org-1"))
}

func TestAssignSeat_IdempotentWhenFull(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 1, "active")
	ctx := context.Background()

	first, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)

	again, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err, "existing holder is not refused by a full tenant")
	assert.Equal(t, first.ID, again.ID)
}

func TestAssignSeat_QuotaExceeded(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 1, "active")
	ctx := context.Background()

	_, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)

	_, err = alloc.AssignSeat(ctx, "org-1", Identity{Email: "b@x.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, 1, quotaErr.Current)
	assert.Equal(t, 1, quotaErr.Limit)
	assert.Equal(t, 1, activeSeats(t, db, "org-1"))
}

func TestAssignSeat_Validation(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-done", 5, "canceled")
	ctx := context.Background()

	tests := []struct {
		name     string
		tenant   string
		identity Identity
		want     error
	}{
		{"empty email", "org-1", Identity{}, ErrInvalidIdentity},
		{"no at sign", "org-1", Identity{Email: "alice"}, ErrInvalidIdentity},
		{"empty tenant", "", Identity{Email: "a@x.com"}, ErrInvalidIdentity},
		{"unknown tenant", "org-missing", Identity{Email: "a@x.com"}, ErrSubscriptionNotFound},
		{"canceled subscription", "org-done", Identity{Email: "a@x.com"}, ErrSubscriptionInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := alloc.AssignSeat(ctx, tt.tenant, tt.identity)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAssignSeat_NoOversell(t *testing.T) {
	const seatsTotal, callers = 5, 20

	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", seatsTotal, "active")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		granted  int
		refused  int
		failures []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := alloc.AssignSeat(context.Background(), "org-1", Identity{Email: fmt.Sprintf("user%d@x.com", i)})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrQuotaExceeded):
				refused++
			default:
				failures = append(failures, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Empty(t, failures)
	assert.Equal(t, seatsTotal, granted)
	assert.Equal(t, callers-seatsTotal, refused)
	assert.Equal(t, seatsTotal, activeSeats(t, db, "org-1"))
	assert.Equal(t, seatsTotal, seatsUsed(t, db, "org-1"))
}

func TestAssignSeat_ConcurrentSameIdentity(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 5, "active")

	ids := make([]string, 8)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seat, err := alloc.AssignSeat(context.Background(), "org-1", Identity{Email: "same@x.com"})
			if assert.NoError(t, err) {
				ids[i] = seat.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, activeSeats(t, db, "org-1"))
}

// org-1 has two seats and one already in use; two new people race for the last one.
func TestAssignSeat_LastSeatRace(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 2, "active")
	ctx := context.Background()

	_, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "owner@x.com"})
	require.NoError(t, err)
	require.Equal(t, 1, seatsUsed(t, db, "org-1"))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, email := range []string{"a@x.com", "b@x.com"} {
		wg.Add(1)
		go func(i int, email string) {
			defer wg.Done()
			_, errs[i] = alloc.AssignSeat(ctx, "org-1", Identity{Email: email})
		}(i, email)
	}
	wg.Wait()

	succeeded, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrQuotaExceeded):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, refused)
	assert.Equal(t, 2, seatsUsed(t, db, "org-1"))
}

func TestAssignSeat_ConsumesReservation(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 2, "active")
	ctx := context.Background()

	_, err := alloc.ReserveInvitation(ctx, "org-1", "a@x.com", RoleMember)
	require.NoError(t, err)

	_, err = alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)

	usage, err := alloc.GetUsage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.ActiveSeats)
	assert.Equal(t, 0, usage.PendingInvitations)
	assert.Equal(t, 1, usage.Available)
}

func TestRemoveSeat(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 1, "active")
	ctx := context.Background()

	seat, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)

	removed, err := alloc.RemoveSeat(ctx, "org-other", seat.ID)
	require.NoError(t, err)
	assert.False(t, removed, "assignments are scoped to their tenant")

	removed, err = alloc.RemoveSeat(ctx, "org-1", seat.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, seatsUsed(t, db, "org-1"))

	removed, err = alloc.RemoveSeat(ctx, "org-1", seat.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	got, err := alloc.GetSeat(ctx, "org-1", seat.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.DeactivatedAt)

	// the freed seat can be taken again, by the same email too
	again, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)
	assert.NotEqual(t, seat.ID, again.ID)

	_, err = alloc.GetSeat(ctx, "org-1", "missing")
	assert.ErrorIs(t, err, ErrAssignmentNotFound)
}

func TestListSeats(t *testing.T) {
	alloc, db := newTestAllocator(t, DefaultConfig())
	seedSubscription(t, db, "org-1", 3, "active")
	ctx := context.Background()

	a, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)
	_, err = alloc.AssignSeat(ctx, "org-1", Identity{Email: "b@x.com"})
	require.NoError(t, err)
	_, err = alloc.RemoveSeat(ctx, "org-1", a.ID)
	require.NoError(t, err)

	active, err := alloc.ListSeats(ctx, "org-1", false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b@x.com", active[0].Email)

	all, err := alloc.ListSeats(ctx, "org-1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReconcileSeatCounts(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	alloc, db := newTestAllocator(t, DefaultConfig(), WithMetrics(metrics))
	seedSubscription(t, db, "org-1", 3, "active")
	seedSubscription(t, db, "org-2", 3, "active")
	ctx := context.Background()

	_, err := alloc.AssignSeat(ctx, "org-1", Identity{Email: "a@x.com"})
	require.NoError(t, err)
	_, err = alloc.AssignSeat(ctx, "org-2", Identity{Email: "a@x.com"})
	require.NoError(t, err)

	_, err = db.SQL.Exec(`UPDATE subscriptions SET seats_used = 42 WHERE tenant_id = 'org-1'`)
	require.NoError(t, err)

	fixed, err := alloc.ReconcileSeatCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fixed)
	assert.Equal(t, 1, seatsUsed(t, db, "org-1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReconciledTotal.WithLabelValues("seats_used", "fixed")))

	fixed, err = alloc.ReconcileSeatCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, fixed)
}

func TestAssignSeat_LockTimeoutSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.LockTimeout = 10 * time.Millisecond
	alloc := NewAllocator(txn.NewExecutor(db, txn.SQLite{}), cfg, WithMetrics(metrics))

	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta("PRAGMA busy_timeout = 10")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("BEGIN IMMEDIATE").WillReturnError(sqlite3.Error{Code: sqlite3.ErrBusy})
	}

	_, err = alloc.AssignSeat(context.Background(), "org-1", Identity{Email: "a@x.com"})

	var lockErr *txn.LockTimeoutError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, 2, lockErr.Attempts)
	assert.False(t, IsQuotaExceeded(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QuotaDecisionsTotal.WithLabelValues("seat", "contended")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignSeat_RollsBackWhenCacheWriteFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	alloc := NewAllocator(txn.NewExecutor(db, txn.SQLite{}), DefaultConfig())

	mock.ExpectExec("PRAGMA busy_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("BEGIN IMMEDIATE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, seats_total, seats_used, status FROM subscriptions").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "seats_total", "seats_used", "status"}).AddRow("sub-1", 2, 0, "active"))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM seat_assignments").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT id, tenant_id, subscription_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM pending_invitations").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO seat_assignments").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE pending_invitations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE subscriptions SET seats_used").WillReturnError(sqlite3.Error{Code: sqlite3.ErrIoErr})
	mock.ExpectExec("ROLLBACK").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = alloc.AssignSeat(context.Background(), "org-1", Identity{Email: "a@x.com"})

	var txErr *txn.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
