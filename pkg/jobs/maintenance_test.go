package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/seatkeeper/pkg/billing"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
	"github.com/platinummonkey/seatkeeper/pkg/storage"
)

type maintenanceFixture struct {
	db       *storage.DB
	alloc    *seats.Allocator
	saga     *billing.Saga
	provider *billing.MockProvider
	sched    *Scheduler
	now      time.Time
}

func newMaintenanceFixture(t *testing.T) *maintenanceFixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "jobs.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, nil))

	f := &maintenanceFixture{
		db:       db,
		provider: billing.NewMockProvider(),
		now:      time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	exec := db.Executor()
	f.alloc = seats.NewAllocator(exec, seats.DefaultConfig(), seats.WithClock(clock))
	f.saga = billing.NewSaga(exec, f.provider, billing.SagaConfig{ProviderTimeout: time.Second}, billing.WithClock(clock))

	f.sched = NewScheduler(nil, time.Minute)
	reconciler := billing.NewReconciler(f.saga, billing.ReconcilerConfig{StaleAfter: time.Minute})
	for _, job := range Maintenance(DefaultSchedules(), reconciler, f.alloc, nil) {
		require.NoError(t, f.sched.Add(job))
	}
	return f
}

func (f *maintenanceFixture) tenant(t *testing.T, tenantID string, seatsTotal int) {
	t.Helper()
	ref := "sub_" + tenantID
	f.provider.Put(billing.ProviderSubscription{Ref: ref, Status: "active", Quantity: int64(seatsTotal)})
	_, err := f.saga.CreateSubscription(context.Background(), tenantID, ref, seatsTotal, billing.StatusActive)
	require.NoError(t, err)
}

func TestMaintenance_RegistersAll(t *testing.T) {
	f := newMaintenanceFixture(t)
	assert.ElementsMatch(t, []string{JobSagaReconcile, JobInvitationExpiry, JobSeatCountReconcile}, f.sched.Jobs())
}

func TestMaintenance_InvitationExpiry(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()
	f.tenant(t, "org-1", 2)

	_, err := f.alloc.ReserveInvitation(ctx, "org-1", "a@example.com", seats.RoleMember)
	require.NoError(t, err)

	f.now = f.now.Add(8 * 24 * time.Hour)
	require.NoError(t, f.sched.RunNow(JobInvitationExpiry))

	expired, err := f.alloc.ListInvitations(ctx, "org-1", seats.InvitationExpired)
	require.NoError(t, err)
	assert.Len(t, expired, 1)
}

func TestMaintenance_SeatCountReconcile(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()
	f.tenant(t, "org-1", 3)

	_, err := f.alloc.AssignSeat(ctx, "org-1", seats.Identity{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = f.db.SQL.Exec(`UPDATE subscriptions SET seats_used = 7 WHERE tenant_id = ?`, "org-1")
	require.NoError(t, err)

	require.NoError(t, f.sched.RunNow(JobSeatCountReconcile))

	usage, err := f.alloc.GetUsage(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, usage.SeatsUsed)
}

func TestMaintenance_SagaReconcile(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()
	f.tenant(t, "org-1", 2)

	// crashed mid-call after the provider applied the change
	_, err := f.db.SQL.Exec(
		`UPDATE subscriptions SET pending_operation = ?, prior_status = ?, prior_seats_total = ?,
		 target_seats_total = ?, transition_started_at = ? WHERE tenant_id = ?`,
		string(billing.OperationUpdateSeats), string(billing.StatusActive), 2, 4, f.now, "org-1")
	require.NoError(t, err)
	f.provider.Put(billing.ProviderSubscription{Ref: "sub_org-1", Status: "active", Quantity: 4})

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.sched.RunNow(JobSagaReconcile))

	sub, err := f.saga.GetSubscription(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 4, sub.SeatsTotal)
	assert.False(t, sub.InTransition())
}
