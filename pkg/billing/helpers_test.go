package billing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/seatkeeper/pkg/seats"
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

type fixture struct {
	db       *storage.DB
	saga     *Saga
	alloc    *seats.Allocator
	provider *MockProvider
	clock    *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "billing.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, nil))

	clock := newFakeClock()
	provider := NewMockProvider()
	exec := db.Executor()
	opts = append([]Option{WithClock(clock.Now)}, opts...)

	return &fixture{
		db:       db,
		saga:     NewSaga(exec, provider, SagaConfig{ProviderTimeout: time.Second}, opts...),
		alloc:    seats.NewAllocator(exec, seats.DefaultConfig(), seats.WithClock(clock.Now)),
		provider: provider,
		clock:    clock,
	}
}

// tenant creates a subscription locally and at the provider
func (f *fixture) tenant(t *testing.T, tenantID string, seatsTotal int) *Subscription {
	t.Helper()
	ref := "sub_" + tenantID
	f.provider.Put(ProviderSubscription{Ref: ref, Status: "active", Quantity: int64(seatsTotal)})
	sub, err := f.saga.CreateSubscription(context.Background(), tenantID, ref, seatsTotal, StatusActive)
	require.NoError(t, err)
	return sub
}

func (f *fixture) get(t *testing.T, tenantID string) *Subscription {
	t.Helper()
	sub, err := f.saga.GetSubscription(context.Background(), tenantID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) calls(op string) []ProviderCall {
	var out []ProviderCall
	for _, c := range f.provider.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}
