package billing

import (
	"context"
	"sync"
)

// ProviderCall is one recorded call to MockProvider
type ProviderCall struct {
	Op             string
	Ref            string
	Quantity       int64
	AtPeriodEnd    bool
	IdempotencyKey string
}

// MockProvider is an in-memory Provider for tests and local runs
type MockProvider struct {
	mu    sync.Mutex
	subs  map[string]*ProviderSubscription
	fail  map[string]error
	calls []ProviderCall

	// Hook runs inside every call before the outcome is decided
	Hook func(ctx context.Context, op string)
	// AutoCreate makes unknown refs spring into existence as active
	// subscriptions, for running without a real provider
	AutoCreate bool
}

// NewMockProvider creates an empty MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		subs: make(map[string]*ProviderSubscription),
		fail: make(map[string]error),
	}
}

// Put stores a subscription as the provider's current state
func (m *MockProvider) Put(sub ProviderSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Ref] = &sub
}

// Fail makes every later call to op return err. A nil err clears it.
// Ops are "set_seat_quantity", "cancel_subscription" and "get_subscription".
func (m *MockProvider) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// Calls returns the calls made so far
func (m *MockProvider) Calls() []ProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProviderCall(nil), m.calls...)
}

func (m *MockProvider) begin(ctx context.Context, call ProviderCall) error {
	if m.Hook != nil {
		m.Hook(ctx, call.Op)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	call.IdempotencyKey = IdempotencyKey(ctx)
	m.calls = append(m.calls, call)
	return m.fail[call.Op]
}

func (m *MockProvider) lookup(ref string) (*ProviderSubscription, error) {
	sub, ok := m.subs[ref]
	if !ok {
		if !m.AutoCreate {
			return nil, ErrProviderNotFound
		}
		sub = &ProviderSubscription{Ref: ref, Status: "active"}
		m.subs[ref] = sub
	}
	return sub, nil
}

func (m *MockProvider) SetSeatQuantity(ctx context.Context, ref string, quantity int64) error {
	if err := m.begin(ctx, ProviderCall{Op: "set_seat_quantity", Ref: ref, Quantity: quantity}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.lookup(ref)
	if err != nil {
		return err
	}
	sub.Quantity = quantity
	return nil
}

func (m *MockProvider) CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool) error {
	if err := m.begin(ctx, ProviderCall{Op: "cancel_subscription", Ref: ref, AtPeriodEnd: atPeriodEnd}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.lookup(ref)
	if err != nil {
		return err
	}
	if atPeriodEnd {
		sub.CancelAtPeriodEnd = true
	} else {
		sub.Status = "canceled"
	}
	return nil
}

func (m *MockProvider) GetSubscription(ctx context.Context, ref string) (*ProviderSubscription, error) {
	if err := m.begin(ctx, ProviderCall{Op: "get_subscription", Ref: ref}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.lookup(ref)
	if err != nil {
		return nil, err
	}
	out := *sub
	return &out, nil
}
