package billing

import (
	"context"
	"time"
)

// Status represents the status of a subscription
type Status string

const (
	StatusTrial               Status = "trial"
	StatusActive              Status = "active"
	StatusCancellationPending Status = "cancellation_pending"
	StatusCanceled            Status = "canceled"
	StatusPastDue             Status = "past_due"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusCancellationPending, StatusCanceled, StatusPastDue:
		return true
	}
	return false
}

// Operation names a saga in flight
type Operation string

const (
	OperationUpdateSeats Operation = "update_seats"
	OperationCancel      Operation = "cancel"
)

// Subscription is a tenant's purchased capacity plus the saga marker
type Subscription struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	SeatsTotal        int        `json:"seats_total"`
	SeatsUsed         int        `json:"seats_used"`
	Status            Status     `json:"status"`
	ProviderRef       string     `json:"provider_ref"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	CanceledAt        *time.Time `json:"canceled_at,omitempty"`

	// Set while a saga is between intent and finalize/compensate
	PendingOperation    Operation  `json:"pending_operation,omitempty"`
	PriorStatus         Status     `json:"prior_status,omitempty"`
	PriorSeatsTotal     *int       `json:"prior_seats_total,omitempty"`
	TargetSeatsTotal    *int       `json:"target_seats_total,omitempty"`
	TransitionStartedAt *time.Time `json:"transition_started_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InTransition reports whether a saga has recorded intent but not settled
func (s *Subscription) InTransition() bool {
	return s.PendingOperation != ""
}

// ProviderSubscription is the provider's view of a subscription
type ProviderSubscription struct {
	Ref               string `json:"ref"`
	Status            string `json:"status"`
	Quantity          int64  `json:"quantity"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// Canceled reports whether the provider has ended the subscription
func (p *ProviderSubscription) Canceled() bool {
	return p.Status == "canceled"
}

// Provider is the external, non-transactional payment system. Mutating calls
// should honor the idempotency key carried by ctx, see IdempotencyKey.
type Provider interface {
	SetSeatQuantity(ctx context.Context, ref string, quantity int64) error
	CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool) error
	GetSubscription(ctx context.Context, ref string) (*ProviderSubscription, error)
}

type idempotencyKeyType struct{}

// WithIdempotencyKey attaches the key a provider should send with its
// mutating request
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyType{}, key)
}

// IdempotencyKey returns the key set by WithIdempotencyKey, or ""
func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyType{}).(string)
	return key
}
