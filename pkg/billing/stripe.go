package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrProviderNotFound means the provider has no subscription with that ref
var ErrProviderNotFound = errors.New("provider subscription not found")

// StripeConfig configures the Stripe provider
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	// BackendURL overrides the API endpoint, for stripe-mock and tests
	BackendURL string
	// ProrationBehavior for quantity changes, default "create_prorations"
	ProrationBehavior string
}

// StripeProvider implements Provider using the Stripe API. Seat quantity
// lives on the subscription's first item.
type StripeProvider struct {
	client        *subscription.Client
	webhookSecret string
	proration     string
}

// NewStripeProvider creates a StripeProvider
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(2),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	proration := cfg.ProrationBehavior
	if proration == "" {
		proration = "create_prorations"
	}
	return &StripeProvider{
		client: &subscription.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.APIKey,
		},
		webhookSecret: cfg.WebhookSecret,
		proration:     proration,
	}
}

func (p *StripeProvider) get(ctx context.Context, ref string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.client.Get(ref, params)
	if err != nil {
		return nil, stripeError("get subscription", err)
	}
	return sub, nil
}

// SetSeatQuantity sets the quantity of the subscription's first item
func (p *StripeProvider) SetSeatQuantity(ctx context.Context, ref string, quantity int64) error {
	current, err := p.get(ctx, ref)
	if err != nil {
		return err
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return fmt.Errorf("billing: stripe subscription %s has no items", ref)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:       stripe.String(current.Items.Data[0].ID),
				Quantity: stripe.Int64(quantity),
			},
		},
		ProrationBehavior: stripe.String(p.proration),
	}
	params.Context = ctx
	if key := IdempotencyKey(ctx); key != "" {
		params.SetIdempotencyKey(key)
	}
	if _, err := p.client.Update(ref, params); err != nil {
		return stripeError("update subscription quantity", err)
	}
	return nil
}

// CancelSubscription cancels at period end or immediately
func (p *StripeProvider) CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool) error {
	key := IdempotencyKey(ctx)
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		if key != "" {
			params.SetIdempotencyKey(key)
		}
		if _, err := p.client.Update(ref, params); err != nil {
			return stripeError("schedule cancellation", err)
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if key != "" {
		params.SetIdempotencyKey(key)
	}
	if _, err := p.client.Cancel(ref, params); err != nil {
		return stripeError("cancel subscription", err)
	}
	return nil
}

// GetSubscription returns Stripe's view of the subscription
func (p *StripeProvider) GetSubscription(ctx context.Context, ref string) (*ProviderSubscription, error) {
	sub, err := p.get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return fromStripe(sub), nil
}

func fromStripe(sub *stripe.Subscription) *ProviderSubscription {
	ps := &ProviderSubscription{
		Ref:               sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		ps.Quantity = sub.Items.Data[0].Quantity
	}
	return ps
}

// ParseWebhook verifies a Stripe webhook and returns the subscription it
// carries. Events that are not about a subscription return nil, nil.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*ProviderSubscription, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("billing: webhook signature verification failed: %w", err)
	}

	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("billing: parse %s event: %w", event.Type, err)
		}
		return fromStripe(&sub), nil
	default:
		return nil, nil
	}
}

func stripeError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
		return fmt.Errorf("billing: stripe %s: %w: %s", op, ErrProviderNotFound, serr.Msg)
	}
	return fmt.Errorf("billing: stripe %s: %w", op, err)
}
