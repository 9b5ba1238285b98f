package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const subscriptionJSON = `{
	"id": "sub_123",
	"object": "subscription",
	"status": "active",
	"cancel_at_period_end": %s,
	"items": {"object": "list", "data": [{"id": "si_1", "object": "subscription_item", "quantity": 3}]}
}`

type stripeRequest struct {
	Method         string
	Path           string
	Form           map[string]string
	IdempotencyKey string
}

type fakeStripe struct {
	mu       sync.Mutex
	requests []stripeRequest
	status   int
	body     string
}

func (s *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := make(map[string]string)
	for k := range r.Form {
		form[k] = r.Form.Get(k)
	}

	s.mu.Lock()
	s.requests = append(s.requests, stripeRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Form:           form,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	status, body := s.status, s.body
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (s *fakeStripe) last() stripeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newStripeTest(t *testing.T, status int, body string) (*StripeProvider, *fakeStripe) {
	t.Helper()
	fake := &fakeStripe{status: status, body: body}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	return NewStripeProvider(StripeConfig{
		APIKey:        "sk_test_123",
		WebhookSecret: "whsec_test",
		BackendURL:    server.URL,
	}), fake
}

func subscriptionBody(cancelAtPeriodEnd bool) string {
	if cancelAtPeriodEnd {
		return fmt.Sprintf(subscriptionJSON, "true")
	}
	return fmt.Sprintf(subscriptionJSON, "false")
}

func TestStripeProvider_GetSubscription(t *testing.T) {
	p, fake := newStripeTest(t, http.StatusOK, subscriptionBody(false))

	sub, err := p.GetSubscription(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, &ProviderSubscription{Ref: "sub_123", Status: "active", Quantity: 3}, sub)

	req := fake.last()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/v1/subscriptions/sub_123", req.Path)
}

func TestStripeProvider_SetSeatQuantity(t *testing.T) {
	p, fake := newStripeTest(t, http.StatusOK, subscriptionBody(false))

	ctx := WithIdempotencyKey(context.Background(), "sub-1-update_seats-42")
	require.NoError(t, p.SetSeatQuantity(ctx, "sub_123", 7))

	req := fake.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/subscriptions/sub_123", req.Path)
	assert.Equal(t, "si_1", req.Form["items[0][id]"])
	assert.Equal(t, "7", req.Form["items[0][quantity]"])
	assert.Equal(t, "create_prorations", req.Form["proration_behavior"])
	assert.Equal(t, "sub-1-update_seats-42", req.IdempotencyKey)
}

func TestStripeProvider_CancelAtPeriodEnd(t *testing.T) {
	p, fake := newStripeTest(t, http.StatusOK, subscriptionBody(true))

	require.NoError(t, p.CancelSubscription(context.Background(), "sub_123", true))

	req := fake.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "true", req.Form["cancel_at_period_end"])
}

func TestStripeProvider_CancelImmediately(t *testing.T) {
	p, fake := newStripeTest(t, http.StatusOK, subscriptionBody(false))

	ctx := WithIdempotencyKey(context.Background(), "cancel-key")
	require.NoError(t, p.CancelSubscription(ctx, "sub_123", false))

	req := fake.last()
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "/v1/subscriptions/sub_123", req.Path)
	assert.Equal(t, "cancel-key", req.IdempotencyKey)
}

func TestStripeProvider_NotFound(t *testing.T) {
	p, _ := newStripeTest(t, http.StatusNotFound,
		`{"error": {"type": "invalid_request_error", "code": "resource_missing", "message": "No such subscription: 'sub_404'"}}`)

	_, err := p.GetSubscription(context.Background(), "sub_404")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderNotFound)

	err = p.SetSeatQuantity(context.Background(), "sub_404", 2)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestStripeProvider_ParseWebhook(t *testing.T) {
	p, _ := newStripeTest(t, http.StatusOK, "{}")

	payload := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "customer.subscription.updated",
		"data": {"object": ` + subscriptionBody(true) + `}
	}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  "whsec_test",
	})

	sub, err := p.ParseWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "sub_123", sub.Ref)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, int64(3), sub.Quantity)

	_, err = p.ParseWebhook(payload, "t=1,v1=bogus")
	assert.Error(t, err)

	other := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(`{"id": "evt_2", "object": "event", "type": "invoice.paid", "data": {"object": {}}}`),
		Secret:  "whsec_test",
	})
	sub, err = p.ParseWebhook(other.Payload, other.Header)
	require.NoError(t, err)
	assert.Nil(t, sub)
}
