// Package api exposes seat allocation, invitations and subscription
// changes over HTTP.
//
// Routes are tenant scoped under /v1/tenants/{tenant}. Domain errors map to
// stable error codes: capacity refusals are 409 no_seats_available or
// too_many_pending with an upgrade hint, lock contention is 503 with
// Retry-After, and payment provider failures are 502.
//
//	srv := api.NewServer(allocator, saga,
//		api.WithLogger(logger),
//		api.WithMetrics(metrics),
//		api.WithInviteLimiter(limiter),
//	)
//	http.ListenAndServe(":8080", srv.Handler())
package api
