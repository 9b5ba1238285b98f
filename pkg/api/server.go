package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/seatkeeper/pkg/billing"
	"github.com/platinummonkey/seatkeeper/pkg/httputil"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/ratelimit"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
)

// maxBodyBytes caps request bodies; webhooks are the largest payloads
const maxBodyBytes = 1 << 20

// WebhookParser verifies and decodes a payment provider webhook
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*billing.ProviderSubscription, error)
}

// Server represents our API server
type Server struct {
	router        *mux.Router
	handler       http.Handler
	alloc         *seats.Allocator
	saga          *billing.Saga
	inviteLimiter *ratelimit.Limiter
	webhooks      WebhookParser
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// Option configures a Server
type Option func(*Server)

func WithLogger(logger *observability.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithInviteLimiter caps invitation creation per tenant
func WithInviteLimiter(limiter *ratelimit.Limiter) Option {
	return func(s *Server) { s.inviteLimiter = limiter }
}

// WithWebhookParser enables POST /v1/webhooks/stripe
func WithWebhookParser(parser WebhookParser) Option {
	return func(s *Server) { s.webhooks = parser }
}

// NewServer creates a new API server
func NewServer(alloc *seats.Allocator, saga *billing.Saga, opts ...Option) *Server {
	s := &Server{
		router: mux.NewRouter(),
		alloc:  alloc,
		saga:   saga,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)
	s.handler = otelhttp.NewHandler(chain(s.router), "seatkeeper")
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		// router middleware runs after matching, so the route template is known
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics, routeTemplate))
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()

	tenant := v1.PathPrefix("/tenants/{tenant}").Subrouter()
	tenant.HandleFunc("/subscription", s.getSubscription).Methods(http.MethodGet)
	tenant.HandleFunc("/subscription", s.createSubscription).Methods(http.MethodPost)
	tenant.HandleFunc("/subscription/seats", s.updateSeatCount).Methods(http.MethodPut)
	tenant.HandleFunc("/subscription/cancel", s.cancelSubscription).Methods(http.MethodPost)
	tenant.HandleFunc("/usage", s.getUsage).Methods(http.MethodGet)

	tenant.HandleFunc("/seats", s.listSeats).Methods(http.MethodGet)
	tenant.HandleFunc("/seats", s.assignSeat).Methods(http.MethodPost)
	tenant.HandleFunc("/seats/{id}", s.getSeat).Methods(http.MethodGet)
	tenant.HandleFunc("/seats/{id}", s.removeSeat).Methods(http.MethodDelete)

	tenant.HandleFunc("/invitations", s.listInvitations).Methods(http.MethodGet)
	tenant.HandleFunc("/invitations", s.reserveInvitation).Methods(http.MethodPost)
	tenant.HandleFunc("/invitations/{id}", s.cancelInvitation).Methods(http.MethodDelete)

	v1.HandleFunc("/invitations/{token}/accept", s.acceptInvitation).Methods(http.MethodPost)

	if s.webhooks != nil {
		v1.HandleFunc("/webhooks/stripe", s.stripeWebhook).Methods(http.MethodPost)
	}
}

// Router returns the bare router, without the middleware chain
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the router wrapped in request id, recovery, logging and
// tracing middleware
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
