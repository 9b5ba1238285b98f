package api

import (
	"net/http"

	"github.com/platinummonkey/seatkeeper/pkg/billing"
	"github.com/platinummonkey/seatkeeper/pkg/httputil"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
)

// CreateSubscriptionRequest is the body of POST /subscription
type CreateSubscriptionRequest struct {
	ProviderRef string         `json:"provider_ref"`
	SeatsTotal  int            `json:"seats_total"`
	Status      billing.Status `json:"status,omitempty"`
}

// UpdateSeatsRequest is the body of PUT /subscription/seats
type UpdateSeatsRequest struct {
	SeatsTotal int `json:"seats_total"`
}

// CancelRequest is the body of POST /subscription/cancel
type CancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

// tenantParam reads {tenant} and tags the request context with it
func tenantParam(w http.ResponseWriter, r *http.Request) (string, *http.Request, bool) {
	tenantID, ok := httputil.PathStringOrError(w, r, "tenant")
	if !ok {
		return "", r, false
	}
	return tenantID, r.WithContext(observability.WithTenantID(r.Context(), tenantID)), true
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	sub, err := s.saga.GetSubscription(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = billing.StatusActive
	}

	sub, err := s.saga.CreateSubscription(r.Context(), tenantID, req.ProviderRef, req.SeatsTotal, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

func (s *Server) updateSeatCount(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	var req UpdateSeatsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := s.saga.UpdateSeatCount(r.Context(), tenantID, req.SeatsTotal); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getSubscription(w, r)
}

func (s *Server) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if err := s.saga.CancelSubscription(r.Context(), tenantID, req.AtPeriodEnd); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getSubscription(w, r)
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	usage, err := s.alloc.GetUsage(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, usage)
}
