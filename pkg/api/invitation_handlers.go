package api

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/seatkeeper/pkg/httputil"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
)

// InviteRequest is the body of POST /invitations
type InviteRequest struct {
	Email     string     `json:"email"`
	Role      seats.Role `json:"role,omitempty"`
	InvitedBy string     `json:"invited_by,omitempty"`
}

// AcceptRequest is the body of POST /v1/invitations/{token}/accept
type AcceptRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) listInvitations(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	status := seats.InvitationStatus(r.URL.Query().Get("status"))
	invitations, err := s.alloc.ListInvitations(r.Context(), tenantID, status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if invitations == nil {
		invitations = []*seats.PendingInvitation{}
	}
	httputil.WriteSuccess(w, invitations)
}

func (s *Server) reserveInvitation(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	var req InviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	allowed, err := s.inviteLimiter.Allow(r.Context(), "invitations:"+tenantID)
	if err != nil {
		// counter outage fails open
		observability.FromContext(r.Context()).WithError(err).Warn("Invitation rate limit check failed")
	}
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.inviteLimiter.Window().Seconds())))
		httputil.WriteErrorCode(w, http.StatusTooManyRequests, "rate_limited", "too many invitations, try again later", nil)
		return
	}

	var opts []seats.ReserveOption
	if req.InvitedBy != "" {
		opts = append(opts, seats.InvitedBy(req.InvitedBy))
	}

	inv, err := s.alloc.ReserveInvitation(r.Context(), tenantID, req.Email, req.Role, opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, inv)
}

func (s *Server) cancelInvitation(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}
	invitationID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	if err := s.alloc.CancelInvitation(r.Context(), tenantID, invitationID); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.PathStringOrError(w, r, "token")
	if !ok {
		return
	}

	var req AcceptRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	seat, err := s.alloc.AcceptInvitation(r.Context(), token, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, seat)
}
