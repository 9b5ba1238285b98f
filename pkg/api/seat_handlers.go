package api

import (
	"net/http"

	"github.com/platinummonkey/seatkeeper/pkg/httputil"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
)

func (s *Server) listSeats(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}
	includeInactive, err := httputil.QueryBool(r, "include_inactive", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	list, err := s.alloc.ListSeats(r.Context(), tenantID, includeInactive)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*seats.SeatAssignment{}
	}
	httputil.WriteSuccess(w, list)
}

func (s *Server) assignSeat(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}

	var identity seats.Identity
	if !httputil.ParseJSONOrError(w, r, &identity) {
		return
	}

	seat, err := s.alloc.AssignSeat(r.Context(), tenantID, identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, seat)
}

func (s *Server) getSeat(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}
	seatID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	seat, err := s.alloc.GetSeat(r.Context(), tenantID, seatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, seat)
}

func (s *Server) removeSeat(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenantParam(w, r)
	if !ok {
		return
	}
	seatID, ok := httputil.PathStringOrError(w, r, "id")
	if !ok {
		return
	}

	removed, err := s.alloc.RemoveSeat(r.Context(), tenantID, seatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !removed {
		s.writeError(w, r, seats.ErrAssignmentNotFound)
		return
	}
	httputil.WriteNoContent(w)
}
