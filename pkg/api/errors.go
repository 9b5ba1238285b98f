package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/platinummonkey/seatkeeper/pkg/billing"
	"github.com/platinummonkey/seatkeeper/pkg/httputil"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

// retryAfterSeconds is sent with 503s caused by lock contention
const retryAfterSeconds = 1

const upgradeHint = "Increase the seat count on the subscription or remove unused seats"

// writeError maps a domain error to a status and error code. Unknown errors
// are logged and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		quota *seats.QuotaExceededError
		inUse *billing.SeatsInUseError
	)

	switch {
	case errors.As(err, &quota):
		httputil.WriteErrorCode(w, http.StatusConflict, "no_seats_available", err.Error(), map[string]string{
			"hint":  upgradeHint,
			"used":  strconv.Itoa(quota.Current),
			"limit": strconv.Itoa(quota.Limit),
		})
	case errors.Is(err, seats.ErrQuotaExceeded):
		httputil.WriteErrorCode(w, http.StatusConflict, "no_seats_available", err.Error(), map[string]string{"hint": upgradeHint})
	case errors.Is(err, seats.ErrTooManyPending):
		httputil.WriteErrorCode(w, http.StatusConflict, "too_many_pending", err.Error(), map[string]string{
			"hint": "Cancel or wait for outstanding invitations before inviting more people",
		})
	case errors.As(err, &inUse):
		httputil.WriteErrorCode(w, http.StatusConflict, "seats_in_use", err.Error(), map[string]string{
			"active":  strconv.Itoa(inUse.Active),
			"pending": strconv.Itoa(inUse.Pending),
		})

	case txn.IsLockTimeout(err), txn.IsDeadlock(err):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "contended", "the tenant is busy, retry shortly", nil)

	case billing.IsProviderError(err):
		observability.FromContext(r.Context()).WithError(err).Warn("Payment provider call failed")
		httputil.WriteErrorCode(w, http.StatusBadGateway, "provider_error", "payment provider rejected the change", nil)

	case errors.Is(err, seats.ErrSubscriptionNotFound),
		errors.Is(err, seats.ErrAssignmentNotFound),
		errors.Is(err, seats.ErrInvitationNotFound):
		httputil.WriteNotFound(w, err.Error())

	case errors.Is(err, seats.ErrInvitationExpired):
		httputil.WriteErrorCode(w, http.StatusGone, "invitation_expired", err.Error(), nil)

	case errors.Is(err, billing.ErrOperationInProgress):
		httputil.WriteErrorCode(w, http.StatusConflict, "operation_in_progress", err.Error(), nil)
	case errors.Is(err, seats.ErrAlreadySeated):
		httputil.WriteErrorCode(w, http.StatusConflict, "already_seated", err.Error(), nil)
	case errors.Is(err, billing.ErrAlreadyCanceled), errors.Is(err, seats.ErrSubscriptionInactive):
		httputil.WriteErrorCode(w, http.StatusConflict, "subscription_canceled", err.Error(), nil)
	case errors.Is(err, seats.ErrInvitationNotPending):
		httputil.WriteErrorCode(w, http.StatusConflict, "invitation_not_pending", err.Error(), nil)

	case errors.Is(err, seats.ErrInvalidIdentity),
		errors.Is(err, billing.ErrInvalidSeatCount),
		errors.Is(err, billing.ErrInvalidStatus),
		errors.Is(err, billing.ErrInvalidTenant):
		httputil.WriteBadRequest(w, err.Error())

	default:
		observability.FromContext(r.Context()).WithError(err).Error("Request failed")
		httputil.WriteInternalError(w)
	}
}
