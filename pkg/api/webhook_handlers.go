package api

import (
	"io"
	"net/http"

	"github.com/platinummonkey/seatkeeper/pkg/httputil"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
)

// stripeWebhook applies provider-side subscription changes, such as a
// cancel made in the Stripe dashboard, to the local record
func (s *Server) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := observability.FromContext(r.Context())

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	ps, err := s.webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.WithError(err).Warn("Rejected webhook")
		httputil.WriteBadRequest(w, "invalid webhook")
		return
	}
	if ps == nil {
		// event type we do not track
		httputil.WriteSuccess(w, map[string]bool{"applied": false})
		return
	}

	applied, err := s.saga.SyncProviderStatus(r.Context(), ps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	log.WithFields(map[string]interface{}{
		"provider_ref": ps.Ref,
		"status":       ps.Status,
		"applied":      applied,
	}).Info("Webhook processed")
	httputil.WriteSuccess(w, map[string]bool{"applied": applied})
}
