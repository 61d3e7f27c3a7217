package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mycelium-ei-lang.com/cloud/events"
	"mycelium-ei-lang.com/cloud/internal/logger"
	"mycelium-ei-lang.com/cloud/reconcile"
)

// Providers sign their deliveries in different headers.
var signatureHeaders = map[string]string{
	events.ProviderStripe:   "Stripe-Signature",
	events.ProviderCoinbase: "X-CC-Webhook-Signature",
}

// Webhook is the single entry point for provider deliveries:
// POST /api/v1/webhooks/{provider}. 200 means settled (stop retrying),
// 400 means this payload will never be accepted, 5xx invites a retry.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	header, known := signatureHeaders[provider]
	if !known {
		writeErrorResponse(w, http.StatusNotFound, "Unknown webhook provider")
		return
	}

	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"provider": provider,
			"error":    err.Error(),
		})
		writeErrorResponse(w, http.StatusServiceUnavailable, "Failed to read payload")
		return
	}

	logger.Info("Webhook received", map[string]interface{}{
		"provider":     provider,
		"payload_size": len(payload),
		"remote_addr":  r.RemoteAddr,
	})

	result := s.Coordinator.Handle(r.Context(), provider, payload, r.Header.Get(header))

	switch {
	case result.Accepted():
		writeJSON(w, http.StatusOK, map[string]string{
			"received": "true",
			"outcome":  string(result.Code),
		})
	case result.Code == reconcile.CodeBadSignature:
		writeErrorResponse(w, http.StatusBadRequest, "Invalid signature")
	case result.Code == reconcile.CodeMalformed:
		writeErrorResponse(w, http.StatusBadRequest, "Malformed event")
	case result.Code == reconcile.CodeBusy:
		writeErrorResponse(w, http.StatusServiceUnavailable, "Busy, retry later")
	default:
		writeErrorResponse(w, http.StatusInternalServerError, "Transient failure, retry later")
	}
}
