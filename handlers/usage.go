package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"mycelium-ei-lang.com/cloud/internal/logger"
	"mycelium-ei-lang.com/cloud/quota"
)

type UsageRequest struct {
	LicenseID string `json:"license_id"`
	Counter   string `json:"counter"`
	Amount    int64  `json:"amount"`
}

type UsageResponse struct {
	Counter string `json:"counter"`
	Value   int64  `json:"value"`
}

type QuotaExceededResponse struct {
	Error   string `json:"error"`
	Counter string `json:"counter"`
	Limit   int64  `json:"limit"`
	Used    int64  `json:"used"`
}

// IncrementUsage answers POST /api/v1/usage/increment. Exceeding the plan
// limit is an ordinary outcome (429 with limit and used), not a fault;
// the counter is untouched in that case.
func (s *Server) IncrementUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}
	if req.LicenseID == "" || req.Counter == "" {
		writeErrorResponse(w, http.StatusBadRequest, "license_id and counter required")
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	value, err := s.Ledger.TryIncrement(r.Context(), req.LicenseID, req.Counter, req.Amount)
	if err != nil {
		var exceeded *quota.ExceededError
		switch {
		case errors.As(err, &exceeded):
			writeJSON(w, http.StatusTooManyRequests, QuotaExceededResponse{
				Error:   "quota_exceeded",
				Counter: exceeded.Counter,
				Limit:   exceeded.Limit,
				Used:    exceeded.Used,
			})
		case errors.Is(err, quota.ErrLicenseNotFound):
			writeErrorResponse(w, http.StatusNotFound, "License not found")
		case errors.Is(err, quota.ErrInvalidIncrement):
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
		default:
			// Storage faults are retryable server errors, not the
			// client's fault.
			logger.Error("Usage increment failed", map[string]interface{}{
				"license_id": req.LicenseID,
				"counter":    req.Counter,
				"error":      err.Error(),
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		Counter: req.Counter,
		Value:   value,
	})
}
