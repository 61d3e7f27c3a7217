package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mycelium-ei-lang.com/cloud/internal/licensekey"
	"mycelium-ei-lang.com/cloud/internal/logger"
	"mycelium-ei-lang.com/cloud/models"
)

type ValidateResponse struct {
	Valid bool `json:"valid"`
	// ChecksumValid is structural only: a well-formed key is not an
	// entitled key. Access decisions must use Valid.
	ChecksumValid bool      `json:"checksum_valid"`
	Status        string    `json:"status,omitempty"`
	Plan          string    `json:"plan,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	Message       string    `json:"message"`
}

// ValidateLicenseByID answers GET /api/v1/licenses/{id}/validate with the
// authoritative status. Expiry is applied lazily here: a lapsed license
// reads expired even if no webhook ever said so.
func (s *Server) ValidateLicenseByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	license, err := s.Storage.GetLicense(r.Context(), id)
	if err != nil {
		logger.Error("License lookup failed", map[string]interface{}{
			"license_id": id,
			"error":      err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if license == nil {
		writeErrorResponse(w, http.StatusNotFound, "License not found")
		return
	}

	now := time.Now().UTC()
	status := license.EffectiveStatus(now)
	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:         status == models.StatusActive,
		ChecksumValid: true,
		Status:        string(status),
		Plan:          string(license.Plan),
		ExpiresAt:     license.ExpiresAt,
		Message:       statusMessage(status),
	})
}

type LicenseKeyRequest struct {
	LicenseKey string `json:"license_key"`
}

// ValidateLicenseKey answers POST /api/v1/licenses/validate for clients
// that hold only the key string. The checksum check happens first, but a
// good checksum alone never yields valid=true: the stored license decides.
func (s *Server) ValidateLicenseKey(w http.ResponseWriter, r *http.Request) {
	var req LicenseKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}
	if err := req.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	parsed, err := licensekey.Parse(req.LicenseKey)
	if err != nil {
		writeJSON(w, http.StatusOK, ValidateResponse{
			Valid:   false,
			Message: "Malformed license key",
		})
		return
	}
	if !parsed.ChecksumValid {
		writeJSON(w, http.StatusOK, ValidateResponse{
			Valid:   false,
			Message: "License key checksum mismatch",
		})
		return
	}

	license, err := s.Storage.FindLicenseByKey(r.Context(), req.LicenseKey)
	if err != nil {
		logger.Error("License key lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if license == nil {
		writeJSON(w, http.StatusOK, ValidateResponse{
			Valid:         false,
			ChecksumValid: true,
			Message:       "License not found",
		})
		return
	}

	now := time.Now().UTC()
	status := license.EffectiveStatus(now)
	writeJSON(w, http.StatusOK, ValidateResponse{
		Valid:         status == models.StatusActive,
		ChecksumValid: true,
		Status:        string(status),
		Plan:          string(license.Plan),
		ExpiresAt:     license.ExpiresAt,
		Message:       statusMessage(status),
	})
}

func (lr LicenseKeyRequest) validate() error {
	if lr.LicenseKey == "" {
		return fmt.Errorf("license_key required")
	}
	return nil
}

func statusMessage(status models.Status) string {
	switch status {
	case models.StatusActive:
		return "License valid"
	case models.StatusSuspended:
		return "License suspended"
	case models.StatusExpired:
		return "License expired"
	case models.StatusCancelled:
		return "License cancelled"
	default:
		return "Unknown status"
	}
}

type RegisterRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type RegisterResponse struct {
	LicenseID  string              `json:"license_id"`
	LicenseKey string              `json:"license_key"`
	Plan       string              `json:"plan"`
	Status     string              `json:"status"`
	ExpiresAt  time.Time           `json:"expires_at"`
	Features   []string            `json:"features"`
	Limits     models.Restrictions `json:"limits"`
}

// Register answers POST /api/v1/registrations: every new user gets a
// free-tier license on the spot.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Empty body")
		return
	}
	if req.UserID == "" {
		writeErrorResponse(w, http.StatusBadRequest, "user_id required")
		return
	}

	license, err := s.Issuer.IssueFree(r.Context(), req.UserID, req.Email)
	if err != nil {
		logger.Error("Failed to issue free license", map[string]interface{}{
			"user_id": req.UserID,
			"error":   err.Error(),
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to issue license")
		return
	}

	writeJSON(w, http.StatusCreated, RegisterResponse{
		LicenseID:  license.ID,
		LicenseKey: license.Key,
		Plan:       string(license.Plan),
		Status:     string(license.Status),
		ExpiresAt:  license.ExpiresAt,
		Features:   license.Features,
		Limits:     license.Restrictions,
	})
}
