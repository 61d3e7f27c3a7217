package handlers

import (
	"net/http"

	"mycelium-ei-lang.com/cloud/models"
)

type PlanSummary struct {
	Plan         string              `json:"plan"`
	Features     []string            `json:"features"`
	Limits       models.Restrictions `json:"limits"`
	MonthlyUSD   float64             `json:"monthly_usd"`
	SupportLevel string              `json:"support_level"`
}

// Plans answers GET /api/v1/plans with the tier table, for pricing pages
// and the checkout flow.
func (s *Server) Plans(w http.ResponseWriter, r *http.Request) {
	var summaries []PlanSummary
	for _, plan := range s.Catalog.Plans() {
		ent, err := s.Catalog.Resolve(plan)
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, "Catalog inconsistency")
			return
		}
		summaries = append(summaries, PlanSummary{
			Plan:         string(plan),
			Features:     ent.Features,
			Limits:       ent.Restrictions,
			MonthlyUSD:   ent.MonthlyUSD,
			SupportLevel: ent.SupportLevel,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": summaries})
}
