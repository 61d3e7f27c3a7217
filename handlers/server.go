package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"mycelium-ei-lang.com/cloud/internal/catalog"
	"mycelium-ei-lang.com/cloud/internal/ratelimit"
	"mycelium-ei-lang.com/cloud/quota"
	"mycelium-ei-lang.com/cloud/reconcile"
	"mycelium-ei-lang.com/cloud/storage"
)

type Server struct {
	Router      chi.Router
	Storage     storage.Storage
	Coordinator *reconcile.Coordinator
	Issuer      *reconcile.Issuer
	Ledger      *quota.Ledger
	Catalog     *catalog.Catalog
	Version     string

	limiter ratelimit.RateLimit
}

func NewHTTPServer(store storage.Storage, coordinator *reconcile.Coordinator, issuer *reconcile.Issuer, ledger *quota.Ledger, cat *catalog.Catalog, version string) *Server {
	s := &Server{
		Storage:     store,
		Coordinator: coordinator,
		Issuer:      issuer,
		Ledger:      ledger,
		Catalog:     cat,
		Version:     version,
		limiter:     ratelimit.New(120, time.Minute),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/{provider}", s.Webhook)
		r.With(s.rateLimited).Post("/usage/increment", s.IncrementUsage)
		r.Get("/licenses/{id}/validate", s.ValidateLicenseByID)
		r.Post("/licenses/validate", s.ValidateLicenseKey)
		r.Post("/registrations", s.Register)
		r.Get("/plans", s.Plans)
	})

	s.Router = r
	return s
}

type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Webhooks  reconcile.Stats `json:"webhooks"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.Version,
		Timestamp: time.Now().UTC(),
		Webhooks:  s.Coordinator.Stats(),
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(r.RemoteAddr) {
			writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
