package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/omniverifier/engine/internal/pkg/httputil"
)

// HealthChecker reports liveness of one background component.
type HealthChecker interface {
	IsHealthy() bool
}

// SetupRoutes configures the router. workers is consulted by the health
// endpoint; nil entries are skipped.
func SetupRoutes(h *Handlers, workers map[string]HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://app.omniverifier.com", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(workers))

	r.Route("/api/{checkType}", func(r chi.Router) {
		r.Post("/uploads", h.CreateUploadURL)

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.CreateBatch)
			r.Get("/", h.ListBatches)

			r.Route("/{batchID}", func(r chi.Router) {
				r.Get("/", h.GetBatch)
				r.Post("/start", h.StartBatch)
				r.Post("/pause", h.PauseBatch)
				r.Post("/resume", h.ResumeBatch)
				r.Post("/archive", h.ArchiveBatch)
				r.Get("/progress", h.BatchProgress)
				r.Get("/enrichment", h.EnrichmentProgress)
				r.Get("/exports", h.BatchExports)
			})
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/", h.CreditBalance)
			r.Post("/", h.AddCredits)
			r.Post("/subscription", h.GrantSubscription)
			r.Get("/history", h.CreditHistory)
		})
	})

	return r
}

func healthHandler(workers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		overall := "ok"
		components := make(map[string]string, len(workers))
		for name, hc := range workers {
			if hc == nil {
				continue
			}
			if hc.IsHealthy() {
				components[name] = "ok"
			} else {
				components[name] = "unhealthy"
				overall = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
		httputil.JSON(w, status, map[string]any{
			"status":     overall,
			"components": components,
		})
	}
}
