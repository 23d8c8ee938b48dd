package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-ci/kestrel/internal/api"
	apiMiddleware "github.com/kestrel-ci/kestrel/internal/api/middleware"
	"github.com/kestrel-ci/kestrel/internal/api/shared"
)

// setupRouter creates and configures the application router with all
// routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	queueHandler := api.NewQueueHandler(app.manager, app.logger)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.config.Server.AdminJWTSecret)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Post("/jobs", queueHandler.AddJob)
		r.Post("/jobs/bulk", queueHandler.AddJobsBulk)
		r.Get("/jobs/{id}", queueHandler.GetJobStatus)
		r.Post("/jobs/{id}/retry", queueHandler.RetryJob)
		r.Post("/jobs/{id}/pause", queueHandler.PauseJob)
		r.Post("/jobs/{id}/resume", queueHandler.ResumeJob)
		r.Delete("/jobs/{id}", queueHandler.CancelJob)

		r.Get("/queue/stats", queueHandler.GetStats)
		r.Post("/queue/pause", queueHandler.PauseQueue)
		r.Post("/queue/resume", queueHandler.ResumeQueue)
		r.Post("/queue/clean", queueHandler.CleanQueue)
		r.Delete("/queue", queueHandler.ObliterateQueue)

		r.Get("/llm/health", func(w http.ResponseWriter, req *http.Request) {
			shared.RespondWithJSON(w, req, http.StatusOK, map[string]any{
				"provider": app.invoker.Provider().Name(),
				"healthy":  app.invoker.Healthy(),
			})
		})
	})

	// Unauthenticated operational endpoints.
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}
