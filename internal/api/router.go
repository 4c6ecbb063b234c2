package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/iac-studio/orchestrator/internal/api/handlers"
	mw "github.com/iac-studio/orchestrator/internal/api/middleware"
	"github.com/iac-studio/orchestrator/pkg/metrics"
)

type Dependencies struct {
	// Auth is enforced on /api/v1 when AuthEnabled is set.
	AuthEnabled bool
	HMACSecret  []byte
	Keys        mw.KeyVerifier

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	Metrics *metrics.Metrics

	HealthHandler      *handlers.HealthHandler
	AuthHandler        *handlers.AuthHandler
	DeploymentsHandler *handlers.DeploymentsHandler
	ResourcesHandler   *handlers.ResourcesHandler
	TemplatesHandler   *handlers.TemplatesHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging(dep.Metrics))
	r.Use(mw.CORS(dep.CORSOrigins))

	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)
	if dep.Metrics != nil {
		r.Handle("/metrics", dep.Metrics.Handler())
	}

	limiter := mw.NewRateLimiter(dep.RateLimitRPS, dep.RateLimitBurst)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(limiter.Middleware)

		api.Post("/auth/token", dep.AuthHandler.Token)

		api.Group(func(protected chi.Router) {
			if dep.AuthEnabled {
				protected.Use(mw.Auth(dep.HMACSecret, dep.Keys))
			}

			protected.With(chimid.AllowContentType("application/json")).
				Post("/deploy", dep.DeploymentsHandler.Deploy)

			protected.Route("/deployments", func(dr chi.Router) {
				dr.Get("/", dep.DeploymentsHandler.List)
				dr.Get("/tags", dep.DeploymentsHandler.Tags)
				dr.Get("/{id}", dep.DeploymentsHandler.Details)
				dr.Delete("/{id}", dep.DeploymentsHandler.Delete)
				dr.Get("/{id}/status", dep.DeploymentsHandler.Status)
				dr.Get("/{id}/logs", dep.DeploymentsHandler.Logs)
				dr.Put("/{id}/tags", dep.DeploymentsHandler.UpdateTags)
			})

			protected.Get("/tasks/{task_id}/status", dep.DeploymentsHandler.TaskStatus)
			protected.Get("/providers", dep.ResourcesHandler.Providers)
			protected.Get("/templates", dep.TemplatesHandler.List)

			protected.Route("/resource-groups", func(rg chi.Router) {
				rg.Get("/", dep.ResourcesHandler.ListGroups)
				rg.Post("/", dep.ResourcesHandler.CreateGroup)
				rg.Delete("/{name}", dep.ResourcesHandler.DeleteGroup)
				rg.Get("/{name}/resources", dep.ResourcesHandler.ListResources)
			})
		})
	})

	return r
}
