package api

// router.go constructs the chi router, registers all middleware, and wires
// all routes to their respective handlers. It is the single source of
// truth for the HTTP surface area of this service; adding a new endpoint
// means adding one line here, nothing else.

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sasta-kro/corvus-ctf/anticheat"
	"github.com/sasta-kro/corvus-ctf/config"
	"github.com/sasta-kro/corvus-ctf/db"
	"github.com/sasta-kro/corvus-ctf/docker"
	"github.com/sasta-kro/corvus-ctf/engine"
	"github.com/sasta-kro/corvus-ctf/hostplatform"
)

// RouterDependencies groups every external dependency the router and its
// handlers need, so adding one more collaborator later means adding a
// field here, not changing every call site.
type RouterDependencies struct {
	Logger        *slog.Logger
	Database      *db.Database
	Engine        *engine.Engine
	Validator     *anticheat.Validator
	Docker        *docker.Client
	Config        *config.Store
	Accounts      hostplatform.Accounts
	AllowedOrigin string
	AdminKey      string
}

// CreateAndSetupRouter builds the chi multiplexer, attaches middleware,
// constructs every handler with only the dependencies it needs, and
// registers all routes. It returns a plain http.Handler so main.go has no
// chi import or awareness of routing internals.
func CreateAndSetupRouter(dependencies RouterDependencies) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(CORSMiddleware(dependencies.AllowedOrigin))

	healthHandler := NewHealthHandler(dependencies.Logger, dependencies.Docker)
	instanceHandler := NewInstanceHandler(dependencies.Engine, dependencies.Database, dependencies.Logger)
	submitHandler := NewSubmitHandler(dependencies.Validator, dependencies.Engine, dependencies.Database, dependencies.Logger)
	adminHandler := NewAdminHandler(dependencies.Database, dependencies.Engine, dependencies.Docker, dependencies.Config, dependencies.Logger)

	// Kept at the root rather than under /api: load balancers and
	// orchestrator liveness probes expect it there, with no knowledge of
	// this service's internal route grouping.
	router.Get("/health", healthHandler.Health)

	rateLimited := RateLimitMiddleware(dependencies.Config.RateLimitPerMinute)

	router.Route("/api", func(apiRouter chi.Router) {
		// The admin surface authenticates with a single shared operator
		// key, not a player bearer token, so it is registered before
		// AuthMiddleware is attached to the rest of this group.
		apiRouter.Route("/admin", func(adminRouter chi.Router) {
			adminRouter.Use(AdminAuthMiddleware(dependencies.AdminKey))

			adminRouter.Get("/docker-health", healthHandler.DockerHealth)

			adminRouter.Post("/challenges/import", adminHandler.ImportChallenge)
			adminRouter.Get("/challenges", adminHandler.ListChallenges)
			adminRouter.Delete("/challenges/{id}", adminHandler.DeleteChallenge)

			adminRouter.Get("/instances", adminHandler.ListInstances)
			adminRouter.Post("/instances/bulk-delete", adminHandler.BulkDeleteInstances)
			adminRouter.Post("/instances/{uuid}/stop", adminHandler.StopInstance)
			adminRouter.Post("/instances/{uuid}/delete", adminHandler.DeleteInstance)
			adminRouter.Get("/instances/{uuid}/logs", adminHandler.InstanceLogs)

			adminRouter.Post("/cleanup", adminHandler.Cleanup)

			adminRouter.Get("/attempts/cheating", adminHandler.ListCheatingAttempts)
			adminRouter.Get("/audit", adminHandler.AuditEvents)

			adminRouter.Get("/config", adminHandler.GetConfig)
			adminRouter.Put("/config", adminHandler.SetConfig)
		})

		apiRouter.Group(func(playerRouter chi.Router) {
			playerRouter.Use(AuthMiddleware(dependencies.Accounts))

			playerRouter.Group(func(limited chi.Router) {
				limited.Use(rateLimited)
				limited.Post("/instances", instanceHandler.Request)
				limited.Post("/instances/{uuid}/renew", instanceHandler.Renew)
				limited.Post("/instances/{uuid}/stop", instanceHandler.Stop)
				limited.Post("/challenges/{id}/submit", submitHandler.Submit)
			})

			playerRouter.Get("/instances", instanceHandler.List)
			playerRouter.Get("/instances/{uuid}", instanceHandler.Get)
		})
	})

	return router
}
