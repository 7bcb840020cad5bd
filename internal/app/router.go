package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
	"github.com/odyssey-erp/odyssey-audit/internal/auth"
	"github.com/odyssey-erp/odyssey-audit/internal/observability"
	"github.com/odyssey-erp/odyssey-audit/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-audit/internal/rbac"
	"github.com/odyssey-erp/odyssey-audit/internal/shared"
	"github.com/odyssey-erp/odyssey-audit/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger           *slog.Logger
	Config           *Config
	SessionManager   *shared.SessionManager
	CSRFManager      *shared.CSRFManager
	AuthHandler      *auth.Handler
	GrantsHandler    *rbac.Handler
	RBACMiddleware   rbac.Middleware
	AuditPlanHandler *auditplan.Handler
	AuditPlanStream  http.Handler
	JobHandler       *jobs.Handler
	Metrics          *observability.Metrics
}

// NewRouter constructs the chi.Router with Odyssey defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, httpx.ErrNotFound)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	// The event stream lives for the whole connection and must stay outside
	// the request timeout.
	if params.AuditPlanStream != nil {
		r.With(params.RBACMiddleware.RequireActor).Get("/audit-plans/events", params.AuditPlanStream.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequestTimeout(params.Config))
		r.Use(chimw.Compress(5))

		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
		// Grants work from the session alone so a user holding several roles
		// can pick one before any actor can be resolved.
		if params.GrantsHandler != nil {
			r.Route("/me/grants", params.GrantsHandler.MountRoutes)
		}

		r.Group(func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireActor)
			if params.AuditPlanHandler != nil {
				r.Route("/audit-plans", params.AuditPlanHandler.MountRoutes)
			}
		})
	})

	return r
}
