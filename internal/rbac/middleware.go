package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
	"github.com/odyssey-erp/odyssey-audit/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

const (
	// ActingRoleHeader names the role the caller acts under for one request.
	ActingRoleHeader = "X-Acting-Role"
	// ActingRoleSessionKey stores the role picked for the whole session.
	ActingRoleSessionKey = "acting_role"
)

// Middleware wires actor resolution for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

var problems = httpx.ErrorMapper{
	{Err: ErrRoleNotHeld, Status: http.StatusForbidden, Type: "/problems/role-not-held", Title: "Role Not Held"},
	{Err: ErrNoRoles, Status: http.StatusForbidden, Type: "/problems/no-roles", Title: "No Roles Assigned"},
	{Err: ErrRoleRequired, Status: http.StatusBadRequest, Type: "/problems/role-required", Title: "Acting Role Required"},
}

// RequireActor places the session user's actor in the request context. The
// acting role must be spelled exactly as the enum; anything else is not held.
// Anonymous requests pass through untouched so handlers can answer 401.
func (m Middleware) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, userID := shared.SessionUser(r.Context())
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}
		requested := strings.TrimSpace(r.Header.Get(ActingRoleHeader))
		if requested == "" {
			requested = sess.Get(ActingRoleSessionKey)
		}
		actor, err := m.Service.ResolveActor(r.Context(), userID, auditplan.Role(requested))
		if err != nil {
			if status := problems.Respond(w, err); status >= http.StatusInternalServerError && m.Logger != nil {
				m.Logger.Error("rbac resolve actor", slog.String("user", userID), slog.Any("error", err))
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(auditplan.ContextWithActor(r.Context(), actor)))
	})
}

// Handler exposes the caller's grants and lets them pick a session role.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs a grants handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// MountRoutes registers grant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.grant)
	r.Put("/acting-role", h.setActingRole)
}

type grantResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Departments []string `json:"departments"`
	ActingRole  string   `json:"acting_role,omitempty"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	sess, userID := shared.SessionUser(r.Context())
	if userID == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	grant, err := h.service.Grant(r.Context(), userID)
	if err != nil {
		h.logger.Error("load grant", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := grantResponse{
		UserID:      grant.UserID,
		Roles:       make([]string, 0, len(grant.Roles)),
		Departments: make([]string, 0, len(grant.Departments)),
		ActingRole:  sess.Get(ActingRoleSessionKey),
	}
	for _, role := range grant.Roles {
		resp.Roles = append(resp.Roles, string(role))
	}
	for _, d := range grant.Departments {
		resp.Departments = append(resp.Departments, string(d))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type actingRoleRequest struct {
	Role string `json:"role"`
}

func (h *Handler) setActingRole(w http.ResponseWriter, r *http.Request) {
	sess, userID := shared.SessionUser(r.Context())
	if userID == "" {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req actingRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role := auditplan.Role(req.Role)
	if role == "" {
		problems.Respond(w, ErrRoleRequired)
		return
	}
	if _, err := h.service.ResolveActor(r.Context(), userID, role); err != nil {
		problems.Respond(w, err)
		return
	}
	sess.Set(ActingRoleSessionKey, string(role))
	w.WriteHeader(http.StatusNoContent)
}
