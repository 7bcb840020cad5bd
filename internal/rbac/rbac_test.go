package rbac

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-audit/internal/auditplan"
	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

type stubRepo struct {
	roles map[string][]string
	depts map[string][]string
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		roles: map[string][]string{
			"U1":  {"auditor"},
			"L1":  {"auditor", "lead_auditor"},
			"O1":  {"auditee_owner", "legacy_clerk"},
			"Dr1": {"director"},
		},
		depts: map[string][]string{"O1": {"D7"}},
	}
}

func (s *stubRepo) UserRoles(_ context.Context, userID string) ([]string, error) {
	return s.roles[userID], nil
}

func (s *stubRepo) UserDepartments(_ context.Context, userID string) ([]string, error) {
	return s.depts[userID], nil
}

func (s *stubRepo) AssignRole(_ context.Context, userID, roleName string) error {
	s.roles[userID] = append(s.roles[userID], roleName)
	return nil
}

func (s *stubRepo) AssignDepartment(_ context.Context, userID, deptID string) error {
	s.depts[userID] = append(s.depts[userID], deptID)
	return nil
}

func TestResolveActor(t *testing.T) {
	svc := NewService(newStubRepo())
	ctx := context.Background()

	actor, err := svc.ResolveActor(ctx, "U1", "")
	require.NoError(t, err)
	require.Equal(t, auditplan.Actor{ID: "U1", Role: auditplan.RoleAuditor}, actor)

	actor, err = svc.ResolveActor(ctx, "O1", "")
	require.NoError(t, err)
	require.Equal(t, auditplan.RoleAuditeeOwner, actor.Role)
	require.Equal(t, []auditplan.DepartmentID{"D7"}, actor.Departments)

	_, err = svc.ResolveActor(ctx, "L1", "")
	require.ErrorIs(t, err, ErrRoleRequired)

	actor, err = svc.ResolveActor(ctx, "L1", auditplan.RoleLeadAuditor)
	require.NoError(t, err)
	require.Equal(t, auditplan.RoleLeadAuditor, actor.Role)

	_, err = svc.ResolveActor(ctx, "U1", auditplan.RoleDirector)
	require.ErrorIs(t, err, ErrRoleNotHeld)

	_, err = svc.ResolveActor(ctx, "Dr1", auditplan.RoleSystem)
	require.ErrorIs(t, err, ErrRoleNotHeld)

	_, err = svc.ResolveActor(ctx, "nobody", "")
	require.ErrorIs(t, err, ErrNoRoles)
}

func TestAssignGrantsRoleAndDepartments(t *testing.T) {
	repo := newStubRepo()
	svc := NewService(repo)
	ctx := context.Background()

	require.NoError(t, svc.Assign(ctx, "O2", auditplan.RoleAuditeeOwner, "D9"))
	actor, err := svc.ResolveActor(ctx, "O2", "")
	require.NoError(t, err)
	require.Equal(t, []auditplan.DepartmentID{"D9"}, actor.Departments)

	require.ErrorIs(t, svc.Assign(ctx, "O2", auditplan.RoleSystem), ErrRoleNotHeld)
}

func TestRoleNamesRoundTrip(t *testing.T) {
	for _, role := range []auditplan.Role{auditplan.RoleAuditor, auditplan.RoleLeadAuditor, auditplan.RoleDirector, auditplan.RoleAuditeeOwner} {
		name, ok := RoleName(role)
		require.True(t, ok)
		back, ok := RoleFromName(name)
		require.True(t, ok)
		require.Equal(t, role, back)
		_, ok = RoleFromName(string(role))
		require.False(t, ok)
	}
	_, ok := RoleName(auditplan.RoleSystem)
	require.False(t, ok)
}

func newRouter(t *testing.T, sess *shared.Session) (http.Handler, *auditplan.Actor) {
	t.Helper()
	svc := NewService(newStubRepo())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seen := new(auditplan.Actor)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
		})
	})
	r.With(Middleware{Service: svc, Logger: logger}.RequireActor).Get("/whoami", func(w http.ResponseWriter, req *http.Request) {
		actor, ok := auditplan.ActorFromContext(req.Context())
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		*seen = actor
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/me/grants", NewHandler(svc, logger).MountRoutes)
	return r, seen
}

func sessionFor(t *testing.T, userID string) *shared.Session {
	t.Helper()
	sess := &shared.Session{ID: "s-" + userID}
	if userID != "" {
		sess.SetUser(userID)
	}
	return sess
}

func TestMiddlewareResolvesActingRole(t *testing.T) {
	router, seen := newRouter(t, sessionFor(t, "L1"))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(ActingRoleHeader, "LEAD_AUDITOR")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, auditplan.Actor{ID: "L1", Role: auditplan.RoleLeadAuditor}, *seen)

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(ActingRoleHeader, "DIRECTOR")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	// Role names are matched exactly.
	*seen = auditplan.Actor{}
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(ActingRoleHeader, "lead_auditor")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Contains(t, rr.Body.String(), "/problems/role-not-held")
	require.Empty(t, seen.ID)
}

func TestMiddlewareAnonymousPassesThrough(t *testing.T) {
	router, _ := newRouter(t, sessionFor(t, ""))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestActingRoleStoredInSession(t *testing.T) {
	sess := sessionFor(t, "L1")
	router, seen := newRouter(t, sess)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/me/grants/acting-role", strings.NewReader(`{"role":"auditor"}`)))
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Empty(t, sess.Get(ActingRoleSessionKey))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/me/grants/acting-role", strings.NewReader(`{"role":"AUDITOR"}`)))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "AUDITOR", sess.Get(ActingRoleSessionKey))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, auditplan.RoleAuditor, seen.Role)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/me/grants/acting-role", strings.NewReader(`{"role":"DIRECTOR"}`)))
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/me/grants/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"user_id":"L1","roles":["AUDITOR","LEAD_AUDITOR"],"departments":[],"acting_role":"AUDITOR"}`, rr.Body.String())
}
