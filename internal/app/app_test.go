package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-audit/internal/shared"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("AUDIT_ARCHIVE_AFTER", "48h")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, "auditplan:events", cfg.AuditEventsChannel)
	require.Equal(t, 48*time.Hour, cfg.AuditArchiveAfter)
	require.Equal(t, 4, cfg.AuditDetailConcurrency)
	require.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("AUDIT_DETAIL_CONCURRENCY", "0")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("AUDIT_DETAIL_CONCURRENCY", "2")
	t.Setenv("AUDIT_EXECUTION_GRACE", "-1h")
	_, err = LoadConfig()
	require.Error(t, err)
}

type testStack struct {
	handler  http.Handler
	sessions *shared.SessionManager
	csrf     *shared.CSRFManager
}

func newStack(t *testing.T, final http.HandlerFunc) testStack {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions := shared.NewSessionManager(client, "odyssey_session", time.Hour, false)
	csrf := shared.NewCSRFManager("secret")
	var h http.Handler = final
	h = CSRFMiddleware(csrf, logger)(h)
	h = SessionMiddleware(sessions, logger)(h)
	return testStack{handler: h, sessions: sessions, csrf: csrf}
}

func TestCSRFMiddleware(t *testing.T) {
	var (
		token string
		stack testStack
	)
	stack = newStack(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			var err error
			token, err = stack.csrf.EnsureToken(r.Context(), shared.SessionFromContext(r.Context()))
			require.NoError(t, err)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	rr := httptest.NewRecorder()
	stack.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	require.NotEmpty(t, token)

	post := func(header string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.AddCookie(cookies[0])
		if header != "" {
			req.Header.Set(shared.CSRFHeader, header)
		}
		rr := httptest.NewRecorder()
		stack.handler.ServeHTTP(rr, req)
		return rr.Code
	}
	require.Equal(t, http.StatusForbidden, post(""))
	require.Equal(t, http.StatusForbidden, post("forged"))
	require.Equal(t, http.StatusNoContent, post(token))
}

func TestSessionCommittedWhenHandlerWritesNothing(t *testing.T) {
	stack := newStack(t, func(w http.ResponseWriter, r *http.Request) {
		shared.SessionFromContext(r.Context()).Set("k", "v")
	})
	rr := httptest.NewRecorder()
	stack.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, rr.Result().Cookies(), 1)
}

func TestRouterHealthAndNotFound(t *testing.T) {
	stack := newStack(t, nil)
	router := NewRouter(RouterParams{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:         &Config{AppRequestTimeout: time.Second},
		SessionManager: stack.sessions,
		CSRFManager:    stack.csrf,
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}
