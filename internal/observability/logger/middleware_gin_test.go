package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/allocledger/internal/observability/context"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newLoggedEngine(t *testing.T, cfg MiddlewareConfig) (*gin.Engine, *observer.ObservedLogs) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))

	r := gin.New()
	r.Use(GinMiddleware(cfg))
	return r, logs
}

func TestGinMiddlewareKeepsValidRequestID(t *testing.T) {
	r, logs := newLoggedEngine(t, MiddlewareConfig{})
	var actorID string
	r.GET("/v1/payments/:id", func(c *gin.Context) {
		_, actorID = obscontext.ActorFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/42", nil)
	req.Header.Set(headerRequestID, "req-123")
	req.Header.Set(headerActor, "ops@example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, "req-123", rec.Header().Get(headerRequestID))
	require.Equal(t, "ops@example.com", actorID)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "req-123", fields["request_id"])
	require.Equal(t, "42", fields["resource_id"])
	require.Equal(t, "/v1/payments/:id", fields["route"])
}

func TestGinMiddlewareReplacesUnsafeRequestID(t *testing.T) {
	r, _ := newLoggedEngine(t, MiddlewareConfig{})
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(headerRequestID, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	got := rec.Header().Get(headerRequestID)
	require.NotEmpty(t, got)
	require.NotEqual(t, strings.Repeat("x", maxRequestIDLen+1), got)
}

func TestGinMiddlewareLevels(t *testing.T) {
	r, logs := newLoggedEngine(t, MiddlewareConfig{})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/health", "/bad", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestHeaderToken(t *testing.T) {
	require.Equal(t, "abc", headerToken("  abc ", 10))
	require.Empty(t, headerToken("a b", 10))
	require.Empty(t, headerToken("abcdef", 5))
	require.Empty(t, headerToken("café", 10))
}
