package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/allocledger/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	headerRequestID = "X-Request-Id"
	headerActor     = "X-Actor"

	maxRequestIDLen = 128
	maxActorLen     = 64
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
	// QuietRoutes are logged at debug level. Defaults to /health and /metrics.
	QuietRoutes []string
}

// GinMiddleware logs each request with correlation identifiers and safe fields.
// Operator identity is taken from X-Actor; authentication happens upstream.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	quiet := cfg.QuietRoutes
	if quiet == nil {
		quiet = []string{"/health", "/metrics"}
	}

	return func(c *gin.Context) {
		start := time.Now()
		requestID := acceptRequestID(c)

		ctx := obscontext.WithRequestID(c.Request.Context(), requestID)
		if actor := headerToken(c.GetHeader(headerActor), maxActorLen); actor != "" {
			ctx = obscontext.WithActor(ctx, "operator", actor)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("resource_id", id))
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, errorFields(cfg, lastErr.Err)...)
		}

		level := requestLevel(status, containsFold(quiet, route))
		if ce := FromContext(c.Request.Context()).Check(level, "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func errorFields(cfg MiddlewareConfig, err error) []zap.Field {
	var errorType, errorCode string
	if cfg.ErrorClassifier != nil {
		errorType, errorCode = cfg.ErrorClassifier(err)
	}
	fields := []zap.Field{
		zap.String("error_type", errorType),
		zap.String("error_code", errorCode),
	}
	if cfg.Debug {
		fields = append(fields, zap.Error(err))
	}
	return fields
}

// acceptRequestID reuses the caller's request id when it is a sane token
// and mints a fresh one otherwise. The id is echoed on the response.
func acceptRequestID(c *gin.Context) string {
	requestID := headerToken(c.GetHeader(headerRequestID), maxRequestIDLen)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header(headerRequestID, requestID)
	return requestID
}

// headerToken trims value and rejects it when longer than limit or when it
// carries anything outside printable ASCII.
func headerToken(value string, limit int) string {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > limit {
		return ""
	}
	for i := 0; i < len(value); i++ {
		if value[i] < 0x21 || value[i] > 0x7e {
			return ""
		}
	}
	return value
}

func requestLevel(status int, quiet bool) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case quiet:
		return zapcore.DebugLevel
	case status >= http.StatusBadRequest:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func containsFold(routes []string, route string) bool {
	for _, r := range routes {
		if strings.EqualFold(r, route) {
			return true
		}
	}
	return false
}
