// Package middleware provides Echo middleware for logging, metrics, tracing
// and security headers.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"asset-edge/internal/metrics"
	"asset-edge/internal/model"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Requests that ended in an error state are logged at warn level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()
			outcome := outcomeOf(c)

			level := slog.LevelInfo
			if outcome == string(model.OutcomeUpstreamFailed) || outcome == string(model.OutcomeInternalError) {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"outcome", outcome,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// outcomeOf returns the outcome label a handler recorded on c, or "edge"
// for routes served outside the dispatcher.
func outcomeOf(c echo.Context) string {
	o, _ := c.Get(model.OutcomeContextKey).(model.Outcome)
	return metrics.NormalizeOutcome(string(o))
}
