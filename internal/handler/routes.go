package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"asset-edge/internal/config"
	"asset-edge/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// diagnostic /time endpoint is answered by the dispatcher, not here.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, edge *EdgeHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/edge/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/", edge.Handle)
	e.Any("/*", edge.Handle)
}
