package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"asset-edge/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	StaticRoot  string   `json:"static_root"`
	ProxyRules  int      `json:"proxy_rules"`
	Targets     []string `json:"targets"`
	Markdown    bool     `json:"render_markdown"`
	RateLimited bool     `json:"rate_limited"`
}

// Status returns edge status information. Upstream URLs are not exposed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		StaticRoot:  h.cfg.Static.Root,
		ProxyRules:  len(h.cfg.Proxy.Rules),
		Targets:     h.cfg.TargetIDs(),
		Markdown:    h.cfg.Static.RenderMarkdown,
		RateLimited: h.cfg.Server.RateLimit.Enabled,
	})
}
