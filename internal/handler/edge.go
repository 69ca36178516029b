// Package handler adapts echo requests to the edge dispatcher and serves the
// edge's own endpoints.
package handler

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"asset-edge/internal/model"
	"asset-edge/internal/service"
)

// Upgrader takes over connection-upgrade requests for proxied targets.
type Upgrader interface {
	ServeUpgrade(w http.ResponseWriter, r *http.Request, decision model.RouteDecision) error
}

// EdgeHandler serves every path not claimed by an explicit route.
type EdgeHandler struct {
	dispatcher *service.Dispatcher
	upgrader   Upgrader
	logger     *slog.Logger
}

// NewEdgeHandler creates an EdgeHandler.
func NewEdgeHandler(d *service.Dispatcher, up Upgrader, logger *slog.Logger) *EdgeHandler {
	return &EdgeHandler{
		dispatcher: d,
		upgrader:   up,
		logger:     logger.With("component", "edge_handler"),
	}
}

// Handle dispatches the request and writes the response. Websocket upgrades
// on rules that allow them are handed to the upgrader instead.
func (h *EdgeHandler) Handle(c echo.Context) error {
	r := c.Request()
	req := &model.Request{
		Method:      r.Method,
		Host:        r.Host,
		RawPath:     r.URL.Path,
		EscapedPath: r.URL.EscapedPath(),
		RawQuery:    r.URL.RawQuery,
		Header:      r.Header,
		Body:        r.Body,
		RemoteAddr:  r.RemoteAddr,
	}

	if isWebsocketUpgrade(r) && h.upgrader != nil {
		decision := h.dispatcher.Classify(req)
		if decision.Kind == model.RouteProxy && decision.AllowWebsocket {
			c.Set(model.OutcomeContextKey, model.OutcomeProxy)
			if err := h.upgrader.ServeUpgrade(c.Response(), r, decision); err != nil {
				h.logger.Error("websocket upgrade", "target", decision.TargetID, "err", err)
				c.Set(model.OutcomeContextKey, model.OutcomeUpstreamFailed)
				return c.String(http.StatusBadGateway, "502 Bad Gateway")
			}
			return nil
		}
	}

	resp := h.dispatcher.Handle(r.Context(), req)
	c.Set(model.OutcomeContextKey, resp.Outcome)
	h.write(c, resp)
	return nil
}

func (h *EdgeHandler) write(c echo.Context, resp *model.Response) {
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}

	if !resp.IsStreamed || resp.Stream == nil {
		dst.Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
		c.Response().WriteHeader(resp.StatusCode)
		if _, err := c.Response().Write(resp.Body); err != nil {
			h.logger.Debug("writing response body", "err", err, "path", c.Request().URL.Path)
		}
		return
	}

	defer func() { _ = resp.Stream.Close() }()
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a copy failure only truncates.
	if _, err := io.Copy(c.Response(), resp.Stream); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
}

func isWebsocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}
