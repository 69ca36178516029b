// Package service implements request dispatch and upstream forwarding.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"asset-edge/internal/client"
	"asset-edge/internal/config"
	"asset-edge/internal/model"
)

var (
	// ErrUpstreamUnavailable is the common cause of every forward failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUnknownTarget is returned when a rule names a target with no base URL.
	ErrUnknownTarget = fmt.Errorf("%w: unknown target", ErrUpstreamUnavailable)

	// ErrUpstreamStatus is returned when the upstream answers with a 5xx.
	ErrUpstreamStatus = fmt.Errorf("%w: upstream returned server error", ErrUpstreamUnavailable)
)

// hopByHopHeaders are meaningful only for a single connection and are never
// forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const userAgent = "asset-edge/1.0"

// Forwarder is the reverse-proxy capability used by the dispatcher.
type Forwarder interface {
	Forward(ctx context.Context, targetID string, req *model.Request) (*model.Response, error)
}

// UpstreamForwarder forwards requests to named upstream targets.
type UpstreamForwarder struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	targets map[string]*url.URL
}

// NewUpstreamForwarder creates an UpstreamForwarder for the configured targets.
func NewUpstreamForwarder(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*UpstreamForwarder, error) {
	targets := make(map[string]*url.URL, len(cfg.Upstream.Targets))
	for id, t := range cfg.Upstream.Targets {
		u, err := url.Parse(t.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream.targets.%s.base_url: %w", id, err)
		}
		targets[id] = u
	}

	return &UpstreamForwarder{
		client:  c,
		logger:  logger.With("component", "forwarder"),
		targets: targets,
	}, nil
}

// Forward sends req to targetID and returns the upstream response with its
// body streamed. The caller is responsible for closing Stream.
//
// Transport errors, unknown targets and 5xx answers are all returned as
// errors wrapping ErrUpstreamUnavailable; on a 5xx the body is discarded.
func (f *UpstreamForwarder) Forward(ctx context.Context, targetID string, req *model.Request) (*model.Response, error) {
	base, ok := f.targets[targetID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTarget, targetID)
	}

	upstreamURL := buildUpstreamURL(base, req.RawPath, req.EscapedPath, req.RawQuery)
	header := f.filterRequestHeaders(req)

	f.logger.Debug("forwarding request",
		"target", targetID,
		"method", req.Method,
		"path", req.RawPath,
	)

	resp, err := f.client.DoStream(ctx, targetID, req.Method, upstreamURL, header, req.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w: %w", targetID, ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		_ = resp.Stream.Close()
		return nil, fmt.Errorf("forward to %s: %w (%d)", targetID, ErrUpstreamStatus, resp.StatusCode)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// ServeUpgrade hands a connection-upgrade request (websocket) to a reverse
// proxy for the decision's target, addressed to its rewritten path. The
// connection is hijacked, so the caller must not write to w afterwards.
func (f *UpstreamForwarder) ServeUpgrade(w http.ResponseWriter, r *http.Request, decision model.RouteDecision) error {
	targetID, path := decision.TargetID, decision.RewrittenPath
	base, ok := f.targets[targetID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTarget, targetID)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			escaped := decision.EscapedUpstreamPath(pr.In.URL.EscapedPath())
			pr.Out.URL, _ = url.Parse(buildUpstreamURL(base, path, escaped, pr.In.URL.RawQuery))
			pr.Out.Host = base.Host
			pr.SetXForwarded()
		},
		Transport: f.client.Transport(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			f.logger.Error("upgrade proxy error", "target", targetID, "path", r.URL.Path, "err", err)
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	f.logger.Debug("upgrading connection", "target", targetID, "path", path)
	proxy.ServeHTTP(w, r)
	return nil
}

// buildUpstreamURL joins path onto the base URL's path and attaches rawQuery.
// escaped is the encoded form of path; it is kept (so %2F stays encoded)
// when it decodes to path, and ignored otherwise.
func buildUpstreamURL(base *url.URL, path, escaped, rawQuery string) string {
	u := *base
	u.Path = joinPath(base.Path, path)
	u.RawPath = ""
	if escaped != "" {
		u.RawPath = joinPath(base.EscapedPath(), escaped)
	}
	u.RawQuery = rawQuery
	u.Fragment = ""
	return u.String()
}

func joinPath(base, path string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// filterRequestHeaders copies the client's headers minus hop-by-hop ones and
// adds the standard forwarding headers.
func (f *UpstreamForwarder) filterRequestHeaders(req *model.Request) http.Header {
	dst := req.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)

	if req.Host != "" {
		dst.Set("X-Forwarded-Host", req.Host)
	}

	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := dst.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		dst.Set("X-Forwarded-For", ip)
	}
	if dst.Get("User-Agent") == "" {
		dst.Set("User-Agent", userAgent)
	}
	return dst
}

// filterResponseHeaders drops hop-by-hop headers from an upstream response.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	removeHopByHop(dst)
	return dst
}

// removeHopByHop deletes hop-by-hop headers, including any listed in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}
