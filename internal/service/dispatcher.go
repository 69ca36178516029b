package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"asset-edge/internal/metrics"
	"asset-edge/internal/model"
	"asset-edge/internal/resolver"
	"asset-edge/internal/router"
	"asset-edge/internal/static"
)

// DiagnosticPath is answered by the edge itself before any other routing.
const DiagnosticPath = "/time"

// Fixed plain-text bodies for error responses. They never carry detail.
const (
	notFoundBody   = "404 Not Found"
	badGatewayBody = "502 Bad Gateway"
	internalBody   = "500 Internal Server Error"
)

// securityHeaders are set on every response the dispatcher produces,
// overriding any upstream value.
var securityHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Access-Control-Allow-Origin", "*"},
}

// Dispatcher routes each request to exactly one terminal state: the
// diagnostic endpoint, a local file, an upstream (with local fallback), or
// not found. It holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	resolver  *resolver.Resolver
	files     *static.Server
	router    *router.Router
	forwarder Forwarder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. The metrics parameter is optional.
func NewDispatcher(
	res *resolver.Resolver,
	files *static.Server,
	rt *router.Router,
	fwd Forwarder,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		resolver:  res,
		files:     files,
		router:    rt,
		forwarder: fwd,
		metrics:   m,
		logger:    logger.With("component", "dispatcher"),
		now:       time.Now,
	}
}

// Classify returns the route decision for req without serving it. A path
// that resolves outside the static root is not found, whatever rule it
// would otherwise match.
func (d *Dispatcher) Classify(req *model.Request) model.RouteDecision {
	if req.RawPath == DiagnosticPath {
		return model.RouteDecision{Kind: model.RouteDiagnostic}
	}

	resolved := d.resolver.Resolve(req.RawPath)
	if !resolved.WithinRoot {
		return model.RouteDecision{Kind: model.RouteNotFound, Resolved: resolved}
	}
	return d.router.Classify(req.RawPath, func(string) (model.ResolvedPath, bool) {
		return resolved, d.files.Exists(resolved)
	})
}

// Handle dispatches req and always returns a well-formed response carrying
// the edge security headers. Panics while composing the response are
// recovered into a 500.
func (d *Dispatcher) Handle(ctx context.Context, req *model.Request) (resp *model.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "panic while dispatching",
				"path", req.RawPath,
				"panic", fmt.Sprint(r),
			)
			if resp != nil && resp.Stream != nil {
				_ = resp.Stream.Close()
			}
			resp = internalError()
		}
		applySecurityHeaders(resp)
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.String("edge.outcome", string(resp.Outcome)),
			attribute.Int("http.response.status_code", resp.StatusCode),
		)
	}()

	decision := d.Classify(req)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("edge.route", decision.Kind.String()))

	switch decision.Kind {
	case model.RouteDiagnostic:
		return d.serveTime()
	case model.RouteLocalFile:
		return d.serveLocal(ctx, decision.Resolved, model.OutcomeLocal)
	case model.RouteProxy:
		return d.serveProxy(ctx, req, decision)
	default:
		if !decision.Resolved.WithinRoot {
			d.rejectTraversal(ctx, decision.Resolved)
		}
		return notFound()
	}
}

type timePayload struct {
	UTCTime   string `json:"utc_time"`
	Timestamp int64  `json:"timestamp"`
}

// isoMillis matches JavaScript's Date.prototype.toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z"

func (d *Dispatcher) serveTime() *model.Response {
	now := d.now().UTC()
	body, err := json.Marshal(timePayload{
		UTCTime:   now.Format(isoMillis),
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		return internalError()
	}
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &model.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       body,
		Outcome:    model.OutcomeDiagnostic,
	}
}

func (d *Dispatcher) serveLocal(ctx context.Context, resolved model.ResolvedPath, outcome model.Outcome) *model.Response {
	resp, err := d.files.Serve(ctx, resolved)
	if err != nil {
		if errors.Is(err, static.ErrNotFound) {
			return notFound()
		}
		d.logger.ErrorContext(ctx, "serving local file", "path", resolved.OriginalPath, "err", err)
		return internalError()
	}
	resp.Outcome = outcome
	if d.metrics != nil {
		d.metrics.StaticBytes.Add(float64(len(resp.Body)))
	}
	return resp
}

// serveProxy forwards to the decision's target. On failure it retries the
// original, unrewritten path against the static root and answers 502 when
// that finds nothing either.
func (d *Dispatcher) serveProxy(ctx context.Context, req *model.Request, decision model.RouteDecision) *model.Response {
	upstream := req.WithPath(decision.RewrittenPath, decision.EscapedUpstreamPath(req.EscapedPath))
	resp, err := d.forwarder.Forward(ctx, decision.TargetID, upstream)
	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", ErrUpstreamUnavailable)
	}
	if err == nil {
		return resp
	}

	d.logger.WarnContext(ctx, "upstream forward failed; trying local fallback",
		"target", decision.TargetID,
		"path", req.RawPath,
		"upstream_path", decision.RewrittenPath,
		"reason", FailureReason(err),
		"err", err,
	)
	trace.SpanFromContext(ctx).AddEvent("upstream_failed", trace.WithAttributes(
		attribute.String("edge.target", decision.TargetID),
		attribute.String("edge.failure_reason", FailureReason(err)),
	))

	resolved := d.resolver.Resolve(req.RawPath)
	fb, ferr := d.files.Serve(ctx, resolved)
	if ferr == nil {
		d.countFallback(decision.TargetID, "served")
		fb.Outcome = model.OutcomeFallback
		if d.metrics != nil {
			d.metrics.StaticBytes.Add(float64(len(fb.Body)))
		}
		return fb
	}

	switch {
	case errors.Is(ferr, static.ErrPathTraversal):
		d.rejectTraversal(ctx, resolved)
	case !errors.Is(ferr, static.ErrNotFound):
		d.logger.ErrorContext(ctx, "local fallback failed", "path", req.RawPath, "err", ferr)
	}
	d.countFallback(decision.TargetID, "missed")
	return badGateway()
}

func (d *Dispatcher) countFallback(target, result string) {
	if d.metrics != nil {
		d.metrics.Fallbacks.WithLabelValues(target, result).Inc()
	}
}

func (d *Dispatcher) rejectTraversal(ctx context.Context, resolved model.ResolvedPath) {
	d.logger.WarnContext(ctx, "rejected path outside static root",
		"path", resolved.OriginalPath,
		"reason", "traversal",
	)
	if d.metrics != nil {
		d.metrics.TraversalsRejected.Inc()
	}
}

// FailureReason classifies a forward error into a short, bounded label for
// logs and traces.
func FailureReason(err error) string {
	if errors.Is(err, ErrUnknownTarget) {
		return "unknown_target"
	}
	if errors.Is(err, ErrUpstreamStatus) {
		return "upstream_status"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "timeout"
		}
		return "connection"
	}

	return "unknown"
}

func textResponse(status int, body string, outcome model.Outcome) *model.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &model.Response{
		StatusCode: status,
		Header:     header,
		Body:       []byte(body),
		Outcome:    outcome,
	}
}

func notFound() *model.Response {
	return textResponse(http.StatusNotFound, notFoundBody, model.OutcomeNotFound)
}

func badGateway() *model.Response {
	return textResponse(http.StatusBadGateway, badGatewayBody, model.OutcomeUpstreamFailed)
}

func internalError() *model.Response {
	return textResponse(http.StatusInternalServerError, internalBody, model.OutcomeInternalError)
}

func applySecurityHeaders(resp *model.Response) {
	if resp.Header == nil {
		resp.Header = make(http.Header)
	}
	for _, h := range securityHeaders {
		resp.Header.Set(h[0], h[1])
	}
}
