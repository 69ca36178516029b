// Package client provides the pooled HTTP client used to reach upstream
// targets.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"asset-edge/internal/config"
	"asset-edge/internal/metrics"
	"asset-edge/internal/model"
)

const tracerName = "asset-edge/client"

// UpstreamClient sends requests to upstream targets. All targets share one
// connection pool; each target gets its own overall timeout.
type UpstreamClient struct {
	transport *http.Transport
	fallback  *http.Client
	byTarget  map[string]*http.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &UpstreamClient{
		transport: transport,
		fallback:  newHTTPClient(transport, cfg.Upstream.TimeoutSeconds),
		byTarget:  make(map[string]*http.Client, len(cfg.Upstream.Targets)),
		logger:    logger.With("component", "upstream_client"),
		metrics:   m,
	}
	for id, t := range cfg.Upstream.Targets {
		timeout := t.TimeoutSeconds
		if timeout == 0 {
			timeout = cfg.Upstream.TimeoutSeconds
		}
		c.byTarget[id] = newHTTPClient(transport, timeout)
	}
	return c
}

func newHTTPClient(rt http.RoundTripper, timeoutSeconds int) *http.Client {
	return &http.Client{
		Transport: rt,
		Timeout:   time.Duration(timeoutSeconds) * time.Second,
		// Redirects are passed through to the client untouched.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Transport returns the shared round tripper, for transports that bypass
// Do (connection upgrades).
func (c *UpstreamClient) Transport() http.RoundTripper {
	return c.transport
}

// Do executes an HTTP request against target and returns the response with
// its body left open as a stream. The caller must close Stream; the upstream
// span ends when it does.
func (c *UpstreamClient) Do(target string, req *http.Request) (*model.Response, error) {
	hc, ok := c.byTarget[target]
	if !ok {
		hc = c.fallback
	}

	ctx, span := otel.Tracer(tracerName).Start(req.Context(), "upstream "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("edge.target", target),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)

	req = req.WithContext(ctx)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	c.logger.Debug("upstream request",
		"target", target,
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via model.Response
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(target, method).Observe(duration)
			c.metrics.UpstreamFailures.WithLabelValues(target, method).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		span.End()
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Status)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(target, method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(target, method, status).Inc()
	}

	return &model.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Stream:     &spanBody{ReadCloser: resp.Body, span: span},
		IsStreamed: true,
		Outcome:    model.OutcomeProxy,
	}, nil
}

// spanBody ends the upstream span when the caller closes the body, so the
// span covers the streamed copy. Read errors other than io.EOF are recorded.
type spanBody struct {
	io.ReadCloser
	span  trace.Span
	bytes int64
	once  sync.Once
}

func (b *spanBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.span.RecordError(err)
		b.span.SetStatus(codes.Error, "reading upstream body")
	}
	return n, err
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.span.SetAttributes(attribute.Int64("edge.response_bytes", b.bytes))
		b.span.End()
	})
	return err
}

// DoStream builds a request and executes it against target.
// The caller is responsible for closing the returned Stream.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, target, method, url string, header http.Header, body io.Reader) (*model.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	return c.Do(target, req)
}
