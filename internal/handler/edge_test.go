package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"asset-edge/internal/client"
	"asset-edge/internal/config"
	"asset-edge/internal/metrics"
	"asset-edge/internal/model"
	"asset-edge/internal/resolver"
	"asset-edge/internal/router"
	"asset-edge/internal/service"
	"asset-edge/internal/static"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type edgeSetup struct {
	rules   []config.RuleConfig
	targets map[string]string
	files   map[string]string
}

// newTestEcho builds the full edge stack on a temporary static root and
// returns the echo instance and the outcome recorded for the last request.
func newTestEcho(t *testing.T, setup edgeSetup) (*echo.Echo, *model.Outcome) {
	t.Helper()

	root := t.TempDir()
	for name, body := range setup.files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	cfg := &config.Config{
		Static: config.StaticConfig{Root: root, Index: resolver.DefaultIndex},
		Proxy:  config.ProxyConfig{Rules: setup.rules},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
			Targets:         map[string]config.TargetConfig{},
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	for id, base := range setup.targets {
		cfg.Upstream.Targets[id] = config.TargetConfig{BaseURL: base}
	}

	logger := discardLogger()
	m := metrics.New()
	uc := client.NewUpstreamClient(cfg, logger, m)
	fwd, err := service.NewUpstreamForwarder(uc, cfg, logger)
	if err != nil {
		t.Fatalf("NewUpstreamForwarder: %v", err)
	}
	res, err := resolver.New(root, cfg.Static.Index)
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	d := service.NewDispatcher(res, static.New(static.OSFileSystem{}, logger), router.New(cfg.ProxyRules()), fwd, m, logger)

	var outcome model.Outcome
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			outcome, _ = c.Get(model.OutcomeContextKey).(model.Outcome)
			return err
		}
	})
	RegisterRoutes(e, cfg, m, NewEdgeHandler(d, fwd, logger), NewHealthHandler(cfg, "test"))
	return e, &outcome
}

func serve(e *echo.Echo, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEdgeHandler_LocalFile(t *testing.T) {
	e, outcome := newTestEcho(t, edgeSetup{files: map[string]string{
		"index.html":  "<h1>home</h1>",
		"app/main.js": "console.log(1)",
	}})

	tests := []struct {
		path     string
		wantType string
		wantBody string
	}{
		{"/", "text/html", "<h1>home</h1>"},
		{"/app/main.js", "application/javascript", "console.log(1)"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(e, http.MethodGet, tt.path, http.NoBody)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.wantType)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if cl := rec.Header().Get("Content-Length"); cl != fmt.Sprint(len(tt.wantBody)) {
				t.Errorf("Content-Length = %q, want %d", cl, len(tt.wantBody))
			}
			if rec.Header().Get("X-Frame-Options") != "DENY" {
				t.Error("missing X-Frame-Options")
			}
			if *outcome != model.OutcomeLocal {
				t.Errorf("outcome = %q, want %q", *outcome, model.OutcomeLocal)
			}
		})
	}
}

func TestEdgeHandler_Proxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/users")
		}
		if r.URL.RawQuery != "page=2" {
			t.Errorf("upstream query = %q, want %q", r.URL.RawQuery, "page=2")
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"received":"` + string(body) + `"}`))
	}))
	defer upstream.Close()

	e, outcome := newTestEcho(t, edgeSetup{
		rules:   []config.RuleConfig{{Prefixes: []string{"/api"}, Target: "backend", StripPrefix: true}},
		targets: map[string]string{"backend": upstream.URL},
	})

	rec := serve(e, http.MethodPost, "/api/users?page=2", strings.NewReader("hello"))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["received"] != "hello" {
		t.Errorf("body.received = %q, want %q", body["received"], "hello")
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream header not passed through")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing Access-Control-Allow-Origin")
	}
	if *outcome != model.OutcomeProxy {
		t.Errorf("outcome = %q, want %q", *outcome, model.OutcomeProxy)
	}
}

func TestEdgeHandler_ProxyKeepsEncodedSlash(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.EscapedPath()))
	}))
	defer upstream.Close()

	e, _ := newTestEcho(t, edgeSetup{
		rules:   []config.RuleConfig{{Prefixes: []string{"/api"}, Target: "backend", StripPrefix: true}},
		targets: map[string]string{"backend": upstream.URL},
	})

	rec := serve(e, http.MethodGet, "/api/repos/a%2Fb", http.NoBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "/repos/a%2Fb" {
		t.Errorf("upstream saw %q, want %q", rec.Body.String(), "/repos/a%2Fb")
	}
}

func TestEdgeHandler_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	e, outcome := newTestEcho(t, edgeSetup{
		rules:   []config.RuleConfig{{Prefixes: []string{"/api"}, Target: "backend"}},
		targets: map[string]string{"backend": upstream.URL},
	})

	rec := serve(e, http.MethodGet, "/api/users", http.NoBody)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if rec.Body.String() != "502 Bad Gateway" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "502 Bad Gateway")
	}
	if *outcome != model.OutcomeUpstreamFailed {
		t.Errorf("outcome = %q, want %q", *outcome, model.OutcomeUpstreamFailed)
	}
}

func TestEdgeHandler_Time(t *testing.T) {
	e, _ := newTestEcho(t, edgeSetup{})

	rec := serve(e, http.MethodGet, "/time", http.NoBody)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		UTCTime   string `json:"utc_time"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, body.UTCTime)
	if err != nil {
		t.Fatalf("utc_time %q: %v", body.UTCTime, err)
	}
	if parsed.UnixMilli() != body.Timestamp {
		t.Errorf("utc_time %s and timestamp %d disagree", body.UTCTime, body.Timestamp)
	}
}

func TestEdgeHandler_NotFound(t *testing.T) {
	e, outcome := newTestEcho(t, edgeSetup{})

	rec := serve(e, http.MethodGet, "/nope.html", http.NoBody)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.String() != "404 Not Found" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
	if *outcome != model.OutcomeNotFound {
		t.Errorf("outcome = %q, want %q", *outcome, model.OutcomeNotFound)
	}
}

func TestEdgeHandler_TraversalUnderProxyPrefix(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("root:x:0:0"))
	}))
	defer upstream.Close()

	e, outcome := newTestEcho(t, edgeSetup{
		rules:   []config.RuleConfig{{Prefixes: []string{"/api"}, Target: "backend", StripPrefix: true}},
		targets: map[string]string{"backend": upstream.URL},
	})

	for _, target := range []string{"/api/../../etc/passwd", "/api/%2e%2e/%2e%2e/etc/passwd"} {
		t.Run(target, func(t *testing.T) {
			rec := serve(e, http.MethodGet, target, http.NoBody)

			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
			if rec.Body.String() != "404 Not Found" {
				t.Errorf("body = %q", rec.Body.String())
			}
			if *outcome != model.OutcomeNotFound {
				t.Errorf("outcome = %q, want %q", *outcome, model.OutcomeNotFound)
			}
		})
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hit %d times, want 0", n)
	}
}

func TestEdgeHandler_WebsocketUpgrade(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket" {
			t.Errorf("upstream path = %q, want %q", r.URL.Path, "/socket")
		}
		conn, brw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		_, _ = brw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
		_ = brw.Flush()
		_, _ = io.Copy(conn, brw.Reader)
	}))
	defer upstream.Close()

	e, _ := newTestEcho(t, edgeSetup{
		rules: []config.RuleConfig{{
			Prefixes:    []string{"/live"},
			Target:      "sockets",
			StripPrefix: true,
			Websocket:   true,
		}},
		targets: map[string]string{"sockets": upstream.URL},
	})
	edge := httptest.NewServer(e)
	defer edge.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(edge.URL, "http://"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = fmt.Fprint(conn, "GET /live/socket HTTP/1.1\r\nHost: edge\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
	if err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q, want %q", buf, "ping")
	}
}

func TestIsWebsocketUpgrade(t *testing.T) {
	tests := []struct {
		name       string
		upgrade    string
		connection string
		want       bool
	}{
		{"websocket", "websocket", "Upgrade", true},
		{"case insensitive", "WebSocket", "keep-alive, upgrade", true},
		{"missing connection", "websocket", "", false},
		{"other protocol", "h2c", "Upgrade", false},
		{"plain request", "", "keep-alive", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.upgrade != "" {
				r.Header.Set("Upgrade", tt.upgrade)
			}
			if tt.connection != "" {
				r.Header.Set("Connection", tt.connection)
			}
			if got := isWebsocketUpgrade(r); got != tt.want {
				t.Errorf("isWebsocketUpgrade() = %v, want %v", got, tt.want)
			}
		})
	}
}
