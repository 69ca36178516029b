package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"asset-edge/internal/client"
	"asset-edge/internal/config"
	"asset-edge/internal/content"
	"asset-edge/internal/handler"
	"asset-edge/internal/lambda"
	"asset-edge/internal/metrics"
	"asset-edge/internal/middleware"
	"asset-edge/internal/resolver"
	"asset-edge/internal/router"
	"asset-edge/internal/service"
	"asset-edge/internal/static"
	"asset-edge/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("asset-edge"),
		kong.Description("Static asset server and path-routing reverse proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	if strings.HasPrefix(kctx.Command(), "invoke") {
		if err := runInvoke(&cli); err != nil {
			fmt.Fprintln(os.Stderr, "invoke:", err)
			os.Exit(1)
		}
		return
	}

	fx.New(
		coreModule(&cli, os.Stdout),
		fx.Provide(
			newEcho,
			handler.NewEdgeHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

// coreModule provides everything needed to dispatch a request. Logs go to
// logOut so that invoke can keep stdout for its result.
func coreModule(cli *config.CLI, logOut io.Writer) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			func(cfg *config.Config) *slog.Logger { return newLogger(cfg, logOut) },
			metrics.New,
			newTracer,
			client.NewUpstreamClient,
			service.NewUpstreamForwarder,
			func(f *service.UpstreamForwarder) service.Forwarder { return f },
			func(f *service.UpstreamForwarder) handler.Upgrader { return f },
			newResolver,
			newStaticServer,
			newRouter,
			service.NewDispatcher,
		),
		fx.Invoke(registerTracerShutdown),
	)
}

// runInvoke dispatches a single event and prints the result to stdout.
func runInvoke(cli *config.CLI) error {
	in := io.Reader(os.Stdin)
	if path := cli.Invoke.Event; path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open event: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	var d *service.Dispatcher
	app := fx.New(coreModule(cli, os.Stderr), fx.Populate(&d))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = app.Stop(context.Background()) }()

	return lambda.Invoke(ctx, d, in, os.Stdout)
}

func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h)
}

func newTracer(cfg *config.Config, logger *slog.Logger) (*tracing.Tracer, error) {
	return tracing.New(cfg.Tracing, version, logger)
}

func newResolver(cfg *config.Config) (*resolver.Resolver, error) {
	return resolver.New(cfg.Static.Root, cfg.Static.Index)
}

func newStaticServer(cfg *config.Config, res *resolver.Resolver, logger *slog.Logger) *static.Server {
	if info, err := os.Stat(res.Root()); err != nil || !info.IsDir() {
		logger.Warn("static root is not a directory; every local lookup will miss", "root", res.Root())
	}

	var opts []static.Option
	if cfg.Static.RenderMarkdown {
		opts = append(opts, static.WithMarkdown(content.NewRenderer()))
	}
	return static.New(static.OSFileSystem{}, logger, opts...)
}

func newRouter(cfg *config.Config, logger *slog.Logger) *router.Router {
	rules := cfg.ProxyRules()
	for i, r := range rules {
		logger.Info("proxy rule",
			"index", i,
			"prefixes", r.MatchPrefixes,
			"target", r.TargetID,
			"websocket", r.AllowWebsocketUpgrade,
		)
	}
	rt := router.New(rules)
	logger.Info("router ready", "rules", rt.Rules(), "targets", cfg.TargetIDs())
	return rt
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tr *tracing.Tracer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler(logger)

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays 0 so long streamed upstream responses and upgraded
	// connections are not cut off.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Tracing(tr.Provider()))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.Recover())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func registerTracerShutdown(lc fx.Lifecycle, tr *tracing.Tracer) {
	lc.Append(fx.Hook{
		OnStop: tr.Shutdown,
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"static_root", cfg.Static.Root,
				"rules", len(cfg.Proxy.Rules),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
