// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"asset-edge/internal/model"
	"asset-edge/internal/router"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/asset-edge/config.toml",
	"configs/config.toml",
}

// reservedRoutes are answered by the edge itself; the metrics path must not
// shadow them.
var reservedRoutes = []string{"/time", "/healthz", "/edge/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Root     string `kong:"help='Static root directory (overrides config).',env='STATIC_ROOT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Serve  ServeCmd  `kong:"cmd,default='1',help='Run the HTTP edge (default).'"`
	Invoke InvokeCmd `kong:"cmd,help='Dispatch a single Lambda-style HTTP event and print the response.'"`
}

// ServeCmd runs the long-lived listener.
type ServeCmd struct{}

// InvokeCmd dispatches one event read from a file or stdin.
type InvokeCmd struct {
	Event string `kong:"arg,optional,help='Event JSON file (stdin when omitted or -).'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Static   StaticConfig   `toml:"static" yaml:"static"`
	Proxy    ProxyConfig    `toml:"proxy" yaml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream" yaml:"upstream"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing" yaml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// StaticConfig describes the directory assets are served from.
type StaticConfig struct {
	Root           string `toml:"root" yaml:"root"`
	Index          string `toml:"index" yaml:"index"`
	RenderMarkdown bool   `toml:"render_markdown" yaml:"render_markdown"`
}

// ProxyConfig holds the ordered forwarding rules.
type ProxyConfig struct {
	Rules []RuleConfig `toml:"rules" yaml:"rules"`
}

// RuleConfig maps path prefixes to a named upstream target.
type RuleConfig struct {
	Prefixes    []string `toml:"prefixes" yaml:"prefixes"`
	Target      string   `toml:"target" yaml:"target"`
	StripPrefix bool     `toml:"strip_prefix" yaml:"strip_prefix"`
	RewriteTo   string   `toml:"rewrite_to" yaml:"rewrite_to"`
	Websocket   bool     `toml:"websocket" yaml:"websocket"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int                     `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int                     `toml:"idle_connections" yaml:"idle_connections"`
	Targets         map[string]TargetConfig `toml:"targets" yaml:"targets"`
}

// TargetConfig is one upstream service.
type TargetConfig struct {
	BaseURL        string `toml:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds"` // 0 inherits upstream.timeout_seconds
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	ServiceName string  `toml:"service_name" yaml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/asset-edge/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// decode picks the decoder from the file extension; TOML is the default.
func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Root != "" {
		c.Static.Root = cli.Root
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if strings.ContainsAny(c.Static.Index, `/\`) {
		return fmt.Errorf("static.index must be a plain file name; got %q", c.Static.Index)
	}

	// Upstream targets: absolute http(s) URLs.
	for id, t := range c.Upstream.Targets {
		if id == "" {
			return fmt.Errorf("upstream.targets: empty target id")
		}
		u, err := url.Parse(t.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.targets.%s.base_url is not a valid URL: %w", id, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("upstream.targets.%s.base_url must be an absolute http or https URL; got %q", id, t.BaseURL)
		}
		if t.TimeoutSeconds < 0 {
			return fmt.Errorf("upstream.targets.%s.timeout_seconds must be non-negative; got %d", id, t.TimeoutSeconds)
		}
	}

	// Proxy rules.
	for i, r := range c.Proxy.Rules {
		if len(r.Prefixes) == 0 {
			return fmt.Errorf("proxy.rules[%d]: at least one prefix is required", i)
		}
		for _, p := range r.Prefixes {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("proxy.rules[%d]: prefix must start with '/'; got %q", i, p)
			}
			if p == "/time" {
				return fmt.Errorf("proxy.rules[%d]: prefix %q shadows the diagnostic endpoint", i, p)
			}
		}
		if _, ok := c.Upstream.Targets[r.Target]; !ok {
			return fmt.Errorf("proxy.rules[%d]: unknown target %q", i, r.Target)
		}
		if r.RewriteTo != "" && !strings.HasPrefix(r.RewriteTo, "/") {
			return fmt.Errorf("proxy.rules[%d]: rewrite_to must start with '/'; got %q", i, r.RewriteTo)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return fmt.Errorf("tracing.sample_ratio must be within 0–1; got %v", c.Tracing.SampleRatio)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because
// the config formats cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Static.Root == "" {
		c.Static.Root = "public"
	}
	if c.Static.Index == "" {
		c.Static.Index = "index.html"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	for id, t := range c.Upstream.Targets {
		if t.TimeoutSeconds == 0 {
			t.TimeoutSeconds = c.Upstream.TimeoutSeconds
			c.Upstream.Targets[id] = t
		}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "asset-edge"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// ProxyRules converts the configured rules into router rules, preserving order.
func (c *Config) ProxyRules() []model.ProxyRule {
	rules := make([]model.ProxyRule, 0, len(c.Proxy.Rules))
	for _, r := range c.Proxy.Rules {
		rule := model.ProxyRule{
			MatchPrefixes:         append([]string(nil), r.Prefixes...),
			TargetID:              r.Target,
			AllowWebsocketUpgrade: r.Websocket,
		}
		if r.StripPrefix || r.RewriteTo != "" {
			rule.PathRewrite = router.PrefixRewrite(r.Prefixes, r.RewriteTo)
		}
		rules = append(rules, rule)
	}
	return rules
}

// TargetIDs returns the configured upstream target ids in sorted order.
func (c *Config) TargetIDs() []string {
	ids := make([]string, 0, len(c.Upstream.Targets))
	for id := range c.Upstream.Targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
