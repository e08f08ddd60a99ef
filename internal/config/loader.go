package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. An empty path yields [Default].
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document is valid.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	r := &cfg.Router
	if r.Timeout == 0 {
		r.Timeout = DefaultRouterTimeout
	}
	if r.ConnectionTestTimeout == 0 {
		r.ConnectionTestTimeout = DefaultConnTestTimeout
	}
	if r.RetryBackoff == 0 {
		r.RetryBackoff = DefaultRetryBackoff
	}
	if r.Temperature == nil {
		t := DefaultTemperature
		r.Temperature = &t
	}
	if r.Breaker.MaxFailures == 0 {
		r.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if r.Breaker.ResetTimeout == 0 {
		r.Breaker.ResetTimeout = DefaultBreakerReset
	}
	if r.Breaker.HalfOpenMax == 0 {
		r.Breaker.HalfOpenMax = DefaultBreakerHalfOpen
	}

	if cfg.Providers.Webhook.Source == "" {
		cfg.Providers.Webhook.Source = DefaultTelemetryService
	}
	if cfg.Settings.Path == "" {
		cfg.Settings.Path = DefaultSettingsPath()
	}
	if cfg.Audit.MaxConns == 0 {
		cfg.Audit.MaxConns = DefaultAuditMaxOpenConns
	}
	if cfg.Audit.RecentLimit == 0 {
		cfg.Audit.RecentLimit = DefaultAuditRecentLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultTelemetryService
	}
}

// DefaultSettingsPath returns settings.yaml under the user config directory,
// or under the working directory when that cannot be determined.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return DefaultSettingsFileName
	}
	return filepath.Join(dir, "chatrelay", DefaultSettingsFileName)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr != "" {
		if host, _, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
		} else if !isLoopback(host) {
			slog.Warn("server.listen_addr is not a loopback address; API keys are reachable from the network",
				"listen_addr", cfg.Server.ListenAddr)
		}
	}
	for i, o := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(o, ""); err != nil {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] %q is not a valid pattern", i, o))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	errs = appendNonNegative(errs, "server.read_timeout", int64(cfg.Server.ReadTimeout))
	errs = appendNonNegative(errs, "server.write_timeout", int64(cfg.Server.WriteTimeout))
	errs = appendNonNegative(errs, "server.shutdown_timeout", int64(cfg.Server.ShutdownTimeout))

	// Router
	r := cfg.Router
	errs = appendNonNegative(errs, "router.timeout", int64(r.Timeout))
	errs = appendNonNegative(errs, "router.connection_test_timeout", int64(r.ConnectionTestTimeout))
	errs = appendNonNegative(errs, "router.retry_backoff", int64(r.RetryBackoff))
	errs = appendNonNegative(errs, "router.max_tokens", int64(r.MaxTokens))
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		errs = append(errs, fmt.Errorf("router.temperature %.2f is out of range [0, 2]", *r.Temperature))
	}
	errs = appendNonNegative(errs, "router.breaker.max_failures", int64(r.Breaker.MaxFailures))
	errs = appendNonNegative(errs, "router.breaker.reset_timeout", int64(r.Breaker.ResetTimeout))
	errs = appendNonNegative(errs, "router.breaker.half_open_max", int64(r.Breaker.HalfOpenMax))

	// Providers
	entries := []struct {
		name  string
		entry ProviderEntry
	}{
		{"openai", cfg.Providers.OpenAI},
		{"google", cfg.Providers.Google},
		{"anthropic", cfg.Providers.Anthropic},
	}
	disabled := 0
	for _, e := range entries {
		if e.entry.Disabled {
			disabled++
		}
		if e.entry.BaseURL == "" {
			continue
		}
		u, err := url.Parse(e.entry.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("providers.%s.base_url %q must be an absolute http(s) URL", e.name, e.entry.BaseURL))
		}
	}
	if disabled == len(entries) {
		slog.Warn("all AI providers are disabled; messages will go to the webhook only")
	}

	// Audit
	errs = appendNonNegative(errs, "audit.max_conns", int64(cfg.Audit.MaxConns))
	errs = appendNonNegative(errs, "audit.recent_limit", int64(cfg.Audit.RecentLimit))

	return errors.Join(errs...)
}

func appendNonNegative(errs []error, field string, v int64) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s must not be negative", field))
	}
	return errs
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
