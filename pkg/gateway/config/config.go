package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr string

	// OpenAI credentials and endpoints.
	OpenAIAPIKey  string
	OpenAIAPIBase string

	// Realtime relay.
	RealtimeURL              string
	RealtimeModel            string
	RealtimeBetaHeader       string
	UpstreamHandshakeTimeout time.Duration
	UpstreamWriteTimeout     time.Duration
	WSMaxMessageBytes        int64
	WSWriteTimeout           time.Duration
	ClientPingInterval       time.Duration // 0 => disabled

	// HTTP collaborators (token minting, analysis).
	AnalysisModel       string
	UpstreamHTTPTimeout time.Duration
	MaxBodyBytes        int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	LogLevel         slog.Level
	MetricsNamespace string

	// Tracing. An empty OTLPEndpoint keeps spans in-process.
	ServiceName  string
	OTLPEndpoint string

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

// fileConfig is the optional YAML file named by RELAY_CONFIG_FILE. Its values
// replace the built-in defaults; environment variables still win.
type fileConfig struct {
	Addr                     string   `yaml:"addr"`
	OpenAIAPIBase            string   `yaml:"openai_api_base"`
	RealtimeURL              string   `yaml:"realtime_url"`
	RealtimeModel            string   `yaml:"realtime_model"`
	RealtimeBetaHeader       string   `yaml:"realtime_beta_header"`
	UpstreamHandshakeTimeout string   `yaml:"upstream_handshake_timeout"`
	UpstreamWriteTimeout     string   `yaml:"upstream_write_timeout"`
	WSMaxMessageBytes        int64    `yaml:"ws_max_message_bytes"`
	WSWriteTimeout           string   `yaml:"ws_write_timeout"`
	ClientPingInterval       string   `yaml:"client_ping_interval"`
	AnalysisModel            string   `yaml:"analysis_model"`
	UpstreamHTTPTimeout      string   `yaml:"upstream_http_timeout"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	CORSOrigins              []string `yaml:"cors_origins"`
	LogLevel                 string   `yaml:"log_level"`
	MetricsNamespace         string   `yaml:"metrics_namespace"`
	ServiceName              string   `yaml:"service_name"`
	OTLPEndpoint             string   `yaml:"otlp_endpoint"`
	ReadHeaderTimeout        string   `yaml:"read_header_timeout"`
	ReadTimeout              string   `yaml:"read_timeout"`
	ShutdownGracePeriod      string   `yaml:"shutdown_grace_period"`
}

type defaults struct {
	addr                     string
	openAIAPIBase            string
	realtimeURL              string
	realtimeModel            string
	realtimeBetaHeader       string
	upstreamHandshakeTimeout time.Duration
	upstreamWriteTimeout     time.Duration
	wsMaxMessageBytes        int64
	wsWriteTimeout           time.Duration
	clientPingInterval       time.Duration
	analysisModel            string
	upstreamHTTPTimeout      time.Duration
	maxBodyBytes             int64
	corsOrigins              string
	logLevel                 string
	metricsNamespace         string
	serviceName              string
	otlpEndpoint             string
	readHeaderTimeout        time.Duration
	readTimeout              time.Duration
	shutdownGracePeriod      time.Duration
}

func builtinDefaults() defaults {
	return defaults{
		addr:                     ":8000",
		openAIAPIBase:            "https://api.openai.com/v1",
		realtimeURL:              "wss://api.openai.com/v1/realtime",
		realtimeModel:            "gpt-realtime",
		realtimeBetaHeader:       "realtime=v1",
		upstreamHandshakeTimeout: 10 * time.Second,
		upstreamWriteTimeout:     5 * time.Second,
		wsMaxMessageBytes:        16 << 20, // 16 MiB
		wsWriteTimeout:           5 * time.Second,
		clientPingInterval:       0,
		analysisModel:            "gpt-4",
		upstreamHTTPTimeout:      30 * time.Second,
		maxBodyBytes:             1 << 20, // 1 MiB
		corsOrigins:              "http://localhost:3000,http://localhost:3001",
		logLevel:                 "info",
		metricsNamespace:         "vai_relay",
		serviceName:              "vai-relay",
		readHeaderTimeout:        10 * time.Second,
		readTimeout:              30 * time.Second,
		shutdownGracePeriod:      30 * time.Second,
	}
}

func LoadFromEnv() (Config, error) {
	def := builtinDefaults()
	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		fc, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := fc.apply(&def); err != nil {
			return Config{}, fmt.Errorf("config file %q: %w", path, err)
		}
	}

	cfg := Config{
		Addr:                     envOr("RELAY_ADDR", def.addr),
		OpenAIAPIKey:             strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIAPIBase:            strings.TrimRight(envOr("OPENAI_API_BASE", def.openAIAPIBase), "/"),
		RealtimeURL:              envOr("RELAY_REALTIME_URL", def.realtimeURL),
		RealtimeModel:            envOr("RELAY_REALTIME_MODEL", def.realtimeModel),
		RealtimeBetaHeader:       envOr("RELAY_REALTIME_BETA_HEADER", def.realtimeBetaHeader),
		UpstreamHandshakeTimeout: envDurationOr("RELAY_UPSTREAM_HANDSHAKE_TIMEOUT", def.upstreamHandshakeTimeout),
		UpstreamWriteTimeout:     envDurationOr("RELAY_UPSTREAM_WRITE_TIMEOUT", def.upstreamWriteTimeout),
		WSMaxMessageBytes:        envInt64Or("RELAY_WS_MAX_MESSAGE_BYTES", def.wsMaxMessageBytes),
		WSWriteTimeout:           envDurationOr("RELAY_WS_WRITE_TIMEOUT", def.wsWriteTimeout),
		ClientPingInterval:       envDurationOr("RELAY_CLIENT_PING_INTERVAL", def.clientPingInterval),
		AnalysisModel:            envOr("RELAY_ANALYSIS_MODEL", def.analysisModel),
		UpstreamHTTPTimeout:      envDurationOr("RELAY_UPSTREAM_HTTP_TIMEOUT", def.upstreamHTTPTimeout),
		MaxBodyBytes:             envInt64Or("RELAY_MAX_BODY_BYTES", def.maxBodyBytes),
		CORSAllowedOrigins:       make(map[string]struct{}),
		MetricsNamespace:         envOr("RELAY_METRICS_NAMESPACE", def.metricsNamespace),
		ServiceName:              envOr("RELAY_SERVICE_NAME", def.serviceName),
		OTLPEndpoint:             envOr("RELAY_OTLP_ENDPOINT", def.otlpEndpoint),
		ReadHeaderTimeout:        envDurationOr("RELAY_READ_HEADER_TIMEOUT", def.readHeaderTimeout),
		ReadTimeout:              envDurationOr("RELAY_READ_TIMEOUT", def.readTimeout),
		ShutdownGracePeriod:      envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", def.shutdownGracePeriod),
	}

	for _, origin := range splitCSV(envOr("RELAY_CORS_ORIGINS", def.corsOrigins)) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("RELAY_LOG_LEVEL", def.logLevel))); err != nil {
		return Config{}, fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if err := validateURL(cfg.OpenAIAPIBase, "http", "https"); err != nil {
		return Config{}, fmt.Errorf("OPENAI_API_BASE %w", err)
	}
	if err := validateURL(cfg.RealtimeURL, "ws", "wss", "http", "https"); err != nil {
		return Config{}, fmt.Errorf("RELAY_REALTIME_URL %w", err)
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("RELAY_REALTIME_MODEL must not be empty")
	}
	if cfg.OTLPEndpoint != "" {
		if err := validateURL(cfg.OTLPEndpoint, "http", "https"); err != nil {
			return Config{}, fmt.Errorf("RELAY_OTLP_ENDPOINT %w", err)
		}
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.UpstreamWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ClientPingInterval < 0 {
		return Config{}, fmt.Errorf("RELAY_CLIENT_PING_INTERVAL must be >= 0")
	}
	if strings.TrimSpace(cfg.AnalysisModel) == "" {
		return Config{}, fmt.Errorf("RELAY_ANALYSIS_MODEL must not be empty")
	}
	if cfg.UpstreamHTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_HTTP_TIMEOUT must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_MAX_BODY_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func readFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return fc, nil
}

func (fc fileConfig) apply(def *defaults) error {
	setString(&def.addr, fc.Addr)
	setString(&def.openAIAPIBase, fc.OpenAIAPIBase)
	setString(&def.realtimeURL, fc.RealtimeURL)
	setString(&def.realtimeModel, fc.RealtimeModel)
	setString(&def.realtimeBetaHeader, fc.RealtimeBetaHeader)
	setString(&def.analysisModel, fc.AnalysisModel)
	setString(&def.logLevel, fc.LogLevel)
	setString(&def.metricsNamespace, fc.MetricsNamespace)
	setString(&def.serviceName, fc.ServiceName)
	setString(&def.otlpEndpoint, fc.OTLPEndpoint)
	if fc.WSMaxMessageBytes != 0 {
		def.wsMaxMessageBytes = fc.WSMaxMessageBytes
	}
	if fc.MaxBodyBytes != 0 {
		def.maxBodyBytes = fc.MaxBodyBytes
	}
	if len(fc.CORSOrigins) > 0 {
		def.corsOrigins = strings.Join(fc.CORSOrigins, ",")
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream_handshake_timeout", fc.UpstreamHandshakeTimeout, &def.upstreamHandshakeTimeout},
		{"upstream_write_timeout", fc.UpstreamWriteTimeout, &def.upstreamWriteTimeout},
		{"ws_write_timeout", fc.WSWriteTimeout, &def.wsWriteTimeout},
		{"client_ping_interval", fc.ClientPingInterval, &def.clientPingInterval},
		{"upstream_http_timeout", fc.UpstreamHTTPTimeout, &def.upstreamHTTPTimeout},
		{"read_header_timeout", fc.ReadHeaderTimeout, &def.readHeaderTimeout},
		{"read_timeout", fc.ReadTimeout, &def.readTimeout},
		{"shutdown_grace_period", fc.ShutdownGracePeriod, &def.shutdownGracePeriod},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = parsed
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, "|"))
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
