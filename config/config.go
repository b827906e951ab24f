package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/satbridge/errors"
	"github.com/c360/satbridge/output/clickhouse"
	"github.com/c360/satbridge/output/influxdb"
	"github.com/c360/satbridge/output/natsstream"
	"github.com/c360/satbridge/output/promsurface"
	"github.com/c360/satbridge/pipeline"
	"github.com/c360/satbridge/pkg/retry"
	"github.com/c360/satbridge/pkg/tlsutil"
	"github.com/c360/satbridge/spool"
)

// Defaults for the upstream section.
const (
	DefaultTokenURL             = "https://api.starlink.com/auth/connect/token"
	DefaultStreamURL            = "https://starlink.com/api/public/v2/telemetry/stream"
	DefaultBatchSize            = 1000
	DefaultMaxLinger            = 15 * time.Second
	DefaultRequestTimeout       = 30 * time.Second
	DefaultAllocationDeviceType = "i"
	DefaultMetricsPath          = "/metrics"
)

// Config is the complete bridge configuration. TLS applies to every outbound
// connection: upstream, HTTP sinks and NATS.
type Config struct {
	Upstream UpstreamConfig       `json:"upstream" yaml:"upstream"`
	Sinks    SinksConfig          `json:"sinks" yaml:"sinks"`
	Pipeline PipelineConfig       `json:"pipeline" yaml:"pipeline"`
	Spool    spool.Config         `json:"spool" yaml:"spool"`
	Server   ServerConfig         `json:"server" yaml:"server"`
	TLS      tlsutil.ClientConfig `json:"tls,omitempty" yaml:"tls"`
}

// UpstreamConfig holds credentials and stream request settings.
type UpstreamConfig struct {
	ClientID             string        `json:"client_id" yaml:"client_id"`
	ClientSecret         string        `json:"client_secret" yaml:"client_secret"`
	Account              string        `json:"account" yaml:"account"`
	TokenURL             string        `json:"token_url" yaml:"token_url"`
	StreamURL            string        `json:"stream_url" yaml:"stream_url"`
	BatchSize            int           `json:"batch_size" yaml:"batch_size"`
	MaxLinger            time.Duration `json:"max_linger" yaml:"max_linger"`
	RequestTimeout       time.Duration `json:"request_timeout" yaml:"request_timeout"`
	IgnoreDeviceTypes    []string      `json:"ignore_device_types,omitempty" yaml:"ignore_device_types"`
	AllocationDeviceType string        `json:"allocation_device_type" yaml:"allocation_device_type"`
}

// SinksConfig lists the sinks. A nil section disables that sink.
type SinksConfig struct {
	ClickHouse *clickhouse.Config `json:"clickhouse,omitempty" yaml:"clickhouse"`
	InfluxDB   *influxdb.Config   `json:"influxdb,omitempty" yaml:"influxdb"`
	NATS       *natsstream.Config `json:"nats,omitempty" yaml:"nats"`
	Prometheus promsurface.Config `json:"prometheus" yaml:"prometheus"`
}

// Count returns the number of enabled sinks.
func (s SinksConfig) Count() int {
	n := 0
	for _, enabled := range []bool{s.ClickHouse != nil, s.InfluxDB != nil, s.NATS != nil, s.Prometheus.Enabled} {
		if enabled {
			n++
		}
	}
	return n
}

// PipelineConfig holds cycle pacing and failure handling.
type PipelineConfig struct {
	PublishRetry     RetrySettings `json:"publish_retry" yaml:"publish_retry"`
	PollRetry        RetrySettings `json:"poll_retry" yaml:"poll_retry"`
	HaltAction       string        `json:"halt_action" yaml:"halt_action"`
	MinCycleInterval time.Duration `json:"min_cycle_interval" yaml:"min_cycle_interval"`
}

// RetrySettings is the file form of retry.Config. Zero fields keep the preset value.
type RetrySettings struct {
	MaxAttempts  int           `json:"max_attempts,omitempty" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay,omitempty" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier,omitempty" yaml:"multiplier"`
	Jitter       *bool         `json:"jitter,omitempty" yaml:"jitter"`
}

// Apply overlays the configured fields on base.
func (r RetrySettings) Apply(base retry.Config) retry.Config {
	if r.MaxAttempts > 0 {
		base.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelay > 0 {
		base.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		base.MaxDelay = r.MaxDelay
	}
	if r.Multiplier > 0 {
		base.Multiplier = r.Multiplier
	}
	if r.Jitter != nil {
		base.AddJitter = *r.Jitter
	}
	return base
}

// ServerConfig controls the metrics and operator HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int    `json:"port" yaml:"port"`
	Path string `json:"path" yaml:"path"`
}

// Validate fails on the first missing or invalid setting.
func (c *Config) Validate() error {
	required := []struct{ key, value string }{
		{"upstream.client_id", c.Upstream.ClientID},
		{"upstream.client_secret", c.Upstream.ClientSecret},
		{"upstream.account", c.Upstream.Account},
		{"upstream.token_url", c.Upstream.TokenURL},
		{"upstream.stream_url", c.Upstream.StreamURL},
	}
	for _, r := range required {
		if r.value == "" {
			return missing(r.key)
		}
	}
	if c.Upstream.BatchSize <= 0 {
		return invalid("upstream.batch_size must be positive, got %d", c.Upstream.BatchSize)
	}
	if c.Upstream.MaxLinger <= 0 {
		return invalid("upstream.max_linger must be positive, got %s", c.Upstream.MaxLinger)
	}

	if c.Sinks.Count() == 0 {
		return missing("sinks (at least one of clickhouse, influxdb, nats, prometheus)")
	}
	if s := c.Sinks.ClickHouse; s != nil {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if s := c.Sinks.InfluxDB; s != nil {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if s := c.Sinks.NATS; s != nil {
		if err := s.Validate(); err != nil {
			return err
		}
	}

	switch c.Pipeline.HaltAction {
	case "", pipeline.HaltBlock, pipeline.HaltExit:
	default:
		return invalid("pipeline.halt_action %q (want %q or %q)", c.Pipeline.HaltAction, pipeline.HaltBlock, pipeline.HaltExit)
	}
	if c.Pipeline.MinCycleInterval < 0 {
		return invalid("pipeline.min_cycle_interval must not be negative")
	}

	switch c.Spool.Backend {
	case "", spool.BackendNone:
	case spool.BackendFile:
		if c.Spool.Path == "" {
			return missing("spool.path")
		}
	case spool.BackendRedis:
		if c.Spool.RedisURL == "" {
			return missing("spool.redis_url")
		}
	case spool.BackendNATS:
		if c.Spool.NATSURL == "" {
			return missing("spool.nats_url")
		}
	default:
		return invalid("spool.backend %q", c.Spool.Backend)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}
	return c.TLS.Validate()
}

func missing(key string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMissingConfig, key), "Config", "Validate", "check required keys")
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "check values")
}

// String returns the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.Upstream.ClientSecret = mask(masked.Upstream.ClientSecret)
	if s := masked.Sinks.ClickHouse; s != nil {
		copied := *s
		copied.Password = mask(copied.Password)
		masked.Sinks.ClickHouse = &copied
	}
	if s := masked.Sinks.InfluxDB; s != nil {
		copied := *s
		copied.Token = mask(copied.Token)
		masked.Sinks.InfluxDB = &copied
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "SATBRIDGE",
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer and the environment, in that order.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: load %s: %w", errors.ErrInvalidConfig, path, err),
				"Loader", "Load", "read layer")
		}
		merged = deepMergeMaps(merged, raw)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Defaults returns the configuration used before any layer is applied.
func Defaults() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			TokenURL:             DefaultTokenURL,
			StreamURL:            DefaultStreamURL,
			BatchSize:            DefaultBatchSize,
			MaxLinger:            DefaultMaxLinger,
			RequestTimeout:       DefaultRequestTimeout,
			AllocationDeviceType: DefaultAllocationDeviceType,
		},
		Pipeline: PipelineConfig{HaltAction: pipeline.HaltBlock},
		Spool:    spool.Config{Backend: spool.BackendNone},
		Server:   ServerConfig{Path: DefaultMetricsPath},
	}
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// loadRaw reads one layer as a generic map. YAML and JSON are both accepted.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// durationKeys names every key whose value is a time.Duration.
var durationKeys = map[string]bool{
	"max_linger":         true,
	"request_timeout":    true,
	"timeout":            true,
	"duplicate_window":   true,
	"initial_delay":      true,
	"max_delay":          true,
	"min_cycle_interval": true,
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for k, v := range data {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case string:
			if !durationKeys[k] {
				continue
			}
			d, err := parseDurationWithDays(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			data[k] = d.Nanoseconds()
		}
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides. Setting the URL
// of a sink that no layer configured enables that sink.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"UPSTREAM_CLIENT_ID", &cfg.Upstream.ClientID},
		{"UPSTREAM_CLIENT_SECRET", &cfg.Upstream.ClientSecret},
		{"UPSTREAM_ACCOUNT", &cfg.Upstream.Account},
		{"UPSTREAM_TOKEN_URL", &cfg.Upstream.TokenURL},
		{"UPSTREAM_STREAM_URL", &cfg.Upstream.StreamURL},
		{"SPOOL_BACKEND", &cfg.Spool.Backend},
		{"SPOOL_PATH", &cfg.Spool.Path},
		{"SPOOL_REDIS_URL", &cfg.Spool.RedisURL},
		{"SPOOL_NATS_URL", &cfg.Spool.NATSURL},
		{"PIPELINE_HALT_ACTION", &cfg.Pipeline.HaltAction},
	}
	for _, s := range strs {
		if val, ok := l.env(s.name); ok {
			*s.dst = val
		}
	}

	if val, ok := l.env("SINKS_CLICKHOUSE_URL"); ok {
		if cfg.Sinks.ClickHouse == nil {
			cfg.Sinks.ClickHouse = &clickhouse.Config{}
		}
		cfg.Sinks.ClickHouse.URL = val
	}
	if val, ok := l.env("SINKS_CLICKHOUSE_PASSWORD"); ok && cfg.Sinks.ClickHouse != nil {
		cfg.Sinks.ClickHouse.Password = val
	}
	if val, ok := l.env("SINKS_INFLUXDB_URL"); ok {
		if cfg.Sinks.InfluxDB == nil {
			cfg.Sinks.InfluxDB = &influxdb.Config{}
		}
		cfg.Sinks.InfluxDB.URL = val
	}
	if val, ok := l.env("SINKS_INFLUXDB_TOKEN"); ok && cfg.Sinks.InfluxDB != nil {
		cfg.Sinks.InfluxDB.Token = val
	}
	if val, ok := l.env("SINKS_NATS_URL"); ok {
		if cfg.Sinks.NATS == nil {
			cfg.Sinks.NATS = &natsstream.Config{}
		}
		cfg.Sinks.NATS.URL = val
	}

	if val, ok := l.env("SERVER_PORT"); ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_SERVER_PORT: %w", errors.ErrInvalidConfig, l.envPrefix, err),
				"Loader", "applyEnvOverrides", "parse port")
		}
		cfg.Server.Port = port
	}
	if val, ok := l.env("UPSTREAM_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %s_UPSTREAM_BATCH_SIZE: %w", errors.ErrInvalidConfig, l.envPrefix, err),
				"Loader", "applyEnvOverrides", "parse batch size")
		}
		cfg.Upstream.BatchSize = n
	}
	return nil
}

func (l *Loader) env(name string) (string, bool) {
	key := l.envPrefix + "_" + name
	val := l.getenv(key)
	if val == "" {
		return "", false
	}
	if err := validateEnvVar(key, val); err != nil {
		return "", false
	}
	return val, true
}
