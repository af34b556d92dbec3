package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/citadel-fw/citadel/internal/analyzer"
	"github.com/citadel-fw/citadel/internal/datastore"
	"github.com/citadel-fw/citadel/internal/fingerprint"
	"github.com/citadel-fw/citadel/internal/matcher"
	"github.com/citadel-fw/citadel/internal/middleware"
)

// Config holds all configuration for Citadel.
type Config struct {
	Listen string `yaml:"listen"`

	DataStore   DataStoreConfig          `yaml:"datastore"`
	Fingerprint fingerprint.Config       `yaml:"fingerprint"`
	Matcher     matcher.Config           `yaml:"matcher"`
	Protect     middleware.ProtectConfig `yaml:"protect"`

	Burstiness analyzer.BurstinessConfig `yaml:"burstiness"`
	Spamminess analyzer.SpamminessConfig `yaml:"spamminess"`
	Payload    analyzer.PayloadConfig    `yaml:"payload"`
	Device     analyzer.DeviceConfig     `yaml:"device"`
	Ip         analyzer.IpConfig         `yaml:"ip"`

	IpReputation IpReputationConfig `yaml:"ip_reputation"`

	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`

	// PatternsPath, when set, is read by cmd/citadel-server as the
	// source-of-truth pattern file for the matcher (cmd/citadel-compile
	// takes its patterns file from its own --patterns flag instead). Patterns is the inline fallback used when no file is
	// configured; ApplyPatternPreset seeds it from a built-in preset.
	PatternsPath string   `yaml:"patterns_path"`
	Patterns     []string `yaml:"patterns"`

	// Preset, when set to "minimal", "standard", or "strict", seeds Patterns
	// if no custom patterns are configured; "standard" and "strict" also
	// tighten Burstiness's thresholds whether or not custom patterns are
	// configured. Empty leaves every analyzer config as given.
	Preset string `yaml:"preset"`
}

// DataStoreConfig selects and tunes the DataStore backend.
type DataStoreConfig struct {
	Backend string                `yaml:"backend"` // "memory" or "redis"
	Redis   datastore.RedisConfig `yaml:"redis"`
}

// IpReputationConfig tunes the external reputation provider and the rate
// limiter bounding calls to it.
type IpReputationConfig struct {
	BaseURL           string  `yaml:"base_url"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst    int     `yaml:"rate_limit_burst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// StorageConfig holds the optional audit-log storage configuration.
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"` // SQLite database path
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and parses the configuration file at path. A missing file
// yields defaults (with the default preset applied) rather than an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.ApplyPatternPreset()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.ApplyPatternPreset()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Listen: ":8080",
		DataStore: DataStoreConfig{
			Backend: "memory",
			Redis: datastore.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "citadel:",
			},
		},
		Fingerprint: fingerprint.Config{
			CollectIP: true,
			CollectUA: true,
		},
		Matcher: matcher.Config{
			Backend:              "vectorized",
			DatabasePath:         "data/patterns.db",
			MaxMatchesPerPattern: 100,
		},
		Protect:    middleware.DefaultProtectConfig(),
		Burstiness: analyzer.DefaultBurstinessConfig(),
		Spamminess: analyzer.DefaultSpamminessConfig(),
		Payload:    analyzer.DefaultPayloadConfig(),
		Device:     analyzer.DefaultDeviceConfig(),
		Ip:         analyzer.DefaultIpConfig(),
		IpReputation: IpReputationConfig{
			RateLimitPerSecond: 20,
			RateLimitBurst:     5,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "citadel",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Storage: StorageConfig{
			Enabled:       false,
			Path:          "data/citadel.db",
			RetentionDays: 30,
		},
		Preset: "standard",
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CITADEL_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CITADEL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CITADEL_DATASTORE_BACKEND"); v != "" {
		c.DataStore.Backend = v
	}
	if v := os.Getenv("CITADEL_REDIS_ADDR"); v != "" {
		c.DataStore.Redis.Addr = v
	}
	if v := os.Getenv("CITADEL_REDIS_PASSWORD"); v != "" {
		c.DataStore.Redis.Password = v
	}

	// Telemetry overrides
	if os.Getenv("CITADEL_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("CITADEL_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("CITADEL_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("CITADEL_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	// Also support standard OTEL env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	// Storage overrides
	if os.Getenv("CITADEL_STORAGE_ENABLED") == "true" {
		c.Storage.Enabled = true
	}
	if v := os.Getenv("CITADEL_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CITADEL_STORAGE_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			c.Storage.RetentionDays = days
		}
	}

	// Protect overrides
	if v := os.Getenv("CITADEL_BLOCK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Protect.BlockThreshold = f
		}
	}
	if v := os.Getenv("CITADEL_WARNING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Protect.WarningThreshold = f
		}
	}
	if v := os.Getenv("CITADEL_PRESET"); v != "" {
		c.Preset = v
	}

	// Matcher overrides
	if v := os.Getenv("CITADEL_MATCHER_BACKEND"); v != "" {
		c.Matcher.Backend = v
	}
	if v := os.Getenv("CITADEL_MATCHER_DATABASE_PATH"); v != "" {
		c.Matcher.DatabasePath = v
	}

	// IP reputation override
	if v := os.Getenv("CITADEL_IP_REPUTATION_BASE_URL"); v != "" {
		c.IpReputation.BaseURL = v
	}
}

// validate checks that the configuration is valid.
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataStore.Backend != "memory" && c.DataStore.Backend != "redis" {
		return fmt.Errorf("datastore backend must be \"memory\" or \"redis\", got %q", c.DataStore.Backend)
	}
	if c.DataStore.Backend == "redis" && c.DataStore.Redis.Addr == "" {
		return fmt.Errorf("datastore redis addr is required when backend is \"redis\"")
	}
	if c.Protect.WarningThreshold > c.Protect.BlockThreshold {
		return fmt.Errorf("protect.warning_threshold must not exceed protect.block_threshold")
	}
	return nil
}

// ApplyPatternPreset seeds PayloadAnalyzer's pattern set from a built-in
// minimal/standard/strict preset when no patterns file or inline patterns
// are already configured, and tightens Burstiness's thresholds for the
// standard and strict presets regardless, mirroring the way the teacher
// repo's ApplyPolicyPreset seeds policy rules.
func (c *Config) ApplyPatternPreset() {
	if c.Preset == "" {
		return
	}

	var patterns []string
	switch c.Preset {
	case "minimal":
		patterns = minimalPatterns()
	case "standard":
		patterns = standardPatterns()
		tightenBurstiness(&c.Burstiness)
	case "strict":
		patterns = strictPatterns()
		tightenBurstiness(&c.Burstiness)
		c.Burstiness.MaxRequestsPerWindow = c.Burstiness.MaxRequestsPerWindow / 2
		if c.Burstiness.MaxRequestsPerWindow < 1 {
			c.Burstiness.MaxRequestsPerWindow = 1
		}
	default:
		return
	}

	if c.PatternsPath == "" && len(c.Patterns) == 0 {
		c.Patterns = patterns
	}
}

func tightenBurstiness(b *analyzer.BurstinessConfig) {
	if b.MinIntervalMs == 0 {
		b.MinIntervalMs = 5000
	}
}

// minimalPatterns returns a small, low-false-positive set (SQLi only).
func minimalPatterns() []string {
	return []string{
		`(?i)union\s+select`,
		`(?i)'\s*or\s+'?1'?\s*=\s*'?1`,
	}
}

// standardPatterns adds template-injection and shell-metacharacter patterns.
func standardPatterns() []string {
	patterns := minimalPatterns()
	return append(patterns, []string{
		`(?i)select\s+.+\s+from\s+.+\s+where`,
		`(?i)drop\s+(table|database)\s+`,
		`\{\{.*\}\}`,
		`\$\{.*\}`,
		`<%.*%>`,
	}...)
}

// strictPatterns adds shell-execution and network-exfiltration patterns.
func strictPatterns() []string {
	patterns := standardPatterns()
	return append(patterns, []string{
		`;\s*(drop|delete|truncate|update)\s+`,
		`(run|execute)\s+(a\s+)?(bash|shell|terminal)\s+(command|script)`,
		`/bin/(ba)?sh\s+`,
		`curl.*\|\s*(ba)?sh`,
		`wget.*\|\s*(ba)?sh`,
	}...)
}
