// Package config provides YAML configuration loading with validation and
// environment variable substitution for the callguard service.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/callguard/callguard/internal/circuitbreaker"
	"github.com/callguard/callguard/internal/classify"
	"github.com/callguard/callguard/internal/policy"
	"github.com/callguard/callguard/internal/retry"
)

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server" json:"server"`
	Logging   LoggingConfig           `yaml:"logging" json:"logging"`
	RateLimit RateLimitConfig         `yaml:"rate_limit" json:"rate_limit"`
	Admin     AdminConfig             `yaml:"admin" json:"admin"`
	Upstream  UpstreamConfig          `yaml:"upstream" json:"upstream"`
	Policies  map[string]PolicyConfig `yaml:"policies" json:"policies"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the global request deadline as a time.Duration.
// Returns 0 (disabled) when GlobalTimeoutMs is not set.
func (s ServerConfig) GlobalTimeout() time.Duration {
	if s.GlobalTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"` // "1.2" or "1.3"; default: "1.2"
}

// LoggingConfig holds log level and optional file output settings.
type LoggingConfig struct {
	Level string        `yaml:"level" json:"level"` // "debug", "info", "warn", "error"; default: "info"
	File  FileLogConfig `yaml:"file" json:"file"`
}

// FileLogConfig holds rotating log file settings. An empty Path means
// logs go to stdout.
type FileLogConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // max file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // max days to retain rotated files; default: 30
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// SlogLevel maps the configured level string to a slog.Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RateLimitConfig holds the per-client rate limiter settings.
// Enabled defaults to true; set to false to disable rate limiting.
type RateLimitConfig struct {
	Enabled           *bool   `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// IsEnabled returns whether rate limiting is enabled (defaults to true).
func (r RateLimitConfig) IsEnabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// AdminConfig holds admin API settings.
type AdminConfig struct {
	Enabled   bool            `yaml:"enabled" json:"enabled"`       // default: false
	AllowFrom []string        `yaml:"allow_from" json:"allow_from"` // CIDR notation
	Auth      AdminAuthConfig `yaml:"auth" json:"auth"`
}

// AdminAuthConfig holds JWT bearer settings for the admin API.
type AdminAuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// UpstreamConfig identifies the service all guarded calls are made against.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"` // per attempt; default: 10s
}

// PolicyConfig is one named resilience bundle as written in YAML.
type PolicyConfig struct {
	Retry          RetryConfig             `yaml:"retry" json:"retry"`
	CircuitBreaker BreakerConfig           `yaml:"circuit_breaker" json:"circuit_breaker"`
	Bulkhead       BulkheadConfig          `yaml:"bulkhead" json:"bulkhead"`
	Classify       map[string]ClassifyRule `yaml:"classify" json:"classify,omitempty"`
}

// RetryConfig holds the retry schedule for one policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"` // counts the first attempt; default: 3
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`     // default: 100ms
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`     // 1.0 = fixed delay; default: 2.0
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`       // cap per delay; default: 30s
	Jitter      float64       `yaml:"jitter" json:"jitter"`             // randomization in [0,1); default: 0
}

// BreakerConfig holds the circuit breaker settings for one policy.
type BreakerConfig struct {
	SlidingWindowSize    int           `yaml:"sliding_window_size" json:"sliding_window_size"`       // default: 10
	MinimumCalls         int           `yaml:"minimum_calls" json:"minimum_calls"`                   // default: 10
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" json:"failure_rate_threshold"` // percent in (0,100]; default: 50
	OpenTimeout          time.Duration `yaml:"open_timeout" json:"open_timeout"`                     // default: 30s
	TrialCalls           int           `yaml:"trial_calls" json:"trial_calls"`                       // 0 = same as minimum_calls
	SlowCallThreshold    time.Duration `yaml:"slow_call_threshold" json:"slow_call_threshold"`       // 0 = disabled
}

// BulkheadConfig caps concurrent in-flight calls for one policy.
type BulkheadConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"` // 0 = disabled
}

// ClassifyRule is the treatment of one failure category.
type ClassifyRule struct {
	Retryable bool   `yaml:"retryable" json:"retryable"`
	Record    string `yaml:"record" json:"record"` // "counted" or "ignored"; default: "counted"
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	// TLS defaults
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File.Path != "" {
		if cfg.Logging.File.MaxSizeMB == 0 {
			cfg.Logging.File.MaxSizeMB = 100
		}
		if cfg.Logging.File.MaxBackups == 0 {
			cfg.Logging.File.MaxBackups = 3
		}
		if cfg.Logging.File.MaxAgeDays == 0 {
			cfg.Logging.File.MaxAgeDays = 30
		}
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	if cfg.Upstream.RequestTimeout == 0 {
		cfg.Upstream.RequestTimeout = 10 * time.Second
	}

	// A "default" policy bundle always exists; names with no explicit
	// entry resolve to it at runtime.
	if cfg.Policies == nil {
		cfg.Policies = make(map[string]PolicyConfig)
	}
	if _, ok := cfg.Policies[policy.DefaultName]; !ok {
		cfg.Policies[policy.DefaultName] = PolicyConfig{}
	}
	for name, pc := range cfg.Policies {
		applyPolicyDefaults(&pc)
		cfg.Policies[name] = pc
	}
}

func applyPolicyDefaults(pc *PolicyConfig) {
	if pc.Retry.MaxAttempts == 0 {
		pc.Retry.MaxAttempts = 3
	}
	if pc.Retry.BaseDelay == 0 {
		pc.Retry.BaseDelay = 100 * time.Millisecond
	}
	if pc.Retry.Multiplier == 0 {
		pc.Retry.Multiplier = 2.0
	}
	if pc.Retry.MaxDelay == 0 {
		pc.Retry.MaxDelay = 30 * time.Second
	}

	cb := &pc.CircuitBreaker
	if cb.SlidingWindowSize == 0 {
		cb.SlidingWindowSize = 10
	}
	if cb.MinimumCalls == 0 {
		cb.MinimumCalls = 10
	}
	if cb.FailureRateThreshold == 0 {
		cb.FailureRateThreshold = 50
	}
	if cb.OpenTimeout == 0 {
		cb.OpenTimeout = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	// TLS validation
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Path != "" && cfg.Logging.File.MaxSizeMB < 1 {
		return fmt.Errorf("logging.file.max_size_mb must be positive when a log file is configured")
	}

	if cfg.RateLimit.IsEnabled() {
		if cfg.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if cfg.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.AllowFrom) == 0 {
			return fmt.Errorf("admin.allow_from is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.AllowFrom {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.allow_from[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
		if cfg.Admin.Auth.Enabled {
			if cfg.Admin.Auth.JWTSecret == "" {
				return fmt.Errorf("admin.auth.jwt_secret is required when admin auth is enabled")
			}
			if cfg.Admin.Auth.Issuer == "" {
				return fmt.Errorf("admin.auth.issuer is required when admin auth is enabled")
			}
			if cfg.Admin.Auth.Audience == "" {
				return fmt.Errorf("admin.auth.audience is required when admin auth is enabled")
			}
		}
	}

	// Upstream validation
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url: invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url: host is required")
	}
	if cfg.Upstream.RequestTimeout < 0 {
		return fmt.Errorf("upstream.request_timeout must be non-negative")
	}

	// Policy validation is eager: a bad bundle fails the whole load rather
	// than surfacing on the first call that uses it.
	for name, pc := range cfg.Policies {
		if name == "" {
			return fmt.Errorf("policies: empty policy name")
		}
		s, err := bundleFor(pc)
		if err != nil {
			return fmt.Errorf("policies[%q]: %w", name, err)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("policies[%q]: %w", name, err)
		}
	}

	return nil
}

// Bundles converts the configured policies into registry settings. The
// "default" entry is always present after defaulting.
func (c *Config) Bundles() (map[string]policy.Settings, error) {
	out := make(map[string]policy.Settings, len(c.Policies))
	for name, pc := range c.Policies {
		s, err := bundleFor(pc)
		if err != nil {
			return nil, fmt.Errorf("policies[%q]: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

func bundleFor(pc PolicyConfig) (policy.Settings, error) {
	rules := classify.DefaultRules()
	if pc.Classify != nil {
		// An explicit classify map fully replaces the built-in rules;
		// unlisted categories fall back to not-retryable/ignored.
		rules = make(map[classify.Category]classify.Verdict, len(pc.Classify))
		for cat, rule := range pc.Classify {
			record := classify.Counted
			if rule.Record != "" {
				out, err := classify.ParseOutcome(rule.Record)
				if err != nil {
					return policy.Settings{}, fmt.Errorf("classify[%q]: %w", cat, err)
				}
				record = out
			}
			rules[classify.Category(cat)] = classify.Verdict{
				Retryable: rule.Retryable,
				Record:    record,
			}
		}
	}

	return policy.Settings{
		Retry: retry.Config{
			MaxAttempts: pc.Retry.MaxAttempts,
			BaseDelay:   pc.Retry.BaseDelay,
			Multiplier:  pc.Retry.Multiplier,
			MaxDelay:    pc.Retry.MaxDelay,
			Jitter:      pc.Retry.Jitter,
		},
		Breaker: circuitbreaker.Config{
			SlidingWindowSize:    pc.CircuitBreaker.SlidingWindowSize,
			MinimumCalls:         pc.CircuitBreaker.MinimumCalls,
			FailureRateThreshold: pc.CircuitBreaker.FailureRateThreshold,
			OpenTimeout:          pc.CircuitBreaker.OpenTimeout,
			TrialCalls:           pc.CircuitBreaker.TrialCalls,
			SlowCallThreshold:    pc.CircuitBreaker.SlowCallThreshold,
		},
		MaxConcurrent: pc.Bulkhead.MaxConcurrent,
		Rules:         rules,
	}, nil
}

// PolicyNames returns the configured policy names in sorted order.
func (c *Config) PolicyNames() []string {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Redacted returns a copy of the config with secret material masked, for
// exposure on the admin API.
func (c *Config) Redacted() Config {
	out := *c
	if out.Admin.Auth.JWTSecret != "" {
		out.Admin.Auth.JWTSecret = "***"
	}
	return out
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Auth.Enabled && strings.Contains(cfg.Admin.Auth.JWTSecret, "${") {
		warnings = append(warnings, "admin.auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Admin.Enabled && !cfg.Admin.Auth.Enabled {
		warnings = append(warnings, "admin API is enabled without bearer auth; only the IP allowlist guards it")
	}
	if !cfg.RateLimit.IsEnabled() {
		warnings = append(warnings, "rate limiting is disabled")
	}
	return warnings
}
