// Package config holds the runtime configuration for both pipeline services.
// Values come from defaults, then an optional YAML file, then environment
// variables prefixed MOCKADO_. Credentials may additionally be overridden
// from Vault (see secrets.go).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "MOCKADO_"

// SamplingRule selects a capture rate for request paths matching a regular
// expression. Method, when non-empty, restricts the rule to one HTTP method.
// Rules are evaluated in order; the first match wins.
type SamplingRule struct {
	PathRegex  string  `yaml:"path_regex" validate:"required"`
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	Method     string  `yaml:"method"`

	re *regexp.Regexp
}

// Config is the full configuration surface shared by the collector and the
// loader. Durations are expressed in seconds to keep the YAML surface flat.
type Config struct {
	Host       string `yaml:"host" validate:"required"`
	Port       int    `yaml:"port" validate:"min=1,max=65535"`
	IngestPort int    `yaml:"ingest_port" validate:"min=1,max=65535"`

	LogLevel  string `yaml:"log_level" validate:"oneof=DEBUG INFO WARNING ERROR CRITICAL"`
	LogFormat string `yaml:"log_format" validate:"oneof=json console"`

	RedisURL      string `yaml:"redis_url" validate:"required"`
	RedisDB       int    `yaml:"redis_db" validate:"min=0"`
	RedisPassword string `yaml:"redis_password"`
	DedupTTL      int    `yaml:"dedup_ttl" validate:"min=0"`

	WireMockURL           string `yaml:"wiremock_url" validate:"required,url"`
	WireMockTimeout       int    `yaml:"wiremock_timeout" validate:"min=1"`
	WireMockRetryAttempts int    `yaml:"wiremock_retry_attempts" validate:"min=0"`
	WireMockRetryDelay    int    `yaml:"wiremock_retry_delay" validate:"min=0"`

	BodySizeLimit int `yaml:"body_size_limit" validate:"min=1024,max=1048576"`

	EnableSampling    bool           `yaml:"enable_sampling"`
	DefaultSampleRate float64        `yaml:"default_sample_rate" validate:"gte=0,lte=1"`
	SamplingRules     []SamplingRule `yaml:"sampling_rules" validate:"dive"`

	SensitiveHeaders []string `yaml:"sensitive_headers"`
	SensitiveFields  []string `yaml:"sensitive_fields"`
	IgnoredHosts     []string `yaml:"ignored_hosts"`
	IgnoredPaths     []string `yaml:"ignored_paths"`

	MaxConcurrentRequests int     `yaml:"max_concurrent_requests" validate:"min=1,max=64"`
	RequestTimeout        int     `yaml:"request_timeout" validate:"min=1"`
	BatchSize             int     `yaml:"batch_size" validate:"min=1,max=100"`
	BatchTimeout          float64 `yaml:"batch_timeout" validate:"gt=0"`

	QueueName       string `yaml:"queue_name" validate:"required"`
	QueueGroup      string `yaml:"queue_group" validate:"required"`
	QueueMaxRetries int    `yaml:"queue_max_retries" validate:"min=0"`

	BackupPath          string `yaml:"backup_path"`
	BackupRetentionDays int    `yaml:"backup_retention_days" validate:"min=1"`
	CompressBackups     bool   `yaml:"compress_backups"`

	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port" validate:"min=0,max=65535"`

	ignoredHostRe []*regexp.Regexp
	ignoredPathRe []*regexp.Regexp
}

// Default returns a Config populated with production defaults. The sensitive
// header and field sets are the baseline; config can only extend them.
func Default() *Config {
	return &Config{
		Host:       "0.0.0.0",
		Port:       8080,
		IngestPort: 9999,

		LogLevel:  "INFO",
		LogFormat: "json",

		RedisURL: "redis://localhost:6379",
		RedisDB:  0,
		DedupTTL: 3600,

		WireMockURL:           "http://wiremock:8080",
		WireMockTimeout:       30,
		WireMockRetryAttempts: 3,
		WireMockRetryDelay:    1,

		BodySizeLimit: 10240,

		EnableSampling:    false,
		DefaultSampleRate: 1.0,

		SensitiveHeaders: []string{
			"authorization", "cookie", "set-cookie", "x-api-key",
			"x-auth-token", "proxy-authorization", "www-authenticate",
			"x-csrf-token", "x-session-id",
		},
		SensitiveFields: []string{
			"password", "senha", "secret", "token", "api_key", "apikey",
			"access_token", "refresh_token", "authorization", "cpf", "cnpj",
			"credit_card", "card_number", "cvv", "ssn", "private_key",
			"client_secret",
		},
		IgnoredHosts: []string{},
		IgnoredPaths: []string{"/health*", "/ready*", "/live*", "/metrics*"},

		MaxConcurrentRequests: 5,
		RequestTimeout:        30,
		BatchSize:             10,
		BatchTimeout:          5.0,

		QueueName:       "wiremock_mappings",
		QueueGroup:      "wiremock_loader",
		QueueMaxRetries: 3,

		BackupPath:          "./backups",
		BackupRetentionDays: 30,
		CompressBackups:     true,

		EnableMetrics: true,
		MetricsPort:   0,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides. The result
// is validated and its patterns compiled before being returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finish validates the configuration and compiles sampling and ignore
// patterns. It must be called before SampleRate/IgnoreHost/IgnorePath.
func (c *Config) Finish() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for i := range c.SamplingRules {
		re, err := regexp.Compile(c.SamplingRules[i].PathRegex)
		if err != nil {
			return fmt.Errorf("invalid sampling rule %q: %w", c.SamplingRules[i].PathRegex, err)
		}
		c.SamplingRules[i].re = re
	}

	var err error
	if c.ignoredHostRe, err = compileGlobs(c.IgnoredHosts, true); err != nil {
		return fmt.Errorf("invalid ignored_hosts entry: %w", err)
	}
	if c.ignoredPathRe, err = compileGlobs(c.IgnoredPaths, false); err != nil {
		return fmt.Errorf("invalid ignored_paths entry: %w", err)
	}
	return nil
}

// SampleRate returns the capture rate for a path/method pair. Sampling
// disabled means everything is captured. The first matching rule wins;
// without a match the default rate applies.
func (c *Config) SampleRate(path, method string) float64 {
	if !c.EnableSampling {
		return 1.0
	}
	for i := range c.SamplingRules {
		rule := &c.SamplingRules[i]
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		if rule.re != nil && rule.re.MatchString(path) {
			return rule.SampleRate
		}
	}
	return c.DefaultSampleRate
}

// IgnoreHost reports whether host matches any ignored_hosts glob.
func (c *Config) IgnoreHost(host string) bool {
	return matchAny(c.ignoredHostRe, host)
}

// IgnorePath reports whether path matches any ignored_paths glob.
func (c *Config) IgnorePath(path string) bool {
	return matchAny(c.ignoredPathRe, path)
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// compileGlobs turns shell-style globs into anchored regexps. '*' matches any
// run of characters (including '/') and '?' a single character, so patterns
// like "/api/internal/*" and "*.monitoring.svc" behave like fnmatch.
func compileGlobs(patterns []string, caseInsensitive bool) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		expr := strings.ReplaceAll(regexp.QuoteMeta(p), `\*`, `.*`)
		expr = strings.ReplaceAll(expr, `\?`, `.`)
		if caseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile("^" + expr + "$")
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// applyEnv overrides fields from MOCKADO_* environment variables. List values
// are comma-separated; sampling rules are YAML/file only.
func (c *Config) applyEnv() {
	envStr("HOST", &c.Host)
	envInt("PORT", &c.Port)
	envInt("INGEST_PORT", &c.IngestPort)
	envStr("LOG_LEVEL", &c.LogLevel)
	envStr("LOG_FORMAT", &c.LogFormat)
	envStr("REDIS_URL", &c.RedisURL)
	envInt("REDIS_DB", &c.RedisDB)
	envStr("REDIS_PASSWORD", &c.RedisPassword)
	envInt("DEDUP_TTL", &c.DedupTTL)
	envStr("WIREMOCK_URL", &c.WireMockURL)
	envInt("WIREMOCK_TIMEOUT", &c.WireMockTimeout)
	envInt("WIREMOCK_RETRY_ATTEMPTS", &c.WireMockRetryAttempts)
	envInt("WIREMOCK_RETRY_DELAY", &c.WireMockRetryDelay)
	envInt("BODY_SIZE_LIMIT", &c.BodySizeLimit)
	envBool("ENABLE_SAMPLING", &c.EnableSampling)
	envFloat("DEFAULT_SAMPLE_RATE", &c.DefaultSampleRate)
	envList("SENSITIVE_HEADERS", &c.SensitiveHeaders)
	envList("SENSITIVE_FIELDS", &c.SensitiveFields)
	envList("IGNORED_HOSTS", &c.IgnoredHosts)
	envList("IGNORED_PATHS", &c.IgnoredPaths)
	envInt("MAX_CONCURRENT_REQUESTS", &c.MaxConcurrentRequests)
	envInt("REQUEST_TIMEOUT", &c.RequestTimeout)
	envInt("BATCH_SIZE", &c.BatchSize)
	envFloat("BATCH_TIMEOUT", &c.BatchTimeout)
	envStr("QUEUE_NAME", &c.QueueName)
	envStr("QUEUE_GROUP", &c.QueueGroup)
	envInt("QUEUE_MAX_RETRIES", &c.QueueMaxRetries)
	envStr("BACKUP_PATH", &c.BackupPath)
	envInt("BACKUP_RETENTION_DAYS", &c.BackupRetentionDays)
	envBool("COMPRESS_BACKUPS", &c.CompressBackups)
	envBool("ENABLE_METRICS", &c.EnableMetrics)
	envInt("METRICS_PORT", &c.MetricsPort)
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envList(name string, dst *[]string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
