package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/switchyard/internal/backends/chat"
	"github.com/tributary-ai/switchyard/internal/backends/responses"
	"github.com/tributary-ai/switchyard/internal/middleware"
	"github.com/tributary-ai/switchyard/internal/routing"
	"github.com/tributary-ai/switchyard/internal/security"
	"github.com/tributary-ai/switchyard/internal/server"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Routing    RoutingConfig    `yaml:"routing"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Validation ValidationConfig `yaml:"validation"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                   string `yaml:"host"`
	Port                   string `yaml:"port"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	MaxHeaderBytes         int    `yaml:"max_header_bytes"`
}

// UpstreamConfig holds the connection parameters shared by both backend
// clients. One provider, one credential, two API surfaces.
type UpstreamConfig struct {
	Endpoint              string `yaml:"endpoint"`
	APIKey                string `yaml:"api_key"`
	APIVersion            string `yaml:"api_version"`
	Deployment            string `yaml:"deployment"`
	ProbeTimeoutSeconds   int    `yaml:"probe_timeout_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// RoutingConfig holds the routing policy tunables
type RoutingConfig struct {
	PreferPrimary        bool    `yaml:"prefer_primary"`
	ForceLegacy          bool    `yaml:"force_legacy"`
	SuccessRateThreshold float64 `yaml:"success_rate_threshold"`
	FailureLimit         int     `yaml:"failure_limit"`
	CooldownSeconds      int     `yaml:"cooldown_seconds"`
	DecisionWarnMS       int     `yaml:"decision_warn_ms"`
}

// CacheConfig holds capability cache configuration
type CacheConfig struct {
	Path                   string `yaml:"path"`
	TTLSeconds             int    `yaml:"ttl_seconds"`
	RefreshIntervalSeconds int    `yaml:"refresh_interval_seconds"`
}

// MetricsConfig holds metrics persistence configuration
type MetricsConfig struct {
	Path                   string `yaml:"path"`
	PersistIntervalSeconds int    `yaml:"persist_interval_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys        []string        `yaml:"api_keys"`
	AdminAPIKeys   []string        `yaml:"admin_api_keys"`
	JWTSecret      string          `yaml:"jwt_secret"`
	JWTExpiryHours int             `yaml:"jwt_expiry_hours"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Audit          AuditConfig     `yaml:"audit"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ValidationConfig holds OpenAPI schema validation configuration
type ValidationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SpecPath   string `yaml:"spec_path"`
	StrictMode bool   `yaml:"strict_mode"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Host:                   "",
		Port:                   "8080",
		ReadTimeoutSeconds:     30,
		WriteTimeoutSeconds:    180, // completions can run long
		ShutdownTimeoutSeconds: 10,
		MaxHeaderBytes:         1 << 20, // 1MB
	}

	c.Upstream = UpstreamConfig{
		ProbeTimeoutSeconds:   10,
		RequestTimeoutSeconds: 120,
	}

	c.Routing = RoutingConfig{
		PreferPrimary:        true,
		ForceLegacy:          false,
		SuccessRateThreshold: 0.8,
		FailureLimit:         3,
		CooldownSeconds:      600,
		DecisionWarnMS:       50,
	}

	c.Cache = CacheConfig{
		Path:                   "data/capabilities.json",
		TTLSeconds:             300,
		RefreshIntervalSeconds: 300,
	}

	c.Metrics = MetricsConfig{
		Path:                   "data/metrics.json",
		PersistIntervalSeconds: 60,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}

	c.Security = SecurityConfig{
		APIKeys:        []string{},
		AdminAPIKeys:   []string{},
		JWTExpiryHours: 24,
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 60,
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}

	c.Validation = ValidationConfig{
		Enabled:  false,
		SpecPath: "docs/openapi.yaml",
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if host, ok := os.LookupEnv("SWITCHYARD_HOST"); ok {
		c.Server.Host = host
	}
	if port := os.Getenv("SWITCHYARD_PORT"); port != "" {
		c.Server.Port = port
	}

	if endpoint := os.Getenv("UPSTREAM_ENDPOINT"); endpoint != "" {
		c.Upstream.Endpoint = endpoint
	}
	if apiKey := os.Getenv("UPSTREAM_API_KEY"); apiKey != "" {
		c.Upstream.APIKey = apiKey
	}
	if apiVersion := os.Getenv("UPSTREAM_API_VERSION"); apiVersion != "" {
		c.Upstream.APIVersion = apiVersion
	}
	if deployment := os.Getenv("UPSTREAM_DEPLOYMENT"); deployment != "" {
		c.Upstream.Deployment = deployment
	}

	if forceLegacy := os.Getenv("SWITCHYARD_FORCE_LEGACY"); forceLegacy != "" {
		if parsed, err := strconv.ParseBool(forceLegacy); err == nil {
			c.Routing.ForceLegacy = parsed
		}
	}

	if level := os.Getenv("SWITCHYARD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("SWITCHYARD_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if secret := os.Getenv("SWITCHYARD_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if c.Upstream.Endpoint == "" {
		return fmt.Errorf("upstream endpoint is required")
	}
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("upstream API key is required")
	}
	if c.Upstream.Deployment == "" {
		return fmt.Errorf("upstream deployment is required")
	}
	if c.Upstream.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %d", c.Upstream.ProbeTimeoutSeconds)
	}
	if c.Upstream.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request timeout must be positive, got %d", c.Upstream.RequestTimeoutSeconds)
	}

	if c.Routing.SuccessRateThreshold <= 0 || c.Routing.SuccessRateThreshold > 1 {
		return fmt.Errorf("success rate threshold must be in (0, 1], got %.2f", c.Routing.SuccessRateThreshold)
	}
	if c.Routing.FailureLimit < 1 {
		return fmt.Errorf("failure limit must be at least 1, got %d", c.Routing.FailureLimit)
	}
	if c.Routing.CooldownSeconds <= 0 {
		return fmt.Errorf("cooldown must be positive, got %d", c.Routing.CooldownSeconds)
	}

	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache TTL must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Cache.RefreshIntervalSeconds <= 0 {
		return fmt.Errorf("cache refresh interval must be positive, got %d", c.Cache.RefreshIntervalSeconds)
	}

	if c.Metrics.PersistIntervalSeconds <= 0 {
		return fmt.Errorf("metrics persist interval must be positive, got %d", c.Metrics.PersistIntervalSeconds)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Security.JWTExpiryHours < 0 {
		return fmt.Errorf("JWT expiry must not be negative, got %d", c.Security.JWTExpiryHours)
	}

	if c.Validation.Enabled && c.Validation.SpecPath == "" {
		return fmt.Errorf("validation spec path is required when schema validation is enabled")
	}

	return nil
}

// Duration accessors for the seconds-based fields.

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Upstream.ProbeTimeoutSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Upstream.RequestTimeoutSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Cache.RefreshIntervalSeconds) * time.Second
}

func (c *Config) PersistInterval() time.Duration {
	return time.Duration(c.Metrics.PersistIntervalSeconds) * time.Second
}

// ToPolicy converts the routing section into a routing policy. Smoothing
// tunables not exposed in the file keep their built-in defaults.
func (c *Config) ToPolicy() routing.Policy {
	return routing.Policy{
		PreferPrimary:         c.Routing.PreferPrimary,
		ForceLegacy:           c.Routing.ForceLegacy,
		SuccessThreshold:      c.Routing.SuccessRateThreshold,
		FailureLimit:          c.Routing.FailureLimit,
		CooldownPeriod:        time.Duration(c.Routing.CooldownSeconds) * time.Second,
		DecisionWarnThreshold: time.Duration(c.Routing.DecisionWarnMS) * time.Millisecond,
	}
}

// ToResponsesClientConfig converts to the primary surface client config
func (c *Config) ToResponsesClientConfig() *responses.Config {
	return &responses.Config{
		Endpoint:   c.Upstream.Endpoint,
		APIKey:     c.Upstream.APIKey,
		APIVersion: c.Upstream.APIVersion,
		Deployment: c.Upstream.Deployment,
		Timeout:    c.RequestTimeout(),
	}
}

// ToChatClientConfig converts to the legacy surface client config
func (c *Config) ToChatClientConfig() *chat.Config {
	return &chat.Config{
		Endpoint:   c.Upstream.Endpoint,
		APIKey:     c.Upstream.APIKey,
		APIVersion: c.Upstream.APIVersion,
		Deployment: c.Upstream.Deployment,
		Timeout:    c.RequestTimeout(),
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Host:           c.Server.Host,
		Port:           c.Server.Port,
		ReadTimeout:    time.Duration(c.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:   time.Duration(c.Server.WriteTimeoutSeconds) * time.Second,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityMiddlewareConfig(),
		Validation: &middleware.ValidationConfig{
			Enabled:    c.Validation.Enabled,
			SpecPath:   c.Validation.SpecPath,
			StrictMode: c.Validation.StrictMode,
		},
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	requireAuth := len(c.Security.APIKeys) > 0 || len(c.Security.AdminAPIKeys) > 0 || c.Security.JWTSecret != ""

	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:      c.Security.APIKeys,
			AdminAPIKeys: c.Security.AdminAPIKeys,
			JWTSecret:    c.Security.JWTSecret,
			JWTExpiry:    time.Duration(c.Security.JWTExpiryHours) * time.Hour,
			RequireAuth:  requireAuth,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimit.Enabled,
			RequestsPerMinute: c.Security.RateLimit.RequestsPerMinute,
			BurstSize:         c.Security.RateLimit.Burst,
		},
		Validation: &security.ValidationConfig{},
		Audit: &security.AuditConfig{
			Enabled: c.Security.Audit.Enabled,
		},
		AllowedOrigins: c.Security.AllowedOrigins,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
