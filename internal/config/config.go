// Package config loads and validates the Conpanion configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CPN_ prefix (e.g. CPN_DATABASE_HOST
// overrides database.host in the YAML).
//
// Secrets that an operator may inject from a secret store (database password, OIDC
// client secret, delivery service key) are additionally passed through ${VAR}
// expansion. The delivery service key can also be read from a mounted file, see
// DeliveryConfig.ServiceKeyFile.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Invitations   InvitationsConfig   `mapstructure:"invitations"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Delivery      DeliveryConfig      `mapstructure:"delivery"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetPublicURL returns the URL of the web front end used in links sent to users
// (invitation and confirmation emails). Falls back to server.base_url.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/")
	}
	return strings.TrimRight(s.BaseURL, "/")
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// TokenTTL is the lifetime of session JWTs issued at login
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// ConfirmationTTL bounds how long an email confirmation link stays valid
	ConfirmationTTL time.Duration `mapstructure:"confirmation_ttl"`
	OIDC            OIDCConfig    `mapstructure:"oidc"`
}

// OIDCConfig holds generic OIDC provider configuration
type OIDCConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration. When RedisURL is set the
// limit is shared across replicas; otherwise each process keeps its own buckets.
type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	RedisURL          string `mapstructure:"redis_url"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration.
// Output is "stdout", "stderr" or a file path; file output is rotated.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool            `mapstructure:"enabled"`
	ServiceName string          `mapstructure:"service_name"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
	Profiling   ProfilingConfig `mapstructure:"profiling"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// ProfilingConfig holds profiling configuration
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// InvitationsConfig holds the invitation lifecycle settings
type InvitationsConfig struct {
	// TTL is the validity window of a token from issue or last resend (default 7 days)
	TTL time.Duration `mapstructure:"ttl"`
	// ResendLimit is the number of resends allowed inside ResendWindow (default 3)
	ResendLimit int `mapstructure:"resend_limit"`
	// ResendWindow is the sliding window the resend limit applies to (default 24h)
	ResendWindow time.Duration `mapstructure:"resend_window"`
	// OrganizationPath and ProjectPath are the front end routes that accept a token
	OrganizationPath string `mapstructure:"organization_path"`
	ProjectPath      string `mapstructure:"project_path"`
	// ProvisionDefaultProject adds organization invitees to the organization's first project
	ProvisionDefaultProject bool `mapstructure:"provision_default_project"`
}

// NotificationsConfig holds notification engine and queue retry settings
type NotificationsConfig struct {
	// RetentionDays is the age after which notifications are purged (default 90)
	RetentionDays int `mapstructure:"retention_days"`

	EmailMaxRetries    int           `mapstructure:"email_max_retries"`
	EmailRetryBackoff  time.Duration `mapstructure:"email_retry_backoff"`
	EmailRetryLookback time.Duration `mapstructure:"email_retry_lookback"`

	PushMaxRetries    int           `mapstructure:"push_max_retries"`
	PushRetryBackoff  time.Duration `mapstructure:"push_retry_backoff"`
	PushRetryLookback time.Duration `mapstructure:"push_retry_lookback"`

	// StaleAfter is how long a row may sit in "processing" before it is failed
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// BatchSize caps the rows claimed by one drain pass
	BatchSize int `mapstructure:"batch_size"`
}

// DeliveryConfig holds the settings for the external delivery functions
type DeliveryConfig struct {
	// FunctionsBaseURL is the base URL the function names are appended to
	FunctionsBaseURL string `mapstructure:"functions_base_url"`
	EmailFunction    string `mapstructure:"email_function"`
	PushFunction     string `mapstructure:"push_function"`
	// ServiceKey is the bearer credential; ignored when ServiceKeyFile is set
	ServiceKey string `mapstructure:"service_key"`
	// ServiceKeyFile points at a mounted secret; the file is re-read when it changes
	ServiceKeyFile string        `mapstructure:"service_key_file"`
	Timeout        time.Duration `mapstructure:"timeout"`
	// BreakerFailures consecutive failures open the circuit for BreakerTimeout
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// JobsConfig holds the in-process scheduler settings. Specs use the standard
// five-field cron syntax or descriptors such as "@every 1m".
type JobsConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	EmailQueueSpec  string `mapstructure:"email_queue_spec"`
	PushQueueSpec   string `mapstructure:"push_queue_spec"`
	RetrySpec       string `mapstructure:"retry_spec"`
	InvitationSpec  string `mapstructure:"invitation_spec"`
	RetentionSpec   string `mapstructure:"retention_spec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_secs"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",

		// Auth
		"auth.token_ttl",
		"auth.confirmation_ttl",
		"auth.oidc.enabled",
		"auth.oidc.issuer_url",
		"auth.oidc.client_id",
		"auth.oidc.client_secret",
		"auth.oidc.redirect_url",
		"auth.oidc.scopes",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",
		"logging.max_size_mb",
		"logging.max_backups",
		"logging.max_age_days",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
		"telemetry.profiling.enabled",
		"telemetry.profiling.port",

		// Invitations
		"invitations.ttl",
		"invitations.resend_limit",
		"invitations.resend_window",
		"invitations.organization_path",
		"invitations.project_path",
		"invitations.provision_default_project",

		// Notifications
		"notifications.retention_days",
		"notifications.email_max_retries",
		"notifications.email_retry_backoff",
		"notifications.email_retry_lookback",
		"notifications.push_max_retries",
		"notifications.push_retry_backoff",
		"notifications.push_retry_lookback",
		"notifications.stale_after",
		"notifications.batch_size",

		// Delivery
		"delivery.functions_base_url",
		"delivery.email_function",
		"delivery.push_function",
		"delivery.service_key",
		"delivery.service_key_file",
		"delivery.timeout",
		"delivery.breaker_failures",
		"delivery.breaker_timeout",

		// Jobs
		"jobs.enabled",
		"jobs.email_queue_spec",
		"jobs.push_queue_spec",
		"jobs.retry_spec",
		"jobs.invitation_spec",
		"jobs.retention_spec",
		"jobs.shutdown_timeout_secs",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/conpanion")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment only
	}

	v.SetEnvPrefix("CPN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Auth.OIDC.ClientSecret = expandEnv(cfg.Auth.OIDC.ClientSecret)
	cfg.Delivery.ServiceKey = expandEnv(cfg.Delivery.ServiceKey)
	cfg.Security.RateLimiting.RedisURL = expandEnv(cfg.Security.RateLimiting.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "conpanion")
	v.SetDefault("database.user", "conpanion")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Auth defaults
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.confirmation_ttl", "72h")
	v.SetDefault("auth.oidc.enabled", false)
	v.SetDefault("auth.oidc.scopes", []string{"openid", "email", "profile"})

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 30)
	v.SetDefault("security.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "conpanion")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
	v.SetDefault("telemetry.profiling.enabled", false)
	v.SetDefault("telemetry.profiling.port", 6060)

	// Invitation defaults
	v.SetDefault("invitations.ttl", "168h")
	v.SetDefault("invitations.resend_limit", 3)
	v.SetDefault("invitations.resend_window", "24h")
	v.SetDefault("invitations.organization_path", "/invitation/")
	v.SetDefault("invitations.project_path", "/project-invitation/")
	v.SetDefault("invitations.provision_default_project", true)

	// Notification defaults
	v.SetDefault("notifications.retention_days", 90)
	v.SetDefault("notifications.email_max_retries", 3)
	v.SetDefault("notifications.email_retry_backoff", "15m")
	v.SetDefault("notifications.email_retry_lookback", "24h")
	v.SetDefault("notifications.push_max_retries", 3)
	v.SetDefault("notifications.push_retry_backoff", "5m")
	v.SetDefault("notifications.push_retry_lookback", "6h")
	v.SetDefault("notifications.stale_after", "30m")
	v.SetDefault("notifications.batch_size", 50)

	// Delivery defaults
	v.SetDefault("delivery.functions_base_url", "")
	v.SetDefault("delivery.email_function", "send-email-notification")
	v.SetDefault("delivery.push_function", "send-push-notification")
	v.SetDefault("delivery.timeout", "10s")
	v.SetDefault("delivery.breaker_failures", 5)
	v.SetDefault("delivery.breaker_timeout", "30s")

	// Job defaults
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.email_queue_spec", "@every 1m")
	v.SetDefault("jobs.push_queue_spec", "@every 1m")
	v.SetDefault("jobs.retry_spec", "@every 5m")
	v.SetDefault("jobs.invitation_spec", "@hourly")
	v.SetDefault("jobs.retention_spec", "@daily")
	v.SetDefault("jobs.shutdown_timeout_secs", 30)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Auth.OIDC.Enabled {
		if c.Auth.OIDC.IssuerURL == "" {
			return fmt.Errorf("auth.oidc.issuer_url is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.client_id is required when OIDC is enabled")
		}
		if c.Auth.OIDC.ClientSecret == "" {
			return fmt.Errorf("auth.oidc.client_secret is required when OIDC is enabled")
		}
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Invitations.TTL <= 0 {
		return fmt.Errorf("invitations.ttl must be positive")
	}
	if c.Invitations.ResendLimit < 1 {
		return fmt.Errorf("invitations.resend_limit must be at least 1")
	}
	if c.Invitations.ResendWindow <= 0 {
		return fmt.Errorf("invitations.resend_window must be positive")
	}

	if c.Notifications.EmailMaxRetries < 0 || c.Notifications.PushMaxRetries < 0 {
		return fmt.Errorf("notification retry limits must not be negative")
	}
	if c.Notifications.BatchSize < 1 {
		return fmt.Errorf("notifications.batch_size must be at least 1")
	}

	if c.Delivery.FunctionsBaseURL != "" {
		if _, err := url.ParseRequestURI(c.Delivery.FunctionsBaseURL); err != nil {
			return fmt.Errorf("invalid delivery.functions_base_url: %w", err)
		}
	}

	if c.Jobs.Enabled {
		specs := map[string]string{
			"jobs.email_queue_spec": c.Jobs.EmailQueueSpec,
			"jobs.push_queue_spec":  c.Jobs.PushQueueSpec,
			"jobs.retry_spec":       c.Jobs.RetrySpec,
			"jobs.invitation_spec":  c.Jobs.InvitationSpec,
			"jobs.retention_spec":   c.Jobs.RetentionSpec,
		}
		for key, spec := range specs {
			if _, err := cron.ParseStandard(spec); err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, spec, err)
			}
		}
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// InvitationURL builds the front end link for an invitation token.
func (c *Config) InvitationURL(scopeType, token string) string {
	path := c.Invitations.OrganizationPath
	if scopeType == "project" {
		path = c.Invitations.ProjectPath
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return c.Server.GetPublicURL() + path + url.PathEscape(token)
}
