package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the license server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Signing    SigningConfig    `mapstructure:"signing"`
	Security   SecurityConfig   `mapstructure:"security"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Features   FeatureConfig    `mapstructure:"features"`
	Email      EmailConfig      `mapstructure:"email"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig controls the per-IP limiter on client endpoints.
type RateLimitConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// SigningConfig locates the RSA key pair used to sign license tokens. The
// private key has no runtime default: a server that cannot sign must not start.
type SigningConfig struct {
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	Issuer         string        `mapstructure:"issuer"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

// SecurityConfig holds secrets for request processing. The fingerprint salt
// must stay stable across restarts or every stored device hash goes stale.
type SecurityConfig struct {
	FingerprintSalt string `mapstructure:"fingerprint_salt"`
}

// AuthConfig captures administrator authentication settings.
type AuthConfig struct {
	JWT       JWTSettings    `mapstructure:"jwt"`
	RootAdmin RootAdminModel `mapstructure:"root_admin"`
}

// JWTSettings configures admin session tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// RootAdminModel seeds the first administrator account on startup.
type RootAdminModel struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// SchedulerConfig controls the background expiry scanner.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	WarningWindow time.Duration `mapstructure:"warning_window"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// FeatureConfig toggles optional platform features.
type FeatureConfig struct {
	Notifications NotificationConfig `mapstructure:"notifications"`
}

// NotificationConfig toggles notifications.
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("LICENSEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.max_requests", 60)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/licensegate.sqlite")

	v.SetDefault("signing.private_key_path", "")
	v.SetDefault("signing.public_key_path", "")
	v.SetDefault("signing.issuer", "licensegate")
	v.SetDefault("signing.token_ttl", "720h") // 30 days

	v.SetDefault("auth.jwt.issuer", "licensegate")
	v.SetDefault("auth.jwt.access_token_ttl", "12h")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.schedule", "@hourly")
	v.SetDefault("scheduler.warning_window", "168h") // 7 days

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("features.notifications.enabled", true)

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
