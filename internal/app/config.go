package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/opencampus/registrar/internal/account"
	"github.com/opencampus/registrar/internal/registry"
	"github.com/opencampus/registrar/internal/storage"
	"github.com/opencampus/registrar/pkg/mail"
)

// Config is the root application configuration tree.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Email    EmailConfig    `mapstructure:"email"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	LogLevel string        `mapstructure:"log_level"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Endpoint string `mapstructure:"endpoint"`
}

// RegistryConfig tunes account lifecycle behaviour.
type RegistryConfig struct {
	AllowedDomains  []string      `mapstructure:"allowed_domains"`
	VerificationTTL time.Duration `mapstructure:"verification_ttl"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
}

// StorageConfig selects and configures the record store backend.
type StorageConfig struct {
	Driver    string       `mapstructure:"driver"`
	Dir       string       `mapstructure:"dir"`
	Path      string       `mapstructure:"path"`
	DSN       string       `mapstructure:"dsn"`
	QueueSize int          `mapstructure:"queue_size"`
	Postgres  DBAuthConfig `mapstructure:"postgres"`
	MySQL     DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig carries connection settings for server-based databases.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
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

// ServiceConfig converts RegistryConfig to the registry package representation.
func (c RegistryConfig) ServiceConfig() registry.Config {
	ttl := c.VerificationTTL
	if ttl <= 0 {
		ttl = account.DefaultVerificationTTL
	}
	return registry.Config{
		AllowedDomains:  append([]string(nil), c.AllowedDomains...),
		VerificationTTL: ttl,
	}
}

// StoreConfig converts StorageConfig to the storage package representation.
func (c StorageConfig) StoreConfig() storage.Config {
	cfg := storage.Config{
		Driver: c.Driver,
		Dir:    c.Dir,
		Path:   c.Path,
		DSN:    c.DSN,
	}
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "postgres", "postgresql":
		cfg.Host = c.Postgres.Host
		cfg.Port = c.Postgres.Port
		cfg.Name = c.Postgres.Database
		cfg.User = c.Postgres.Username
		cfg.Password = c.Postgres.Password
	case "mysql", "mariadb":
		cfg.Host = c.MySQL.Host
		cfg.Port = c.MySQL.Port
		cfg.Name = c.MySQL.Database
		cfg.User = c.MySQL.Username
		cfg.Password = c.MySQL.Password
	}
	return cfg
}

// SMTPSettings converts EmailConfig to the mail package representation.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  c.SMTP.Enabled,
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
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

	v.SetEnvPrefix("REGISTRAR")
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
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.metrics.enabled", true)
	v.SetDefault("server.metrics.address", ":9100")
	v.SetDefault("server.metrics.endpoint", "/metrics")

	v.SetDefault("registry.allowed_domains", account.DefaultAllowedDomains)
	v.SetDefault("registry.verification_ttl", "15m")
	v.SetDefault("registry.sweep_schedule", "@every 5m")

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.dir", "./data/accounts")
	v.SetDefault("storage.path", "./data/registrar.sqlite")
	v.SetDefault("storage.queue_size", 256)

	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.database", "registrar")

	v.SetDefault("storage.mysql.host", "127.0.0.1")
	v.SetDefault("storage.mysql.port", 3306)
	v.SetDefault("storage.mysql.database", "registrar")

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
