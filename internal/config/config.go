package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the relay configuration. It is loaded once at startup and
// passed to the components that need it.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Mail     MailConfig     `mapstructure:"mail"`
	Email    EmailConfig    `mapstructure:"email"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name  string `mapstructure:"name"`
	Env   string `mapstructure:"env"`
	Debug bool   `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	GuardTTL  time.Duration `mapstructure:"guard_ttl"`
}

// MailConfig holds the inbound provider settings.
type MailConfig struct {
	// Domain is the relay domain reply addresses are issued under.
	Domain  string `mapstructure:"domain"`
	Webhook struct {
		SigningKey string        `mapstructure:"signing_key"`
		MaxAge     time.Duration `mapstructure:"max_age"`
		Path       string        `mapstructure:"path"`
	} `mapstructure:"webhook"`
}

// EmailConfig holds the outbound SMTP settings used for forwarding.
type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	SMTP     struct {
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		AuthType   string `mapstructure:"auth_type"`
		TLSMode    string `mapstructure:"tls_mode"`
		SkipVerify bool   `mapstructure:"skip_verify"`
	} `mapstructure:"smtp"`
}

type StorageConfig struct {
	Local struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"local"`
	Attachments struct {
		MaxSize  int64 `mapstructure:"max_size"`
		MaxCount int   `mapstructure:"max_count"`
	} `mapstructure:"attachments"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "replyrelay")
	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_upload_bytes", 32<<20)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.key_prefix", "replyrelay:")
	v.SetDefault("redis.guard_ttl", 2*time.Minute)
	v.SetDefault("mail.webhook.path", "/webhooks/inbound")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.tls_mode", "starttls")
	v.SetDefault("storage.local.path", "./data/attachments")
	v.SetDefault("storage.attachments.max_size", 25<<20)
	v.SetDefault("storage.attachments.max_count", 20)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads the configuration file (optional) and environment overrides.
// Environment variables use the REPLYRELAY prefix with "." replaced by "_",
// e.g. REPLYRELAY_MAIL_WEBHOOK_SIGNING_KEY.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("REPLYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// AutomaticEnv only affects keys viper already knows about; secrets rarely
// have defaults, so they are bound explicitly.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"mail.domain",
		"mail.webhook.signing_key",
		"database.dsn",
		"database.user",
		"database.password",
		"database.name",
		"redis.host",
		"redis.password",
		"email.from",
		"email.from_name",
		"email.smtp.host",
		"email.smtp.user",
		"email.smtp.password",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks the settings the webhook cannot run without.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Mail.Webhook.SigningKey) == "" {
		problems = append(problems, "mail.webhook.signing_key is not set")
	}
	if strings.TrimSpace(c.Mail.Domain) == "" {
		problems = append(problems, "mail.domain is not set")
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Email.Enabled && strings.TrimSpace(c.Email.SMTP.Host) == "" {
		problems = append(problems, "email.smtp.host is required when email is enabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

// GetDSN returns the driver specific connection string.
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Name)
	case "sqlite3":
		return c.Name
	default:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
		)
	}
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// EffectiveTLSMode normalises the SMTP TLS mode to "", "starttls" or "smtps".
func (c *EmailConfig) EffectiveTLSMode() string {
	switch strings.ToLower(strings.TrimSpace(c.SMTP.TLSMode)) {
	case "smtps", "tls", "ssl":
		return "smtps"
	case "starttls":
		return "starttls"
	default:
		return ""
	}
}
