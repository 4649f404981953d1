// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	DBDriver      string `mapstructure:"DB_DRIVER"`
	DBHost        string `mapstructure:"DB_HOST"`
	DBPort        string `mapstructure:"DB_PORT"`
	DBUser        string `mapstructure:"DB_USER"`
	DBPassword    string `mapstructure:"DB_PASSWORD"`
	DBName        string `mapstructure:"DB_NAME"`
	DBSSLMode     string `mapstructure:"DB_SSLMODE"`
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	MongoURI      string `mapstructure:"MONGO_URI"`
	MongoDatabase string `mapstructure:"MONGO_DATABASE"`

	RedisURL  string `mapstructure:"REDIS_URL"`
	Backplane string `mapstructure:"BACKPLANE"`
	NATSURL   string `mapstructure:"NATS_URL"`

	CompletionURL     string        `mapstructure:"COMPLETION_URL"`
	CompletionAPIKey  string        `mapstructure:"COMPLETION_API_KEY"`
	CompletionModel   string        `mapstructure:"COMPLETION_MODEL"`
	CompletionTimeout time.Duration `mapstructure:"COMPLETION_TIMEOUT"`
	BotFallbackText   string        `mapstructure:"BOT_FALLBACK_TEXT"`
	BotEmailPattern   string        `mapstructure:"BOT_EMAIL_PATTERN"`
	BotAccounts       string        `mapstructure:"BOT_ACCOUNTS"`

	PresenceOfflineGrace time.Duration `mapstructure:"PRESENCE_OFFLINE_GRACE"`
	ReconcileCron        string        `mapstructure:"RECONCILE_CRON"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint       string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
}

// Completion timeout bounds.
const (
	MinCompletionTimeout = time.Second
	MaxCompletionTimeout = 60 * time.Second
)

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base config file is optional.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")
	viper.SetDefault("DB_DRIVER", "postgres")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "skillchat")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("SQLITE_PATH", "skillchat.db")
	viper.SetDefault("MONGO_DATABASE", "skillchat")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("BACKPLANE", "redis")
	viper.SetDefault("COMPLETION_MODEL", "gpt-4o-mini")
	viper.SetDefault("COMPLETION_TIMEOUT", "20s")
	viper.SetDefault("BOT_FALLBACK_TEXT", "Sorry, I'm having trouble answering right now. Please try again in a moment.")
	viper.SetDefault("BOT_EMAIL_PATTERN", `(?i)(^bot@|@bot\.)`)
	viper.SetDefault("BOT_ACCOUNTS", "")
	viper.SetDefault("PRESENCE_OFFLINE_GRACE", "5s")
	viper.SetDefault("RECONCILE_CRON", "*/15 * * * *")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
}

func (c *Config) normalize() {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
	c.Backplane = strings.ToLower(strings.TrimSpace(c.Backplane))
	c.ReconcileCron = strings.TrimSpace(c.ReconcileCron)

	if c.CompletionTimeout < MinCompletionTimeout {
		c.CompletionTimeout = MinCompletionTimeout
	}
	if c.CompletionTimeout > MaxCompletionTimeout {
		c.CompletionTimeout = MaxCompletionTimeout
	}
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch c.DBDriver {
	case "postgres", "sqlite":
	case "mongo":
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required when DB_DRIVER is mongo")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}

	switch c.Backplane {
	case "redis", "none", "":
	case "nats":
		if c.NATSURL == "" {
			return errors.New("NATS_URL is required when BACKPLANE is nats")
		}
	default:
		return fmt.Errorf("unsupported BACKPLANE %q", c.Backplane)
	}

	if c.BotEmailPattern != "" {
		if _, err := regexp.Compile(c.BotEmailPattern); err != nil {
			return fmt.Errorf("BOT_EMAIL_PATTERN is not a valid regular expression: %w", err)
		}
	}
	if c.ReconcileCron != "" && !gronx.IsValid(c.ReconcileCron) {
		return fmt.Errorf("RECONCILE_CRON %q is not a valid cron expression", c.ReconcileCron)
	}

	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBDriver == "postgres" && (c.DBPassword == "password" || c.DBPassword == "") {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// BotAccount is a bot identity provisioned at boot.
type BotAccount struct {
	Username string
	Email    string
}

// ParseBotAccounts parses BOT_ACCOUNTS ("name:email,name:email"), skipping malformed entries.
func (c *Config) ParseBotAccounts() []BotAccount {
	var accounts []BotAccount
	for _, entry := range strings.Split(c.BotAccounts, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, email, ok := strings.Cut(entry, ":")
		name, email = strings.TrimSpace(name), strings.TrimSpace(email)
		if !ok || name == "" || email == "" {
			log.Printf("WARNING: ignoring malformed BOT_ACCOUNTS entry %q", entry)
			continue
		}
		accounts = append(accounts, BotAccount{Username: name, Email: strings.ToLower(email)})
	}
	return accounts
}
