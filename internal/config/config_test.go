package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Port:            "8080",
		Env:             "development",
		JWTSecret:       "secure-secret-at-least-32-chars-long",
		DBDriver:        "sqlite",
		DBPassword:      "secure-password",
		Backplane:       "none",
		BotEmailPattern: `(?i)@bot\.`,
		ReconcileCron:   "*/15 * * * *",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
	}{
		{"Valid development config", func(c *Config) {}, false},
		{"Missing port", func(c *Config) { c.Port = "" }, true},
		{"Missing JWT secret", func(c *Config) { c.JWTSecret = "" }, true},
		{"Unknown driver", func(c *Config) { c.DBDriver = "cassandra" }, true},
		{"Mongo without URI", func(c *Config) { c.DBDriver = "mongo" }, true},
		{"Mongo with URI", func(c *Config) { c.DBDriver = "mongo"; c.MongoURI = "mongodb://localhost" }, false},
		{"NATS without URL", func(c *Config) { c.Backplane = "nats" }, true},
		{"Unknown backplane", func(c *Config) { c.Backplane = "kafka" }, true},
		{"Invalid bot pattern", func(c *Config) { c.BotEmailPattern = "([" }, true},
		{"Invalid cron", func(c *Config) { c.ReconcileCron = "every minute" }, true},
		{"Reconcile disabled", func(c *Config) { c.ReconcileCron = "" }, false},
		{"Production default secret", func(c *Config) { c.Env = "production"; c.JWTSecret = defaultJWTSecret }, true},
		{"Production weak db password", func(c *Config) { c.Env = "prod"; c.DBDriver = "postgres"; c.DBPassword = "password" }, true},
		{"Production ok", func(c *Config) { c.Env = "production"; c.DBDriver = "postgres" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_NormalizeClampsCompletionTimeout(t *testing.T) {
	c := validConfig()
	c.CompletionTimeout = 10 * time.Millisecond
	c.normalize()
	assert.Equal(t, MinCompletionTimeout, c.CompletionTimeout)

	c.CompletionTimeout = 5 * time.Minute
	c.normalize()
	assert.Equal(t, MaxCompletionTimeout, c.CompletionTimeout)
}

func TestConfig_ParseBotAccounts(t *testing.T) {
	c := &Config{BotAccounts: "mentor:Mentor@Bot.skillchat.local, broken ,tutor:tutor@bot.skillchat.local"}
	accounts := c.ParseBotAccounts()
	require.Len(t, accounts, 2)
	assert.Equal(t, "mentor", accounts[0].Username)
	assert.Equal(t, "mentor@bot.skillchat.local", accounts[0].Email)
	assert.Equal(t, "tutor", accounts[1].Username)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	defer viper.Reset()
	defer os.Unsetenv("APP_ENV")
	defer os.Unsetenv("DB_DRIVER")
	defer os.Unsetenv("COMPLETION_TIMEOUT")
	defer os.Unsetenv("BACKPLANE")

	os.Setenv("APP_ENV", "development")
	os.Setenv("DB_DRIVER", "  SQLite ")
	os.Setenv("COMPLETION_TIMEOUT", "15s")
	os.Setenv("BACKPLANE", "none")

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.DBDriver)
	assert.Equal(t, 15*time.Second, c.CompletionTimeout)
	assert.Equal(t, "none", c.Backplane)
	assert.Equal(t, "8375", c.Port)
}
