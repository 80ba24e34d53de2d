// Package config loads service settings from an optional .env file, an
// optional config file and LOANSERV_* environment variables, in rising priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcclellann/loanserv/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const envPrefix = "LOANSERV"

type Config struct {
	HTTPAddr     string                        `mapstructure:"http_addr"`
	Storage      StorageConfig                 `mapstructure:"storage"`
	RedisURL     string                        `mapstructure:"redis_url"`
	Settlement   SettlementConfig              `mapstructure:"settlement"`
	Mora         MoraConfig                    `mapstructure:"mora"`
	Log          LogConfig                     `mapstructure:"log"`
	BankAccounts map[string]models.BankAccount `mapstructure:"bank_accounts"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite, postgres or memory
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type SettlementConfig struct {
	WithholdingRate string `mapstructure:"withholding_rate"`
}

type MoraConfig struct {
	AccrualInterval time.Duration `mapstructure:"accrual_interval"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "loanserv.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("settlement.withholding_rate", "0.05")
	v.SetDefault("mora.accrual_interval", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration. configFile may be empty, in which case
// ./config.yaml is used when present.
func Load(configFile string) (*Config, error) {
	// .env is optional; variables already in the environment win.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	rate, err := c.WithholdingRate()
	if err != nil {
		return err
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("settlement.withholding_rate must be between 0 and 1, got %s", rate)
	}
	if c.Mora.AccrualInterval <= 0 {
		return fmt.Errorf("mora.accrual_interval must be positive")
	}
	return nil
}

// WithholdingRate parses the configured rate as an exact decimal.
func (c *Config) WithholdingRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Settlement.WithholdingRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid settlement.withholding_rate %q: %w", c.Settlement.WithholdingRate, err)
	}
	return rate, nil
}
