package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file and applies environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromYAML(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg, os.LookupEnv)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromYAML overlays the YAML file onto cfg. A missing file keeps the defaults.
func loadFromYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("ENV", &cfg.Env)

	num("GRPC_PORT", &cfg.Server.GRPCPort)
	num("HTTP_PORT", &cfg.Server.HTTPPort)

	// Alpaca's own SDK variable names.
	str("MARKET_DATA_PROVIDER", &cfg.MarketData.Provider)
	str("APCA_API_KEY_ID", &cfg.MarketData.APIKey)
	str("APCA_API_SECRET_KEY", &cfg.MarketData.APISecret)
	str("APCA_API_DATA_URL", &cfg.MarketData.DataURL)
	str("APCA_API_BASE_URL", &cfg.MarketData.TradingURL)
	str("MARKET_DATA_CACHE_DIR", &cfg.MarketData.CacheDir)

	str("LLM_PROVIDER", &cfg.LLM.Provider)
	str("OPENAI_API_KEY", &cfg.LLM.APIKey)
	str("OPENAI_BASE_URL", &cfg.LLM.BaseURL)
	str("OPENAI_MODEL", &cfg.LLM.Model)

	str("HISTORY_DRIVER", &cfg.History.Driver)
	str("HISTORY_SQLITE_PATH", &cfg.History.SQLitePath)
	num("HISTORY_RETENTION_DAYS", &cfg.History.RetentionDays)

	str("DB_HOST", &cfg.Database.Host)
	num("DB_PORT", &cfg.Database.Port)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASSWORD", &cfg.Database.Password)
	str("DB_NAME", &cfg.Database.Name)
	str("DB_SSLMODE", &cfg.Database.SSLMode)
	num("DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections)

	if v, ok := lookup("RABBITMQ_URL"); ok && v != "" {
		cfg.RabbitMQ.URL = v
		cfg.RabbitMQ.Enabled = true
	}
	str("RABBITMQ_EXCHANGE", &cfg.RabbitMQ.Exchange)

	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_FORMAT"); ok && v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
}

// MustLoad loads configuration and panics on error.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
