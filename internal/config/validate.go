package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "validation errors: " + strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
		"test":        true,
	}
	if !validEnvs[cfg.Env] {
		errs = append(errs, ValidationError{
			Field:   "env",
			Message: "must be one of: development, staging, production, test",
		})
	}

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateMarketData(&cfg.MarketData)...)
	errs = append(errs, validateLLM(&cfg.LLM)...)
	errs = append(errs, validateConversation(&cfg.Conversation)...)
	errs = append(errs, validateBacktest(&cfg.Backtest)...)
	errs = append(errs, validateHistory(&cfg.History)...)

	// Connection settings only matter for the backends in use.
	if cfg.History.Driver == HistoryPostgres {
		errs = append(errs, validateDatabase(&cfg.Database)...)
	}
	if cfg.RabbitMQ.Enabled {
		errs = append(errs, validateRabbitMQ(&cfg.RabbitMQ)...)
	}

	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if !validPort(s.GRPCPort) {
		errs = append(errs, ValidationError{
			Field:   "server.grpc_port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if !validPort(s.HTTPPort) {
		errs = append(errs, ValidationError{
			Field:   "server.http_port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if s.GRPCPort == s.HTTPPort {
		errs = append(errs, ValidationError{
			Field:   "server.grpc_port/http_port",
			Message: "gRPC and HTTP ports must be different",
		})
	}
	if s.ShutdownTimeout != "" {
		if _, err := time.ParseDuration(s.ShutdownTimeout); err != nil {
			errs = append(errs, ValidationError{
				Field:   "server.shutdown_timeout",
				Message: "must be a duration such as 30s",
			})
		}
	}

	return errs
}

// Market data providers.
const (
	MarketDataAlpaca    = "alpaca"
	MarketDataSynthetic = "synthetic"
)

func validateMarketData(m *MarketDataConfig) ValidationErrors {
	var errs ValidationErrors

	switch m.Provider {
	case MarketDataAlpaca:
		if m.Feed != "" && m.Feed != "iex" && m.Feed != "sip" {
			errs = append(errs, ValidationError{
				Field:   "market_data.feed",
				Message: "must be one of: iex, sip",
			})
		}
	case MarketDataSynthetic:
	default:
		errs = append(errs, ValidationError{
			Field:   "market_data.provider",
			Message: "must be one of: alpaca, synthetic",
		})
	}
	if m.RequestsPerMin < 0 {
		errs = append(errs, ValidationError{
			Field:   "market_data.requests_per_min",
			Message: "must be non-negative",
		})
	}

	return errs
}

// LLM providers.
const (
	LLMOpenAI = "openai"
	LLMNone   = "none"
)

func validateLLM(l *LLMConfig) ValidationErrors {
	var errs ValidationErrors

	if l.Provider != LLMOpenAI && l.Provider != LLMNone {
		errs = append(errs, ValidationError{
			Field:   "llm.provider",
			Message: "must be one of: openai, none",
		})
	}
	if l.Provider == LLMOpenAI && l.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "llm.model",
			Message: "is required",
		})
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "llm.temperature",
			Message: "must be between 0 and 2",
		})
	}
	if l.RequestsPerSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "llm.requests_per_sec",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validateConversation(c *ConversationConfig) ValidationErrors {
	var errs ValidationErrors

	if c.MaxTurns < 0 {
		errs = append(errs, ValidationError{
			Field:   "conversation.max_turns",
			Message: "must be non-negative",
		})
	}
	if c.KeepRecent < 0 || (c.MaxTurns > 0 && c.KeepRecent > c.MaxTurns) {
		errs = append(errs, ValidationError{
			Field:   "conversation.keep_recent",
			Message: "must be between 0 and max_turns",
		})
	}

	return errs
}

func validateBacktest(b *BacktestConfig) ValidationErrors {
	var errs ValidationErrors

	start, startErr := time.Parse("2006-01-02", b.DefaultStartDate)
	if startErr != nil {
		errs = append(errs, ValidationError{
			Field:   "backtest.default_start_date",
			Message: "must be a YYYY-MM-DD date",
		})
	}
	end, endErr := time.Parse("2006-01-02", b.DefaultEndDate)
	if endErr != nil {
		errs = append(errs, ValidationError{
			Field:   "backtest.default_end_date",
			Message: "must be a YYYY-MM-DD date",
		})
	}
	if startErr == nil && endErr == nil && !start.Before(end) {
		errs = append(errs, ValidationError{
			Field:   "backtest.default_start_date",
			Message: "must be before default_end_date",
		})
	}
	if b.DefaultInitialCash <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backtest.default_initial_cash",
			Message: "must be greater than 0",
		})
	}
	if b.DefaultFeeRate < 0 || b.DefaultFeeRate >= 1 {
		errs = append(errs, ValidationError{
			Field:   "backtest.default_fee_rate",
			Message: "must be in [0, 1)",
		})
	}

	return errs
}

// History drivers.
const (
	HistoryPostgres = "postgres"
	HistorySQLite   = "sqlite"
	HistoryNone     = "none"
)

func validateHistory(h *HistoryConfig) ValidationErrors {
	var errs ValidationErrors

	switch h.Driver {
	case HistoryPostgres, HistoryNone:
	case HistorySQLite:
		if h.SQLitePath == "" {
			errs = append(errs, ValidationError{
				Field:   "history.sqlite_path",
				Message: "is required for the sqlite driver",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "history.driver",
			Message: "must be one of: postgres, sqlite, none",
		})
	}

	if h.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "history.retention_days",
			Message: "must be non-negative",
		})
	}
	if h.RetentionDays > 0 && h.Driver != HistoryNone {
		if _, err := cron.ParseStandard(h.RetentionCron); err != nil {
			errs = append(errs, ValidationError{
				Field:   "history.retention_cron",
				Message: "must be a standard 5-field cron expression",
			})
		}
	}

	return errs
}

func validateDatabase(db *DatabaseConfig) ValidationErrors {
	var errs ValidationErrors

	if db.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "database.host",
			Message: "is required",
		})
	}
	if !validPort(db.Port) {
		errs = append(errs, ValidationError{
			Field:   "database.port",
			Message: "must be a valid port number (1-65535)",
		})
	}
	if db.User == "" {
		errs = append(errs, ValidationError{
			Field:   "database.user",
			Message: "is required",
		})
	}
	if db.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "database.name",
			Message: "is required",
		})
	}

	validSSLModes := map[string]bool{
		"disable":     true,
		"require":     true,
		"verify-ca":   true,
		"verify-full": true,
	}
	if !validSSLModes[db.SSLMode] {
		errs = append(errs, ValidationError{
			Field:   "database.sslmode",
			Message: "must be one of: disable, require, verify-ca, verify-full",
		})
	}

	if db.MaxConnections <= 0 {
		errs = append(errs, ValidationError{
			Field:   "database.max_connections",
			Message: "must be greater than 0",
		})
	}
	if db.MaxIdleConnections < 0 || db.MaxIdleConnections > db.MaxConnections {
		errs = append(errs, ValidationError{
			Field:   "database.max_idle_connections",
			Message: "must be between 0 and max_connections",
		})
	}

	return errs
}

func validateRabbitMQ(mq *RabbitMQConfig) ValidationErrors {
	var errs ValidationErrors

	if mq.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "is required",
		})
	} else if !strings.HasPrefix(mq.URL, "amqp://") && !strings.HasPrefix(mq.URL, "amqps://") {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.url",
			Message: "must start with amqp:// or amqps://",
		})
	}

	if mq.Exchange == "" {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.exchange",
			Message: "is required",
		})
	}

	if mq.PrefetchCount <= 0 {
		errs = append(errs, ValidationError{
			Field:   "rabbitmq.prefetch_count",
			Message: "must be greater than 0",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[l.Level] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be one of: debug, info, warn, error",
		})
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validFormats[l.Format] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be one of: json, console",
		})
	}

	return errs
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
