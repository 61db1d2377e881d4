package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.HTTPPort, cfg.Server.HTTPPort)
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: test
server:
  http_port: 9000
market_data:
  provider: synthetic
history:
  driver: none
backtest:
  default_fee_rate: 0.002
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, 50051, cfg.Server.GRPCPort)
	assert.Equal(t, MarketDataSynthetic, cfg.MarketData.Provider)
	assert.Equal(t, HistoryNone, cfg.History.Driver)
	assert.Equal(t, 0.002, cfg.Backtest.DefaultFeeRate)
	assert.Equal(t, 100000.0, cfg.Backtest.DefaultInitialCash)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"APCA_API_KEY_ID":     "key",
		"APCA_API_SECRET_KEY": "secret",
		"OPENAI_API_KEY":      "sk-test",
		"HISTORY_DRIVER":      "postgres",
		"DB_PORT":             "6543",
		"HTTP_PORT":           "not-a-number",
		"RABBITMQ_URL":        "amqp://mq:5672/",
		"LOG_LEVEL":           "DEBUG",
	}
	cfg := Default()
	applyEnvOverrides(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, "key", cfg.MarketData.APIKey)
	assert.Equal(t, "secret", cfg.MarketData.APISecret)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, HistoryPostgres, cfg.History.Driver)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.True(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "amqp://mq:5672/", cfg.RabbitMQ.URL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Env = "moon"
	cfg.Server.HTTPPort = cfg.Server.GRPCPort
	cfg.MarketData.Provider = "yahoo"
	cfg.LLM.Provider = "claude"
	cfg.Backtest.DefaultStartDate = "2030-01-01"
	cfg.Backtest.DefaultFeeRate = 1
	cfg.History.RetentionCron = "every day"

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	var fields []string
	for _, e := range err.(ValidationErrors) {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{
		"env",
		"server.grpc_port/http_port",
		"market_data.provider",
		"llm.provider",
		"backtest.default_start_date",
		"backtest.default_fee_rate",
		"history.retention_cron",
	}, fields)
}

func TestValidate_BackendsOnlyWhenUsed(t *testing.T) {
	cfg := Default()
	cfg.Database.Host = ""
	cfg.RabbitMQ.URL = "http://wrong"
	assert.NoError(t, Validate(cfg))

	cfg.History.Driver = HistoryPostgres
	cfg.RabbitMQ.Enabled = true
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.host")
	assert.Contains(t, err.Error(), "rabbitmq.url")
}

func TestDurations(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "30s", cfg.Server.Shutdown().String())
	assert.Equal(t, "2m0s", cfg.Backtest.Timeout().String())

	cfg.LLM.Timeout = "garbage"
	assert.Equal(t, "30s", cfg.LLM.RequestTimeout().String())
}
