package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

const offlineConfig = `
market_data:
  provider: synthetic
llm:
  provider: none
history:
  driver: none
`

const goldenCross = `
ticker: spy
start_date: 2012-01-01
end_date: 2020-01-01
strategy:
  indicators:
    - {id: fast, type: SMA, params: {period: 50}}
    - {id: slow, type: SMA, params: {period: 200}}
  entry: {op: cross_above, args: [fast, slow]}
  exit: {op: cross_below, args: [fast, slow]}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseStrategy_NestedYAML(t *testing.T) {
	c, err := parseStrategy([]byte(goldenCross))
	require.NoError(t, err)

	require.NotNil(t, c.Ticker)
	assert.Equal(t, "spy", *c.Ticker)
	require.NotNil(t, c.StartDate)
	assert.Equal(t, "2012-01-01", *c.StartDate)
	require.Len(t, c.Indicators, 2)
	assert.Equal(t, "SMA", c.Indicators[0].Name)
	require.NotNil(t, c.EntryRule)
	assert.Equal(t, "cross_above", c.EntryRule.Operator)
	assert.Equal(t, "fast", c.EntryRule.Left)
	require.NotNil(t, c.ExitRule)
	assert.Equal(t, "slow", c.ExitRule.Right)
}

func TestParseStrategy_FlatJSON(t *testing.T) {
	c, err := parseStrategy([]byte(`{"ticker":"AAPL","entry_rule":{"left":"close","operator":">","right":100}}`))
	require.NoError(t, err)
	require.NotNil(t, c.EntryRule)
	assert.Equal(t, ">", c.EntryRule.Operator)
	assert.Nil(t, c.ExitRule)
}

func TestParseStrategy_Malformed(t *testing.T) {
	_, err := parseStrategy([]byte("ticker: [unclosed"))
	assert.Error(t, err)
}

func TestRunCommand_Synthetic(t *testing.T) {
	cfg := writeFile(t, "config.yaml", offlineConfig)
	strategy := writeFile(t, "strategy.yaml", goldenCross)

	out, err := execute(t, "--config", cfg, "run", "-f", strategy)
	require.NoError(t, err)
	assert.Contains(t, out, "Total return")
	assert.Contains(t, out, "Profit factor")
}

func TestRunCommand_JSON(t *testing.T) {
	cfg := writeFile(t, "config.yaml", offlineConfig)
	strategy := writeFile(t, "strategy.yaml", goldenCross)

	out, err := execute(t, "--config", cfg, "--json", "run", "-f", strategy)
	require.NoError(t, err)
	assert.Contains(t, out, `"chart_data"`)
	assert.Contains(t, out, `"ticker": "SPY"`)
}

func TestRunCommand_PrintsDefects(t *testing.T) {
	cfg := writeFile(t, "config.yaml", offlineConfig)
	strategy := writeFile(t, "strategy.yaml", `
ticker: SPY
indicators:
  - {id: fast, name: SMOOTH, params: {period: 5}}
entry_rule: {left: fast, operator: cross_above, right: nope}
`)

	out, err := execute(t, "--config", cfg, "run", "-f", strategy)
	assert.ErrorIs(t, err, errRejected)
	assert.Contains(t, out, string(domain.DefectIndicatorUnknown))
	assert.Contains(t, out, string(domain.DefectRuleMissing))
}

func TestRunCommand_RequiresFile(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err)
}

func TestChatCommand_DisabledWithoutLLM(t *testing.T) {
	cfg := writeFile(t, "config.yaml", offlineConfig)
	_, err := execute(t, "--config", cfg, "chat", "test", "SPY")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "conversation")
}

func TestRegistryCommands(t *testing.T) {
	out, err := execute(t, "registry", "indicators")
	require.NoError(t, err)
	assert.Contains(t, out, "SMA")
	assert.Contains(t, out, "period")

	out, err = execute(t, "registry", "operators")
	require.NoError(t, err)
	assert.Contains(t, out, "cross_above")
}

func TestTickerCommand(t *testing.T) {
	cfg := writeFile(t, "config.yaml", offlineConfig)

	out, err := execute(t, "--config", cfg, "ticker", "aapl")
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL is valid")

	out, err = execute(t, "--config", cfg, "ticker", "ZZZZ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ZZZZ is not valid"), out)
}
