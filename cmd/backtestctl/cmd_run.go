package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	httpapi "github.com/tsangh5/BacktestGPT/internal/api/http"
	"github.com/tsangh5/BacktestGPT/internal/domain"
)

func runStrategyFile(cmd *cobra.Command, opts *options, path string) error {
	c, err := readStrategyFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd, opts)
	defer cancel()

	b, err := openBackend(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	result, err := b.Run(ctx, c)
	if err != nil {
		return explain(cmd.OutOrStdout(), err)
	}
	return printResult(cmd.OutOrStdout(), result, opts.jsonOut)
}

// readStrategyFile parses a strategy in any form the HTTP API accepts. JSON
// is valid YAML, so both are read the same way.
func readStrategyFile(path string) (domain.CandidateStrategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.CandidateStrategy{}, err
	}
	return parseStrategy(data)
}

func parseStrategy(data []byte) (domain.CandidateStrategy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.CandidateStrategy{}, fmt.Errorf("failed to parse strategy: %w", err)
	}
	body, err := json.Marshal(plainDates(doc))
	if err != nil {
		return domain.CandidateStrategy{}, fmt.Errorf("failed to parse strategy: %w", err)
	}

	var req httpapi.BacktestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return domain.CandidateStrategy{}, fmt.Errorf("failed to parse strategy: %w", err)
	}
	if err := req.Validate(); err != nil {
		return domain.CandidateStrategy{}, fmt.Errorf("invalid strategy file: %w", err)
	}
	return req.Candidate(), nil
}

// plainDates turns YAML timestamps back into YYYY-MM-DD strings.
func plainDates(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.Format(domain.DateLayout)
	case map[string]any:
		for k, e := range t {
			t[k] = plainDates(e)
		}
	case []any:
		for i, e := range t {
			t[i] = plainDates(e)
		}
	}
	return v
}
