package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tsangh5/BacktestGPT/internal/registry"
)

type catalog struct {
	Indicators []registry.IndicatorInfo `json:"indicators"`
	Operators  []registry.OperatorInfo  `json:"operators"`
}

// loadCatalog reads the catalog from the server when --server is set, so
// the listing matches what that server accepts.
func loadCatalog(cmd *cobra.Command, opts *options) (catalog, error) {
	if opts.server == "" {
		reg := registry.Default()
		return catalog{Indicators: reg.ListIndicators(), Operators: reg.ListOperators()}, nil
	}

	ctx, cancel := commandContext(cmd, opts)
	defer cancel()

	b, err := dialRemote(opts.server)
	if err != nil {
		return catalog{}, err
	}
	defer b.Close()

	out, err := b.client.ListRegistry(ctx)
	if err != nil {
		return catalog{}, explain(cmd.ErrOrStderr(), err)
	}
	var c catalog
	_, err = fromStruct(out, &c)
	return c, err
}

func listIndicators(cmd *cobra.Command, opts *options) error {
	c, err := loadCatalog(cmd, opts)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return printJSON(cmd.OutOrStdout(), c.Indicators)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPARAMS\tOUTPUTS\tDESCRIPTION")
	for _, ind := range c.Indicators {
		params := make([]string, len(ind.Params))
		for i, p := range ind.Params {
			params[i] = p.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ind.Name, strings.Join(params, ","), strings.Join(ind.Outputs, ","), ind.Description)
	}
	return tw.Flush()
}

func listOperators(cmd *cobra.Command, opts *options) error {
	c, err := loadCatalog(cmd, opts)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return printJSON(cmd.OutOrStdout(), c.Operators)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tALIASES\tDESCRIPTION")
	for _, op := range c.Operators {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", op.Name, strings.Join(op.Aliases, ","), op.Description)
	}
	return tw.Flush()
}

// validateTicker always resolves in-process against the configured market
// data source.
func validateTicker(cmd *cobra.Command, opts *options, symbol string) error {
	ctx, cancel := commandContext(cmd, opts)
	defer cancel()

	b, err := openLocal(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	res, err := b.app.Resolver.Validate(ctx, symbol)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return printJSON(out, res)
	}
	switch {
	case res.Valid && res.Name != "":
		fmt.Fprintf(out, "%s is valid (%s)\n", res.ResolvedSymbol, res.Name)
	case res.Valid:
		fmt.Fprintf(out, "%s is valid\n", res.ResolvedSymbol)
	default:
		fmt.Fprintf(out, "%s is not valid: %s\n", strings.ToUpper(symbol), res.Reason)
		if res.Suggestion != "" {
			fmt.Fprintf(out, "Did you mean %s?\n", res.Suggestion)
		}
	}
	return nil
}
