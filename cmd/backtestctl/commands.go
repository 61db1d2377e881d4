package main

import (
	"time"

	"github.com/spf13/cobra"
)

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	server     string
	verbose    bool
	jsonOut    bool
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "backtestctl",
		Short: "Run trading strategy backtests from the command line",
		Long: `backtestctl validates and backtests long-only trading strategies
described in YAML or in plain English.

Without --server the full pipeline runs in-process using the server
configuration file. With --server the request is sent over gRPC.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "", "gRPC address of a running server (host:port)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log at debug level")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Print raw JSON instead of a summary")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 3*time.Minute, "Deadline for each request")

	runCmd := &cobra.Command{
		Use:   "run -f strategy.yaml",
		Short: "Backtest a strategy file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			return runStrategyFile(cmd, opts, file)
		},
	}
	runCmd.Flags().StringP("file", "f", "", "Strategy file (YAML or JSON)")
	_ = runCmd.MarkFlagRequired("file")

	chatCmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Describe a strategy in plain English",
		Long: `chat sends one message when given as an argument. Without an
argument it starts an interactive session that keeps the conversation
state between turns until a backtest runs or input ends.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, args)
		},
	}

	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "List supported indicators and operators",
	}
	registryCmd.AddCommand(
		&cobra.Command{
			Use:   "indicators",
			Short: "List supported indicators",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return listIndicators(cmd, opts)
			},
		},
		&cobra.Command{
			Use:   "operators",
			Short: "List supported operators",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return listOperators(cmd, opts)
			},
		},
	)

	tickerCmd := &cobra.Command{
		Use:   "ticker SYMBOL",
		Short: "Check whether a ticker symbol can be backtested",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateTicker(cmd, opts, args[0])
		},
	}

	rootCmd.AddCommand(runCmd, chatCmd, registryCmd, tickerCmd)
	return rootCmd
}
