package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/pipeline"
)

func runChat(cmd *cobra.Command, opts *options, args []string) error {
	ctx := cmd.Context()
	b, err := openBackend(ctx, opts)
	if err != nil {
		return err
	}
	defer b.Close()

	if len(args) > 0 {
		_, err := chatTurn(ctx, cmd, opts, b, nil, strings.Join(args, " "))
		return err
	}
	return chatLoop(ctx, cmd, opts, b, cmd.InOrStdin())
}

// chatLoop reads one message per line until a backtest completes or input
// ends. The state returned by each turn is sent with the next one.
func chatLoop(ctx context.Context, cmd *cobra.Command, opts *options, b backend, in io.Reader) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Describe a strategy, for example: buy AAPL when the 50 day SMA crosses above the 200 day SMA, sell when it crosses below.")

	var state *domain.ConversationState
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			return nil
		}

		reply, err := chatTurn(ctx, cmd, opts, b, state, text)
		if reply != nil {
			s := reply.State
			state = &s
		}
		if err != nil {
			// A rejected strategy can be corrected in the next message.
			if errors.Is(err, errRejected) {
				continue
			}
			return err
		}
		if !reply.NeedsClarification {
			return nil
		}
	}
}

func chatTurn(ctx context.Context, cmd *cobra.Command, opts *options, b backend, state *domain.ConversationState, text string) (*chatView, error) {
	turnCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	reply, err := b.Converse(turnCtx, pipeline.ConversationRequest{Input: text, State: state})
	if err != nil {
		return reply, explain(out, err)
	}

	if reply.NeedsClarification {
		if opts.jsonOut {
			return reply, printJSON(out, reply)
		}
		fmt.Fprintln(out, reply.Message)
		return reply, nil
	}

	if reply.Message != "" && !opts.jsonOut {
		fmt.Fprintln(out, reply.Message)
	}
	if reply.Result != nil {
		return reply, printResult(out, reply.Result, opts.jsonOut)
	}
	return reply, nil
}
