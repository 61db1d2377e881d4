package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/status"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// errRejected is returned after the defects have been printed.
var errRejected = errors.New("strategy rejected")

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResult(w io.Writer, r *runView, jsonOut bool) error {
	if jsonOut {
		var v any = r
		if len(r.Raw) > 0 {
			v = r.Raw
		}
		return printJSON(w, v)
	}

	m := r.Metrics
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "Start value\t%.2f\n", m.StartValue)
	fmt.Fprintf(tw, "End value\t%.2f\n", m.EndValue)
	fmt.Fprintf(tw, "Total return\t%s\n", pct(m.TotalReturn))
	fmt.Fprintf(tw, "CAGR\t%s\n", pct(m.CAGR))
	fmt.Fprintf(tw, "Max drawdown\t%s\n", pct(m.MaxDrawdown))
	fmt.Fprintf(tw, "Sharpe\t%.2f\n", m.SharpeRatio)
	fmt.Fprintf(tw, "Sortino\t%.2f\n", m.SortinoRatio)
	fmt.Fprintf(tw, "Trades\t%d (%d won, %d lost)\n", m.TotalTrades, m.WinningTrades, m.LosingTrades)
	fmt.Fprintf(tw, "Win rate\t%s\n", pct(m.WinRate))
	fmt.Fprintf(tw, "Profit factor\t%.2f\n", m.ProfitFactor)
	fmt.Fprintf(tw, "Exposure\t%s\n", pct(m.Exposure))
	if m.OpenPosition {
		fmt.Fprintf(tw, "Open position\tyes (not counted as a trade)\n")
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Trades) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tEntry\tPrice\tExit\tPrice\tReturn\t")
	for i, t := range r.Trades {
		fmt.Fprintf(tw, "%d\t%s\t%.2f\t%s\t%.2f\t%s\t\n",
			i+1,
			t.EntryDate.Format(domain.DateLayout), t.EntryPrice,
			t.ExitDate.Format(domain.DateLayout), t.ExitPrice,
			pct(t.Return),
		)
	}
	return tw.Flush()
}

func pct(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}

// explain prints validation defects from either a local or a gRPC error.
// Other errors are returned unchanged.
func explain(w io.Writer, err error) error {
	if defects, ok := domain.AsValidationDefects(err); ok {
		fmt.Fprintf(w, "The strategy has %d problem(s):\n", len(defects))
		for _, d := range defects {
			fmt.Fprintf(w, "  - [%s] %s\n", d.Code, d.String())
		}
		return errRejected
	}

	if st, ok := status.FromError(err); ok && st.Code() != 0 {
		var lines []string
		for _, detail := range st.Details() {
			br, ok := detail.(*errdetails.BadRequest)
			if !ok {
				continue
			}
			for _, v := range br.FieldViolations {
				lines = append(lines, fmt.Sprintf("  - %s: %s", v.Field, v.Description))
			}
		}
		if len(lines) > 0 {
			fmt.Fprintf(w, "The strategy has %d problem(s):\n%s\n", len(lines), strings.Join(lines, "\n"))
			return errRejected
		}
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
	return err
}
