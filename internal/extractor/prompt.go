package extractor

import (
	"fmt"
	"strings"

	"github.com/tsangh5/BacktestGPT/internal/conversation"
	"github.com/tsangh5/BacktestGPT/internal/registry"
)

const responseShape = `{
  "fields": {
    "ticker": "AAPL",
    "start_date": "YYYY-MM-DD",
    "end_date": "YYYY-MM-DD",
    "initial_cash": 100000,
    "fee_rate": 0.001,
    "indicators": [{"id": "SMA50", "name": "SMA", "params": {"period": 50}}],
    "entry_rule": {"left": "SMA50", "operator": "cross_above", "right": "SMA200"},
    "exit_rule": {"left": "RSI14", "operator": "greater_than", "right": 70}
  },
  "clarification": "question for the user, or empty",
  "missing": ["entry_rule"]
}`

// SystemPrompt describes the extraction task and the catalog the answer
// must be drawn from.
func SystemPrompt(reg *registry.Registry) string {
	var b strings.Builder
	b.WriteString("You turn a trader's description of a long-only daily strategy into JSON.\n")
	b.WriteString("Only include fields the latest message states or changes; omit everything else.\n")
	b.WriteString("When told the strategy is being rebuilt from the transcript, extract every field stated anywhere in the conversation instead.\n")
	b.WriteString("Never invent a ticker. Company names may be mapped to their US ticker.\n")
	b.WriteString("Rule operands are an indicator id (optionally id.output), a price column (open, high, low, close, volume) or a number.\n")
	b.WriteString("If required information is still missing or ambiguous, ask one short question in \"clarification\".\n\n")

	b.WriteString("Indicators:\n")
	for _, ind := range reg.ListIndicators() {
		params := make([]string, 0, len(ind.Params))
		for _, p := range ind.Params {
			s := p.Name + " (" + string(p.Type)
			if p.Default != nil {
				s += fmt.Sprintf(", default %g", *p.Default)
			}
			params = append(params, s+")")
		}
		fmt.Fprintf(&b, "- %s: %s params: %s; outputs: %s\n",
			ind.Name, ind.Description, strings.Join(params, ", "), strings.Join(ind.Outputs, ", "))
	}

	b.WriteString("\nOperators:\n")
	for _, op := range reg.ListOperators() {
		fmt.Fprintf(&b, "- %s: %s\n", op.Name, op.Description)
	}

	b.WriteString("\nRespond with a single JSON object shaped like:\n")
	b.WriteString(responseShape)
	return b.String()
}

// UserPrompt renders the conversation context for one turn.
func UserPrompt(req conversation.ExtractionRequest, currentJSON string) string {
	var b strings.Builder
	if req.Summary != "" {
		b.WriteString("Earlier conversation (summary):\n")
		b.WriteString(req.Summary)
		b.WriteString("\n\n")
	}
	if len(req.Turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range req.Turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}
	if req.FromTranscript {
		b.WriteString("The strategy is being rebuilt from the transcript. Extract every field stated anywhere in the conversation, not only in the latest message.\n\n")
	}
	b.WriteString("Strategy so far:\n")
	b.WriteString(currentJSON)
	b.WriteString("\n")
	if len(req.Missing) > 0 {
		b.WriteString("Still missing: " + strings.Join(req.Missing, ", ") + "\n")
	}
	b.WriteString("\nLatest message:\n")
	b.WriteString(req.Text)
	return b.String()
}
