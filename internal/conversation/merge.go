package conversation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

// Merge folds one extraction into a conversation state and returns the new
// state. The input state is not modified. Fields the extraction addresses
// overwrite the old values; everything else is carried over, so the
// accumulated strategy never becomes emptier.
func Merge(old domain.ConversationState, ext domain.Extraction) domain.ConversationState {
	next := old.Clone()
	next.Fields = MergeFields(old.Fields, ext.Fields)
	if len(Missing(next.Fields)) == 0 {
		next.Phase = domain.PhaseReady
		next.Complete = true
	} else {
		next.Phase = domain.PhaseGathering
		next.Complete = false
	}
	return next
}

// MergeFields overlays update onto base. Blank strings count as absent.
// Indicators are upserted by ID, keeping first-declaration order.
func MergeFields(base, update domain.CandidateStrategy) domain.CandidateStrategy {
	out := base.Clone()
	upd := update.Clone()

	if present(upd.Ticker) {
		out.Ticker = upd.Ticker
	}
	if present(upd.StartDate) {
		out.StartDate = upd.StartDate
	}
	if present(upd.EndDate) {
		out.EndDate = upd.EndDate
	}
	if upd.InitialCash != nil {
		out.InitialCash = upd.InitialCash
	}
	if upd.FeeRate != nil {
		out.FeeRate = upd.FeeRate
	}
	if upd.EntryRule != nil {
		out.EntryRule = upd.EntryRule
	}
	if upd.ExitRule != nil {
		out.ExitRule = upd.ExitRule
	}

	for _, ind := range upd.Indicators {
		if strings.TrimSpace(ind.Name) == "" && strings.TrimSpace(ind.ID) == "" {
			continue
		}
		key := indicatorKey(ind)
		replaced := false
		for i := range out.Indicators {
			if indicatorKey(out.Indicators[i]) == key {
				out.Indicators[i] = mergeIndicator(out.Indicators[i], ind)
				replaced = true
				break
			}
		}
		if !replaced {
			out.Indicators = append(out.Indicators, ind)
		}
	}

	return out
}

func mergeIndicator(old, upd domain.CandidateIndicator) domain.CandidateIndicator {
	out := old.Clone()
	if strings.TrimSpace(upd.Name) != "" {
		out.Name = upd.Name
	}
	if len(upd.Params) > 0 {
		if out.Params == nil {
			out.Params = make(map[string]any, len(upd.Params))
		}
		for k, v := range upd.Params {
			out.Params[k] = v
		}
	}
	return out
}

// indicatorKey identifies an indicator across turns: its ID when given,
// otherwise its name and parameters.
func indicatorKey(ind domain.CandidateIndicator) string {
	if id := strings.TrimSpace(ind.ID); id != "" {
		return "id:" + strings.ToUpper(id)
	}
	keys := make([]string, 0, len(ind.Params))
	for k := range ind.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("name:" + strings.ToUpper(strings.TrimSpace(ind.Name)))
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%v", strings.ToLower(k), ind.Params[k])
	}
	return b.String()
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// Missing lists the required fields that are still absent, in asking order.
func Missing(f domain.CandidateStrategy) []string {
	var missing []string
	if !present(f.Ticker) {
		missing = append(missing, domain.FieldTicker)
	}
	if len(f.Indicators) == 0 {
		missing = append(missing, domain.FieldIndicators)
	}
	if f.EntryRule == nil {
		missing = append(missing, domain.FieldEntryRule)
	}
	if f.ExitRule == nil {
		missing = append(missing, domain.FieldExitRule)
	}
	return missing
}

var fieldQuestions = map[string]string{
	domain.FieldTicker:     "which ticker to test (for example SPY or AAPL)",
	domain.FieldIndicators: "which indicators to use (for example SMA 50 and SMA 200, or RSI 14)",
	domain.FieldEntryRule:  "when to enter a position (for example when SMA 50 crosses above SMA 200)",
	domain.FieldExitRule:   "when to exit the position (for example when RSI 14 rises above 70)",
}

// ClarificationQuestion builds a focused question about the missing fields.
// It is used only when the extractor did not ask one itself.
func ClarificationQuestion(missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	parts := make([]string, 0, len(missing))
	for _, f := range missing {
		if q, ok := fieldQuestions[f]; ok {
			parts = append(parts, q)
		}
	}
	switch len(parts) {
	case 0:
		return "Could you tell me more about the strategy?"
	case 1:
		return "To run the backtest I still need to know " + parts[0] + "."
	default:
		return "To run the backtest I still need to know " +
			strings.Join(parts[:len(parts)-1], "; ") + "; and " + parts[len(parts)-1] + "."
	}
}
