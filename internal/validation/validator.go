// Package validation turns untrusted candidate strategies into validated
// strategies, or into the complete list of everything wrong with them.
package validation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/registry"
	"github.com/tsangh5/BacktestGPT/internal/ticker"
)

// TickerValidator resolves ticker symbols.
type TickerValidator interface {
	Validate(ctx context.Context, symbol string) (ticker.Resolution, error)
}

// Defaults fill the optional strategy fields.
type Defaults struct {
	StartDate   string
	EndDate     string
	InitialCash float64
	FeeRate     float64
}

// DefaultDefaults mirrors the defaults of the public API.
func DefaultDefaults() Defaults {
	return Defaults{
		StartDate:   "2010-01-01",
		EndDate:     "2025-01-01",
		InitialCash: 100000,
		FeeRate:     0.001,
	}
}

// Validator checks candidates against the registry and the ticker resolver.
type Validator struct {
	registry *registry.Registry
	tickers  TickerValidator
	defaults Defaults
}

// New creates a Validator.
func New(reg *registry.Registry, tickers TickerValidator, defaults Defaults) *Validator {
	return &Validator{registry: reg, tickers: tickers, defaults: defaults}
}

// Validate checks, in order, the ticker, the indicators and their parameters,
// the rule operators, the rule references, the date range, and the fee and
// cash. Every defect is collected. A failure of the ticker lookup itself is
// returned as a domain.ExternalServiceError instead of a defect.
func (v *Validator) Validate(ctx context.Context, c domain.CandidateStrategy) (domain.Strategy, error) {
	var (
		s       domain.Strategy
		defects domain.ValidationDefects
	)

	sym, tickerDefects, err := v.checkTicker(ctx, c.Ticker)
	if err != nil {
		return domain.Strategy{}, err
	}
	s.Ticker = sym
	defects = append(defects, tickerDefects...)

	specs, declared, indDefects := v.checkIndicators(c.Indicators)
	s.Indicators = specs
	defects = append(defects, indDefects...)

	entryOp, d := v.checkOperator("entry_rule", c.EntryRule)
	defects = append(defects, d...)
	exitOp, d := v.checkOperator("exit_rule", c.ExitRule)
	defects = append(defects, d...)

	entry, d := v.checkReferences("entry_rule", c.EntryRule, declared)
	defects = append(defects, d...)
	exit, d := v.checkReferences("exit_rule", c.ExitRule, declared)
	defects = append(defects, d...)
	entry.Operator, exit.Operator = entryOp, exitOp
	s.EntryRule, s.ExitRule = entry, exit

	start, end, d := v.checkDates(c.StartDate, c.EndDate)
	s.StartDate, s.EndDate = start, end
	defects = append(defects, d...)

	cash, fee, d := v.checkMoney(c.InitialCash, c.FeeRate)
	s.InitialCash, s.FeeRate = cash, fee
	defects = append(defects, d...)

	if len(defects) > 0 {
		return domain.Strategy{}, defects
	}
	return s, nil
}

func (v *Validator) checkTicker(ctx context.Context, raw *string) (string, []domain.Defect, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return "", []domain.Defect{{
			Code: domain.DefectTickerMissing, Field: "ticker", Message: "ticker is required",
		}}, nil
	}

	symbol := ticker.Normalize(*raw)
	if !ticker.ValidFormat(symbol) {
		return "", []domain.Defect{{
			Code:       domain.DefectTickerFormat,
			Field:      "ticker",
			Message:    fmt.Sprintf("%q is not a valid ticker symbol", *raw),
			Suggestion: ticker.SuggestFromName(*raw),
		}}, nil
	}

	res, err := v.tickers.Validate(ctx, symbol)
	if err != nil {
		return "", nil, err
	}
	if !res.Valid {
		msg := fmt.Sprintf("ticker %s could not be resolved", symbol)
		if res.Reason != "" {
			msg += ": " + res.Reason
		}
		return "", []domain.Defect{{
			Code: domain.DefectTickerUnresolved, Field: "ticker", Message: msg, Suggestion: res.Suggestion,
		}}, nil
	}
	return res.ResolvedSymbol, nil, nil
}

// declaredIndicator is what a rule reference can point at. Info is nil when
// the indicator name itself was unknown; references to it are not reported a
// second time.
type declaredIndicator struct {
	ID   string
	Info *registry.IndicatorInfo
}

func (v *Validator) checkIndicators(candidates []domain.CandidateIndicator) ([]domain.IndicatorSpec, map[string]declaredIndicator, []domain.Defect) {
	declared := make(map[string]declaredIndicator)
	if len(candidates) == 0 {
		return nil, declared, []domain.Defect{{
			Code: domain.DefectIndicatorsMissing, Field: "indicators", Message: "at least one indicator is required",
		}}
	}

	var (
		specs   []domain.IndicatorSpec
		defects []domain.Defect
	)
	for i, cand := range candidates {
		field := fmt.Sprintf("indicators[%d]", i)

		info, err := v.registry.ResolveIndicator(cand.Name)
		if err != nil {
			msg := "indicator name is required"
			if strings.TrimSpace(cand.Name) != "" {
				msg = fmt.Sprintf("unknown indicator %q", cand.Name)
			}
			defects = append(defects, domain.Defect{
				Code:       domain.DefectIndicatorUnknown,
				Field:      field + ".name",
				Message:    msg,
				Suggestion: v.registry.SuggestIndicator(cand.Name),
			})
			id := cand.ID
			if id == "" {
				id = strings.ToUpper(strings.TrimSpace(cand.Name)) + periodSuffix(cand.Params)
			}
			if id != "" {
				declared[strings.ToUpper(id)] = declaredIndicator{ID: id}
			}
			continue
		}

		params, paramDefects := checkParams(field, info, cand.Params)
		defects = append(defects, paramDefects...)

		id := strings.TrimSpace(cand.ID)
		if id == "" {
			if len(paramDefects) > 0 {
				continue
			}
			id = DefaultIndicatorID(info.Kind, params)
		}
		key := strings.ToUpper(id)
		if _, dup := declared[key]; dup {
			defects = append(defects, domain.Defect{
				Code:    domain.DefectIndicatorDupID,
				Field:   field + ".id",
				Message: fmt.Sprintf("indicator id %q is declared more than once", id),
			})
			continue
		}
		infoCopy := info
		declared[key] = declaredIndicator{ID: id, Info: &infoCopy}
		specs = append(specs, domain.IndicatorSpec{ID: id, Kind: info.Kind, Params: params})
	}
	return specs, declared, defects
}

// DefaultIndicatorID names an indicator that was declared without an ID, e.g.
// SMA50, RSI14, BB20 or MACD.
func DefaultIndicatorID(kind domain.IndicatorKind, p domain.IndicatorParams) string {
	switch kind {
	case domain.IndicatorBBands:
		return "BB" + strconv.Itoa(p.Period)
	case domain.IndicatorMACD:
		return "MACD"
	default:
		return string(kind) + strconv.Itoa(p.Period)
	}
}

// maxIntParam bounds integer parameters so they convert to int safely.
const maxIntParam = math.MaxInt32

func periodSuffix(params map[string]any) string {
	for _, key := range []string{"period", "window", "length"} {
		if raw, ok := params[key]; ok {
			if f, err := toNumber(raw); err == nil && f == math.Trunc(f) && math.Abs(f) <= maxIntParam {
				return strconv.Itoa(int(f))
			}
		}
	}
	return ""
}

func checkParams(field string, info registry.IndicatorInfo, raw map[string]any) (domain.IndicatorParams, []domain.Defect) {
	values := make(map[string]any, len(raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if p, ok := info.Param(k); ok {
			if _, seen := values[p.Name]; !seen {
				values[p.Name] = raw[k]
			}
		}
	}

	var (
		out     domain.IndicatorParams
		defects []domain.Defect
	)
	for _, p := range info.Params {
		pf := field + ".params." + p.Name
		rawValue, ok := values[p.Name]
		if !ok || rawValue == nil {
			if p.Required() {
				defects = append(defects, domain.Defect{
					Code:    domain.DefectParamMissing,
					Field:   pf,
					Message: fmt.Sprintf("%s requires parameter %q", info.Name, p.Name),
				})
				continue
			}
			setParam(&out, p.Name, *p.Default)
			continue
		}

		f, err := toNumber(rawValue)
		if err != nil {
			defects = append(defects, domain.Defect{
				Code: domain.DefectParamInvalid, Field: pf,
				Message: fmt.Sprintf("parameter %q must be a number", p.Name),
			})
			continue
		}
		if p.Type == registry.ParamInt && f != math.Trunc(f) {
			defects = append(defects, domain.Defect{
				Code: domain.DefectParamInvalid, Field: pf,
				Message: fmt.Sprintf("parameter %q must be an integer, got %v", p.Name, f),
			})
			continue
		}
		if f < p.Min {
			defects = append(defects, domain.Defect{
				Code: domain.DefectParamInvalid, Field: pf,
				Message: fmt.Sprintf("parameter %q must be at least %v, got %v", p.Name, p.Min, f),
			})
			continue
		}
		if p.Type == registry.ParamInt && f > maxIntParam {
			defects = append(defects, domain.Defect{
				Code: domain.DefectParamInvalid, Field: pf,
				Message: fmt.Sprintf("parameter %q must be at most %d, got %v", p.Name, maxIntParam, f),
			})
			continue
		}
		setParam(&out, p.Name, f)
	}

	if info.Kind == domain.IndicatorMACD && out.Fast > 0 && out.Slow > 0 && out.Fast >= out.Slow {
		defects = append(defects, domain.Defect{
			Code: domain.DefectParamInvalid, Field: field + ".params.fast",
			Message: fmt.Sprintf("fast period %d must be shorter than slow period %d", out.Fast, out.Slow),
		})
	}
	return out, defects
}

func setParam(p *domain.IndicatorParams, name string, v float64) {
	switch name {
	case "period":
		p.Period = int(v)
	case "num_std_dev":
		p.NumStdDev = v
	case "fast":
		p.Fast = int(v)
	case "slow":
		p.Slow = int(v)
	case "signal":
		p.Signal = int(v)
	}
}

// toNumber accepts JSON and YAML numbers and numeric strings.
func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("not finite")
		}
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return 0, err
		}
		return d.InexactFloat64(), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func (v *Validator) checkOperator(field string, rule *domain.CandidateRule) (domain.OperatorKind, []domain.Defect) {
	if rule == nil {
		return "", []domain.Defect{{
			Code: domain.DefectRuleMissing, Field: field, Message: field + " is required",
		}}
	}
	op, err := v.registry.ResolveOperator(rule.Operator)
	if err != nil {
		msg := "operator is required"
		if strings.TrimSpace(rule.Operator) != "" {
			msg = fmt.Sprintf("unknown operator %q", rule.Operator)
		}
		return "", []domain.Defect{{
			Code:       domain.DefectOperatorUnknown,
			Field:      field + ".operator",
			Message:    msg,
			Suggestion: v.registry.SuggestOperator(rule.Operator),
		}}
	}
	return op, nil
}

func (v *Validator) checkReferences(field string, rule *domain.CandidateRule, declared map[string]declaredIndicator) (domain.Condition, []domain.Defect) {
	if rule == nil {
		return domain.Condition{}, nil
	}
	var defects []domain.Defect
	left, d := checkOperand(field+".left", rule.Left, declared)
	defects = append(defects, d...)
	right, d := checkOperand(field+".right", rule.Right, declared)
	defects = append(defects, d...)
	return domain.Condition{Left: left, Right: right}, defects
}

func checkOperand(field string, raw any, declared map[string]declaredIndicator) (domain.Operand, []domain.Defect) {
	op, err := domain.ParseOperand(raw)
	if err != nil {
		return domain.Operand{}, []domain.Defect{{
			Code: domain.DefectOperandInvalid, Field: field,
			Message: fmt.Sprintf("operand %v is not a number, price column or indicator reference", raw),
		}}
	}
	if op.Kind != domain.OperandIndicator {
		return op, nil
	}

	ind, ok := declared[strings.ToUpper(op.Indicator)]
	if !ok {
		return op, []domain.Defect{{
			Code:       domain.DefectReferenceUnknown,
			Field:      field,
			Message:    fmt.Sprintf("%s does not refer to a declared indicator", op),
			Suggestion: closestID(op.Indicator, declared),
		}}
	}
	op.Indicator = ind.ID
	if ind.Info == nil {
		return op, nil
	}

	switch {
	case op.Output == "", op.Output == "value", op.Output == strings.ToLower(ind.Info.Name):
		op.Output = ind.Info.PrimaryOutput()
	case !ind.Info.HasOutput(op.Output):
		return op, []domain.Defect{{
			Code:       domain.DefectOutputUnknown,
			Field:      field,
			Message:    fmt.Sprintf("%s has no output %q (outputs: %s)", ind.ID, op.Output, strings.Join(ind.Info.Outputs, ", ")),
			Suggestion: ind.ID + "." + ind.Info.PrimaryOutput(),
		}}
	}
	return op, nil
}

func closestID(ref string, declared map[string]declaredIndicator) string {
	ids := make([]string, 0, len(declared))
	for _, d := range declared {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	upper := strings.ToUpper(ref)
	for _, id := range ids {
		u := strings.ToUpper(id)
		if strings.HasPrefix(u, upper) || strings.HasPrefix(upper, u) {
			return id
		}
	}
	if len(ids) == 1 {
		return ids[0]
	}
	return ""
}

func (v *Validator) checkDates(rawStart, rawEnd *string) (time.Time, time.Time, []domain.Defect) {
	var defects []domain.Defect

	parse := func(field string, raw *string, def string) (time.Time, bool) {
		value := def
		if raw != nil && strings.TrimSpace(*raw) != "" {
			value = strings.TrimSpace(*raw)
		}
		t, err := time.Parse(domain.DateLayout, value)
		if err != nil {
			defects = append(defects, domain.Defect{
				Code: domain.DefectDateInvalid, Field: field,
				Message: fmt.Sprintf("%q is not a date in YYYY-MM-DD form", value),
			})
			return time.Time{}, false
		}
		return t, true
	}

	start, okStart := parse("start_date", rawStart, v.defaults.StartDate)
	end, okEnd := parse("end_date", rawEnd, v.defaults.EndDate)
	if okStart && okEnd && !start.Before(end) {
		defects = append(defects, domain.Defect{
			Code:    domain.DefectDateRange,
			Field:   "start_date",
			Message: fmt.Sprintf("start date %s must be before end date %s", start.Format(domain.DateLayout), end.Format(domain.DateLayout)),
		})
	}
	return start, end, defects
}

func (v *Validator) checkMoney(rawCash, rawFee *float64) (float64, float64, []domain.Defect) {
	var defects []domain.Defect

	cash := v.defaults.InitialCash
	if rawCash != nil {
		cash = *rawCash
	}
	if !(cash > 0) || math.IsInf(cash, 0) {
		defects = append(defects, domain.Defect{
			Code: domain.DefectInitialCash, Field: "initial_cash",
			Message: fmt.Sprintf("initial cash must be a positive amount, got %v", cash),
		})
	}

	fee := v.defaults.FeeRate
	if rawFee != nil {
		fee = *rawFee
	}
	if !(fee >= 0 && fee < 1) {
		defects = append(defects, domain.Defect{
			Code: domain.DefectFeeRate, Field: "fee_rate",
			Message: fmt.Sprintf("fee rate must be a fraction in [0, 1), got %v", fee),
		})
	}
	return cash, fee, defects
}
