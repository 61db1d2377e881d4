package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the calendar date format used on every external surface.
const DateLayout = "2006-01-02"

// Strategy is a fully validated trading strategy. It is produced only by the
// validator and must not be mutated afterwards.
type Strategy struct {
	Ticker      string          `json:"ticker"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     time.Time       `json:"end_date"`
	InitialCash float64         `json:"initial_cash"`
	FeeRate     float64         `json:"fee_rate"`
	Indicators  []IndicatorSpec `json:"indicators"`
	EntryRule   Condition       `json:"entry_rule"`
	ExitRule    Condition       `json:"exit_rule"`
}

// MarshalJSON renders dates in calendar form.
func (s Strategy) MarshalJSON() ([]byte, error) {
	type alias Strategy
	return json.Marshal(struct {
		alias
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}{
		alias:     alias(s),
		StartDate: s.StartDate.Format(DateLayout),
		EndDate:   s.EndDate.Format(DateLayout),
	})
}

// IndicatorSpec declares one indicator instance used by a strategy.
type IndicatorSpec struct {
	ID     string          `json:"id"`
	Kind   IndicatorKind   `json:"name"`
	Params IndicatorParams `json:"params"`
}

// IndicatorParams holds the typed parameters of every indicator kind. Only
// the fields relevant to the kind are set.
type IndicatorParams struct {
	Period    int     `json:"period,omitempty"`
	NumStdDev float64 `json:"num_std_dev,omitempty"`
	Fast      int     `json:"fast,omitempty"`
	Slow      int     `json:"slow,omitempty"`
	Signal    int     `json:"signal,omitempty"`
}

// Condition is a binary rule evaluated at every bar.
type Condition struct {
	Left     Operand      `json:"left"`
	Operator OperatorKind `json:"operator"`
	Right    Operand      `json:"right"`
}

func (c Condition) String() string {
	return c.Left.String() + " " + string(c.Operator) + " " + c.Right.String()
}

// Operand is one side of a Condition: an indicator output, a price column or
// a constant.
type Operand struct {
	Kind      OperandKind `json:"kind"`
	Indicator string      `json:"indicator,omitempty"`
	Output    string      `json:"output,omitempty"`
	Field     PriceField  `json:"field,omitempty"`
	Value     float64     `json:"value,omitempty"`
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandIndicator:
		if o.Output == "" {
			return o.Indicator
		}
		return o.Indicator + "." + o.Output
	case OperandPrice:
		return string(o.Field)
	default:
		return strconv.FormatFloat(o.Value, 'g', -1, 64)
	}
}

// ConstantOperand builds a constant operand.
func ConstantOperand(v float64) Operand {
	return Operand{Kind: OperandConstant, Value: v}
}

// PriceOperand builds a price column operand.
func PriceOperand(f PriceField) Operand {
	return Operand{Kind: OperandPrice, Field: f}
}

// IndicatorOperand builds an indicator reference operand.
func IndicatorOperand(id, output string) Operand {
	return Operand{Kind: OperandIndicator, Indicator: id, Output: output}
}

// ParseOperand converts the loose textual forms accepted from clients and the
// extractor into an Operand: numbers ("30", 30), price columns ("Close") and
// indicator references ("SMA50", "SMA50.ma", "BB20.lower").
func ParseOperand(v any) (Operand, error) {
	switch t := v.(type) {
	case float64:
		return constant(t)
	case float32:
		return constant(float64(t))
	case int:
		return constant(float64(t))
	case int64:
		return constant(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Operand{}, fmt.Errorf("%w: operand %q is not a number", ErrInvalidInput, t)
		}
		return constant(f)
	case string:
		return parseOperandString(t)
	case nil:
		return Operand{}, fmt.Errorf("%w: operand is empty", ErrInvalidInput)
	default:
		return Operand{}, fmt.Errorf("%w: unsupported operand %v", ErrInvalidInput, v)
	}
}

func constant(f float64) (Operand, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Operand{}, fmt.Errorf("%w: operand must be finite", ErrInvalidInput)
	}
	return ConstantOperand(f), nil
}

func parseOperandString(s string) (Operand, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Operand{}, fmt.Errorf("%w: operand is empty", ErrInvalidInput)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return constant(f)
	}
	if field, ok := PriceFieldFromString(s); ok {
		return PriceOperand(field), nil
	}
	if strings.ContainsAny(s, " \t\n") {
		return Operand{}, fmt.Errorf("%w: operand %q is not a reference", ErrInvalidInput, s)
	}
	id, output, _ := strings.Cut(s, ".")
	if id == "" {
		return Operand{}, fmt.Errorf("%w: operand %q has no indicator id", ErrInvalidInput, s)
	}
	return IndicatorOperand(id, strings.ToLower(output)), nil
}

// CandidateStrategy is the untrusted, possibly partial form of a strategy,
// as supplied by clients or accumulated from conversation turns.
type CandidateStrategy struct {
	Ticker      *string              `json:"ticker,omitempty"`
	StartDate   *string              `json:"start_date,omitempty"`
	EndDate     *string              `json:"end_date,omitempty"`
	InitialCash *float64             `json:"initial_cash,omitempty"`
	FeeRate     *float64             `json:"fee_rate,omitempty"`
	Indicators  []CandidateIndicator `json:"indicators,omitempty"`
	EntryRule   *CandidateRule       `json:"entry_rule,omitempty"`
	ExitRule    *CandidateRule       `json:"exit_rule,omitempty"`
}

// Clone returns a deep copy of the candidate.
func (c CandidateStrategy) Clone() CandidateStrategy {
	out := CandidateStrategy{
		Ticker:      clonePtr(c.Ticker),
		StartDate:   clonePtr(c.StartDate),
		EndDate:     clonePtr(c.EndDate),
		InitialCash: clonePtr(c.InitialCash),
		FeeRate:     clonePtr(c.FeeRate),
	}
	if c.Indicators != nil {
		out.Indicators = make([]CandidateIndicator, len(c.Indicators))
		for i, ind := range c.Indicators {
			out.Indicators[i] = ind.Clone()
		}
	}
	if c.EntryRule != nil {
		r := c.EntryRule.Clone()
		out.EntryRule = &r
	}
	if c.ExitRule != nil {
		r := c.ExitRule.Clone()
		out.ExitRule = &r
	}
	return out
}

// IsEmpty returns true if no field has been supplied.
func (c CandidateStrategy) IsEmpty() bool {
	return c.Ticker == nil && c.StartDate == nil && c.EndDate == nil &&
		c.InitialCash == nil && c.FeeRate == nil && len(c.Indicators) == 0 &&
		c.EntryRule == nil && c.ExitRule == nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CandidateIndicator is an untrusted indicator declaration.
type CandidateIndicator struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// UnmarshalJSON accepts "type" as a synonym for "name".
func (c *CandidateIndicator) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string         `json:"id"`
		Name   string         `json:"name"`
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.Name = raw.Name
	if c.Name == "" {
		c.Name = raw.Type
	}
	c.Params = raw.Params
	return nil
}

// Clone returns a deep copy of the declaration.
func (c CandidateIndicator) Clone() CandidateIndicator {
	out := CandidateIndicator{ID: c.ID, Name: c.Name}
	if c.Params != nil {
		out.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	return out
}

// CandidateRule is an untrusted condition. Operands are kept in their loose
// form until validation.
type CandidateRule struct {
	Left     any    `json:"left"`
	Operator string `json:"operator"`
	Right    any    `json:"right"`
}

// UnmarshalJSON accepts both {left, operator, right} and the
// {op, args: [left, right]} form.
func (r *CandidateRule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Left     any    `json:"left"`
		Operator string `json:"operator"`
		Right    any    `json:"right"`
		Op       string `json:"op"`
		Args     []any  `json:"args"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Left, r.Operator, r.Right = raw.Left, raw.Operator, raw.Right
	if r.Operator == "" {
		r.Operator = raw.Op
	}
	if r.Left == nil && len(raw.Args) > 0 {
		r.Left = raw.Args[0]
	}
	if r.Right == nil && len(raw.Args) > 1 {
		r.Right = raw.Args[1]
	}
	return nil
}

// Clone returns a copy of the rule. Operands are scalars.
func (r CandidateRule) Clone() CandidateRule {
	return CandidateRule{Left: r.Left, Operator: r.Operator, Right: r.Right}
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string { return &s }

// Float64Ptr returns a pointer to f.
func Float64Ptr(f float64) *float64 { return &f }
