package http

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/pipeline"
)

// Request envelope limits. Semantic problems with a strategy are reported
// by the strategy validator as defects, not here.
const (
	maxBodyBytes  = 1 << 20
	maxInputChars = 4000
)

// requestValidate checks request shapes. Field names in errors use the JSON
// names.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New(validator.WithRequiredStructEnabled())
	requestValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// BacktestRequest is the body of POST /api/v1/backtests. It accepts the flat
// form ({ticker, indicators, entry_rule, exit_rule, ...}) and the nested form
// ({ticker, strategy: {indicators, entry: {op, args}, exit}}).
type BacktestRequest struct {
	Ticker      *string                     `json:"ticker,omitempty" validate:"omitempty,max=32"`
	StartDate   *string                     `json:"start_date,omitempty" validate:"omitempty,max=32"`
	EndDate     *string                     `json:"end_date,omitempty" validate:"omitempty,max=32"`
	InitialCash *float64                    `json:"initial_cash,omitempty"`
	FeeRate     *float64                    `json:"fee_rate,omitempty"`
	Indicators  []domain.CandidateIndicator `json:"indicators,omitempty" validate:"max=32"`
	EntryRule   *domain.CandidateRule       `json:"entry_rule,omitempty"`
	ExitRule    *domain.CandidateRule       `json:"exit_rule,omitempty"`
	Entry       *domain.CandidateRule       `json:"entry,omitempty"`
	Exit        *domain.CandidateRule       `json:"exit,omitempty"`
	Strategy    *NestedStrategy             `json:"strategy,omitempty"`
}

// NestedStrategy is the strategy block of the nested request form.
type NestedStrategy struct {
	Indicators []domain.CandidateIndicator `json:"indicators,omitempty" validate:"max=32"`
	Entry      *domain.CandidateRule       `json:"entry,omitempty"`
	Exit       *domain.CandidateRule       `json:"exit,omitempty"`
}

// Validate checks the request envelope.
func (r *BacktestRequest) Validate() error {
	return requestValidate.Struct(r)
}

// Candidate flattens either form into a candidate strategy. Flat fields win
// over nested ones.
func (r *BacktestRequest) Candidate() domain.CandidateStrategy {
	c := domain.CandidateStrategy{
		Ticker:      r.Ticker,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		InitialCash: r.InitialCash,
		FeeRate:     r.FeeRate,
		Indicators:  r.Indicators,
		EntryRule:   firstRule(r.EntryRule, r.Entry),
		ExitRule:    firstRule(r.ExitRule, r.Exit),
	}
	if s := r.Strategy; s != nil {
		if len(c.Indicators) == 0 {
			c.Indicators = s.Indicators
		}
		c.EntryRule = firstRule(c.EntryRule, s.Entry)
		c.ExitRule = firstRule(c.ExitRule, s.Exit)
	}
	return c
}

func firstRule(rules ...*domain.CandidateRule) *domain.CandidateRule {
	for _, r := range rules {
		if r != nil {
			return r
		}
	}
	return nil
}

// ConversationRequest is the body of POST /api/v1/backtests/conversation.
type ConversationRequest struct {
	Input   string                    `json:"input" validate:"required,max=4000"`
	History []TurnRequest             `json:"history,omitempty" validate:"max=200,dive"`
	State   *domain.ConversationState `json:"state,omitempty"`
}

// TurnRequest is one prior turn resent by the client.
type TurnRequest struct {
	Role string `json:"role" validate:"required,oneof=user assistant"`
	Text string `json:"text" validate:"max=4000"`
}

// Validate checks the request envelope.
func (r *ConversationRequest) Validate() error {
	return requestValidate.Struct(r)
}

// ToPipeline converts the request for the pipeline.
func (r *ConversationRequest) ToPipeline() pipeline.ConversationRequest {
	history := make([]domain.Turn, len(r.History))
	for i, t := range r.History {
		history[i] = domain.Turn{Role: t.Role, Text: t.Text}
	}
	return pipeline.ConversationRequest{Input: r.Input, History: history, State: r.State}
}

// ListRunsQuery holds the query parameters of GET /api/v1/backtests.
type ListRunsQuery struct {
	Ticker   string `json:"ticker" validate:"omitempty,max=32"`
	Status   string `json:"status" validate:"omitempty,oneof=completed rejected failed"`
	Page     int    `json:"page" validate:"gte=0"`
	PageSize int    `json:"page_size" validate:"gte=0,lte=100"`
}

// FieldError describes one request field that failed validation.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// fieldErrors converts validator errors into response details.
func fieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]FieldError, len(verrs))
	for i, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out[i] = FieldError{Field: field, Rule: fe.Tag()}
	}
	return out
}
