package domain

import (
	"errors"
	"strconv"
	"strings"
)

// Common domain errors.
var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrValidation is returned when a candidate strategy has defects.
	ErrValidation = errors.New("strategy validation failed")

	// ErrUnknownOperator is returned when an operator token has no registry match.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrUnknownIndicator is returned when an indicator name has no registry match.
	ErrUnknownIndicator = errors.New("unknown indicator")

	// ErrExternalService is returned when a collaborator (LLM, market data) fails.
	ErrExternalService = errors.New("external service failure")

	// ErrInsufficientData is returned when a series is too short for a computation.
	ErrInsufficientData = errors.New("insufficient data")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// UnknownOperatorError wraps ErrUnknownOperator with the offending token.
type UnknownOperatorError struct {
	Token string
}

func (e *UnknownOperatorError) Error() string {
	return "unknown operator: " + e.Token
}

func (e *UnknownOperatorError) Unwrap() error {
	return ErrUnknownOperator
}

// UnknownIndicatorError wraps ErrUnknownIndicator with the offending name.
type UnknownIndicatorError struct {
	Name string
}

func (e *UnknownIndicatorError) Error() string {
	return "unknown indicator: " + e.Name
}

func (e *UnknownIndicatorError) Unwrap() error {
	return ErrUnknownIndicator
}

// ExternalServiceError reports a failed call to the LLM or market data
// collaborator. The caller owns the retry policy.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	msg := e.Service + " " + e.Op + " failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExternalService}
	}
	return []error{ErrExternalService, e.Err}
}

// Retryable reports whether the caller may retry the request as-is.
func (e *ExternalServiceError) Retryable() bool {
	return true
}

// NewExternalServiceError creates a new ExternalServiceError.
func NewExternalServiceError(service, op string, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Op: op, Err: err}
}

// DefectCode classifies a validation defect.
type DefectCode string

const (
	DefectTickerMissing     DefectCode = "ticker_missing"
	DefectTickerFormat      DefectCode = "ticker_invalid_format"
	DefectTickerUnresolved  DefectCode = "ticker_unresolved"
	DefectIndicatorsMissing DefectCode = "indicators_missing"
	DefectIndicatorUnknown  DefectCode = "indicator_unknown"
	DefectIndicatorDupID    DefectCode = "indicator_duplicate_id"
	DefectParamMissing      DefectCode = "param_missing"
	DefectParamInvalid      DefectCode = "param_invalid"
	DefectRuleMissing       DefectCode = "rule_missing"
	DefectOperatorUnknown   DefectCode = "operator_unknown"
	DefectOperandInvalid    DefectCode = "operand_invalid"
	DefectReferenceUnknown  DefectCode = "reference_unknown"
	DefectOutputUnknown     DefectCode = "output_unknown"
	DefectDateInvalid       DefectCode = "date_invalid"
	DefectDateRange         DefectCode = "date_range_invalid"
	DefectFeeRate           DefectCode = "fee_rate_invalid"
	DefectInitialCash       DefectCode = "initial_cash_invalid"
	DefectNoPriceData       DefectCode = "no_price_data"
)

// Defect is one structural problem found in a candidate strategy.
type Defect struct {
	Code       DefectCode `json:"code"`
	Field      string     `json:"field"`
	Message    string     `json:"message"`
	Suggestion string     `json:"suggestion,omitempty"`
}

func (d Defect) String() string {
	s := d.Field + ": " + d.Message
	if d.Suggestion != "" {
		s += " (did you mean " + d.Suggestion + "?)"
	}
	return s
}

// ValidationDefects is the complete list of defects for one candidate.
type ValidationDefects []Defect

func (d ValidationDefects) Error() string {
	parts := make([]string, len(d))
	for i, defect := range d {
		parts[i] = defect.String()
	}
	return "strategy has " + strconv.Itoa(len(d)) + " defect(s): " + strings.Join(parts, "; ")
}

func (d ValidationDefects) Unwrap() error {
	return ErrValidation
}

// Codes returns the defect codes in order.
func (d ValidationDefects) Codes() []DefectCode {
	codes := make([]DefectCode, len(d))
	for i, defect := range d {
		codes[i] = defect.Code
	}
	return codes
}

// AsValidationDefects extracts the defect list from an error chain.
func AsValidationDefects(err error) (ValidationDefects, bool) {
	var defects ValidationDefects
	if errors.As(err, &defects) {
		return defects, true
	}
	return nil, false
}

// IsExternalServiceError checks if an error is an external collaborator failure.
func IsExternalServiceError(err error) bool {
	return errors.Is(err, ErrExternalService)
}
