// Package domain contains the core domain models for BacktestGPT.
package domain

import "strings"

// IndicatorKind identifies a supported technical indicator.
type IndicatorKind string

const (
	IndicatorSMA    IndicatorKind = "SMA"
	IndicatorEMA    IndicatorKind = "EMA"
	IndicatorRSI    IndicatorKind = "RSI"
	IndicatorBBands IndicatorKind = "BBANDS"
	IndicatorMACD   IndicatorKind = "MACD"
)

// AllIndicatorKinds lists every indicator the engine can compute.
var AllIndicatorKinds = []IndicatorKind{
	IndicatorSMA, IndicatorEMA, IndicatorRSI, IndicatorBBands, IndicatorMACD,
}

// IsValid returns true if the kind is a supported IndicatorKind.
func (k IndicatorKind) IsValid() bool {
	switch k {
	case IndicatorSMA, IndicatorEMA, IndicatorRSI, IndicatorBBands, IndicatorMACD:
		return true
	default:
		return false
	}
}

// String returns the string representation of the kind.
func (k IndicatorKind) String() string {
	return string(k)
}

// OperatorKind identifies a comparison or crossover operator.
type OperatorKind string

const (
	OperatorCrossAbove  OperatorKind = "cross_above"
	OperatorCrossBelow  OperatorKind = "cross_below"
	OperatorGreaterThan OperatorKind = "greater_than"
	OperatorLessThan    OperatorKind = "less_than"
	OperatorEqualTo     OperatorKind = "equal_to"
	OperatorGreaterEq   OperatorKind = "greater_than_or_equal"
	OperatorLessEq      OperatorKind = "less_than_or_equal"
)

// AllOperatorKinds lists every operator the signal engine evaluates.
var AllOperatorKinds = []OperatorKind{
	OperatorCrossAbove, OperatorCrossBelow,
	OperatorGreaterThan, OperatorLessThan, OperatorEqualTo,
	OperatorGreaterEq, OperatorLessEq,
}

// IsValid returns true if the kind is a supported OperatorKind.
func (k OperatorKind) IsValid() bool {
	switch k {
	case OperatorCrossAbove, OperatorCrossBelow, OperatorGreaterThan, OperatorLessThan,
		OperatorEqualTo, OperatorGreaterEq, OperatorLessEq:
		return true
	default:
		return false
	}
}

// IsCross returns true for operators that look at the previous bar.
func (k OperatorKind) IsCross() bool {
	return k == OperatorCrossAbove || k == OperatorCrossBelow
}

// String returns the string representation of the kind.
func (k OperatorKind) String() string {
	return string(k)
}

// OperandKind tags the variant held by an Operand.
type OperandKind string

const (
	OperandIndicator OperandKind = "indicator"
	OperandPrice     OperandKind = "price"
	OperandConstant  OperandKind = "constant"
)

// PriceField names a column of a daily bar.
type PriceField string

const (
	PriceClose  PriceField = "close"
	PriceOpen   PriceField = "open"
	PriceHigh   PriceField = "high"
	PriceLow    PriceField = "low"
	PriceVolume PriceField = "volume"
)

// IsValid returns true if the field is a known bar column.
func (f PriceField) IsValid() bool {
	switch f {
	case PriceClose, PriceOpen, PriceHigh, PriceLow, PriceVolume:
		return true
	default:
		return false
	}
}

// PriceFieldFromString converts a column name (any case) to a PriceField.
func PriceFieldFromString(s string) (PriceField, bool) {
	f := PriceField(strings.ToLower(strings.TrimSpace(s)))
	return f, f.IsValid()
}

// Phase is the state of a conversation.
type Phase string

const (
	PhaseGathering Phase = "gathering"
	PhaseReady     Phase = "ready"
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// PhaseFromString converts a string to Phase.
func PhaseFromString(s string) Phase {
	if Phase(s) == PhaseReady {
		return PhaseReady
	}
	return PhaseGathering
}

// PositionState is the simulator state after a bar.
type PositionState string

const (
	PositionFlat PositionState = "flat"
	PositionLong PositionState = "long"
)

// RunMode records which entry point produced a backtest run.
type RunMode string

const (
	RunModeStructured     RunMode = "structured"
	RunModeConversational RunMode = "conversational"
)

// IsValid returns true if the mode is a valid RunMode.
func (m RunMode) IsValid() bool {
	return m == RunModeStructured || m == RunModeConversational
}

// RunStatus represents the outcome of a backtest run.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusRejected  RunStatus = "rejected"
	RunStatusFailed    RunStatus = "failed"
)

// IsValid returns true if the status is a valid RunStatus.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusCompleted, RunStatusRejected, RunStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// RunStatusFromString converts a string to RunStatus.
func RunStatusFromString(s string) RunStatus {
	status := RunStatus(s)
	if status.IsValid() {
		return status
	}
	return RunStatusFailed
}
