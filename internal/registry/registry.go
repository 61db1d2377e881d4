// Package registry holds the read-only catalog of supported indicators and
// operators. The catalog is metadata only: names, aliases, parameters and
// outputs used for validation and listing. Numeric evaluation dispatches on
// domain.IndicatorKind and domain.OperatorKind directly.
package registry

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tsangh5/BacktestGPT/internal/domain"
)

//go:embed catalog.yaml
var catalogYAML []byte

// ParamType is the expected type of an indicator parameter.
type ParamType string

const (
	ParamInt   ParamType = "int"
	ParamFloat ParamType = "float"
)

// ParamInfo describes one indicator parameter.
type ParamInfo struct {
	Name    string    `yaml:"name" json:"name"`
	Type    ParamType `yaml:"type" json:"type"`
	Min     float64   `yaml:"min" json:"min"`
	Default *float64  `yaml:"default" json:"default,omitempty"`
	Aliases []string  `yaml:"aliases" json:"aliases,omitempty"`
}

// Required returns true if the parameter has no default.
func (p ParamInfo) Required() bool {
	return p.Default == nil
}

// IndicatorInfo describes one indicator kind.
type IndicatorInfo struct {
	Name           string               `yaml:"name" json:"name"`
	Kind           domain.IndicatorKind `yaml:"-" json:"-"`
	Description    string               `yaml:"description" json:"description"`
	Aliases        []string             `yaml:"aliases" json:"aliases,omitempty"`
	Params         []ParamInfo          `yaml:"params" json:"params"`
	Outputs        []string             `yaml:"outputs" json:"outputs"`
	RequiredParams []string             `yaml:"-" json:"required_params"`
}

// PrimaryOutput is the output selected by a bare indicator reference.
func (i IndicatorInfo) PrimaryOutput() string {
	return i.Outputs[0]
}

// HasOutput reports whether the indicator produces the named output.
func (i IndicatorInfo) HasOutput(name string) bool {
	for _, o := range i.Outputs {
		if o == name {
			return true
		}
	}
	return false
}

// Param resolves a parameter key, including aliases, to its definition.
func (i IndicatorInfo) Param(key string) (ParamInfo, bool) {
	key = normalize(key)
	for _, p := range i.Params {
		if p.Name == key {
			return p, true
		}
		for _, a := range p.Aliases {
			if a == key {
				return p, true
			}
		}
	}
	return ParamInfo{}, false
}

// OperatorInfo describes one operator kind.
type OperatorInfo struct {
	Name        string              `yaml:"name" json:"name"`
	Kind        domain.OperatorKind `yaml:"-" json:"-"`
	Description string              `yaml:"description" json:"description"`
	Aliases     []string            `yaml:"aliases" json:"aliases"`
}

type catalog struct {
	Indicators []IndicatorInfo `yaml:"indicators"`
	Operators  []OperatorInfo  `yaml:"operators"`
}

// Registry is an immutable, concurrency-safe catalog.
type Registry struct {
	indicators     []IndicatorInfo
	operators      []OperatorInfo
	indicatorIndex map[string]int
	operatorIndex  map[string]int
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded catalog.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Load(catalogYAML)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", defaultErr))
	}
	return defaultRegistry
}

// Load parses a catalog document. Every catalog entry must map onto a kind the
// engines implement, and every implemented kind must be present.
func Load(data []byte) (*Registry, error) {
	var c catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	r := &Registry{
		indicatorIndex: make(map[string]int),
		operatorIndex:  make(map[string]int),
	}

	for _, ind := range c.Indicators {
		ind.Kind = domain.IndicatorKind(strings.ToUpper(ind.Name))
		if !ind.Kind.IsValid() {
			return nil, fmt.Errorf("catalog indicator %q has no implementation", ind.Name)
		}
		if len(ind.Outputs) == 0 {
			return nil, fmt.Errorf("catalog indicator %q declares no outputs", ind.Name)
		}
		ind.Name = string(ind.Kind)
		ind.RequiredParams = make([]string, 0, len(ind.Params))
		for _, p := range ind.Params {
			if p.Required() {
				ind.RequiredParams = append(ind.RequiredParams, p.Name)
			}
		}
		idx := len(r.indicators)
		r.indicators = append(r.indicators, ind)
		for _, key := range append([]string{ind.Name}, ind.Aliases...) {
			if err := register(r.indicatorIndex, key, idx); err != nil {
				return nil, fmt.Errorf("indicator %s: %w", ind.Name, err)
			}
		}
	}

	for _, op := range c.Operators {
		op.Kind = domain.OperatorKind(normalize(op.Name))
		if !op.Kind.IsValid() {
			return nil, fmt.Errorf("catalog operator %q has no implementation", op.Name)
		}
		op.Name = string(op.Kind)
		idx := len(r.operators)
		r.operators = append(r.operators, op)
		for _, key := range append([]string{op.Name}, op.Aliases...) {
			if err := register(r.operatorIndex, key, idx); err != nil {
				return nil, fmt.Errorf("operator %s: %w", op.Name, err)
			}
		}
	}

	for _, kind := range domain.AllIndicatorKinds {
		if _, ok := r.indicatorIndex[normalize(string(kind))]; !ok {
			return nil, fmt.Errorf("catalog is missing indicator %s", kind)
		}
	}
	for _, kind := range domain.AllOperatorKinds {
		if _, ok := r.operatorIndex[string(kind)]; !ok {
			return nil, fmt.Errorf("catalog is missing operator %s", kind)
		}
	}

	return r, nil
}

func register(index map[string]int, key string, idx int) error {
	key = normalize(key)
	if prev, ok := index[key]; ok && prev != idx {
		return fmt.Errorf("alias %q is already taken", key)
	}
	index[key] = idx
	return nil
}

// ListIndicators returns every indicator in catalog order.
func (r *Registry) ListIndicators() []IndicatorInfo {
	out := make([]IndicatorInfo, len(r.indicators))
	copy(out, r.indicators)
	return out
}

// ListOperators returns every operator in catalog order.
func (r *Registry) ListOperators() []OperatorInfo {
	out := make([]OperatorInfo, len(r.operators))
	copy(out, r.operators)
	return out
}

// ResolveOperator normalizes an operator token or alias.
func (r *Registry) ResolveOperator(token string) (domain.OperatorKind, error) {
	idx, ok := r.operatorIndex[normalize(token)]
	if !ok {
		return "", &domain.UnknownOperatorError{Token: token}
	}
	return r.operators[idx].Kind, nil
}

// ResolveIndicator normalizes an indicator name or alias.
func (r *Registry) ResolveIndicator(name string) (IndicatorInfo, error) {
	idx, ok := r.indicatorIndex[normalize(name)]
	if !ok {
		return IndicatorInfo{}, &domain.UnknownIndicatorError{Name: name}
	}
	return r.indicators[idx], nil
}

// SuggestIndicator returns the closest known indicator name, or "".
func (r *Registry) SuggestIndicator(name string) string {
	idx, ok := closest(r.indicatorIndex, name)
	if !ok {
		return ""
	}
	return r.indicators[idx].Name
}

// SuggestOperator returns the closest known operator name, or "".
func (r *Registry) SuggestOperator(token string) string {
	idx, ok := closest(r.operatorIndex, token)
	if !ok {
		return ""
	}
	return r.operators[idx].Name
}

func closest(index map[string]int, token string) (int, bool) {
	token = normalize(token)
	if token == "" {
		return 0, false
	}

	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	best, bestDist := "", -1
	for _, k := range keys {
		d := levenshtein(token, k)
		if len(k) >= 4 && len(token) >= 4 && (strings.HasPrefix(k, token) || strings.HasPrefix(token, k)) {
			d = min(d, 1)
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = k, d
		}
	}

	limit := max(2, len(token)/3)
	if bestDist > limit {
		return 0, false
	}
	return index[best], true
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
