// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
//
// Rules see two variables: facts, the values a detector extracted from one
// account, and limits, the configured thresholds. Every rule must evaluate to
// bool; a rule that errors at evaluation time is treated as not triggered.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	order         []string
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Facts are the detector outputs a rule expression can read as facts.<name>.
type Facts map[string]any

// NewEngine creates a new rule evaluation engine.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("limits", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine. Loading an ID that is
// already present replaces it in place.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	if _, exists := e.compiledRules[cfg.ID]; !exists {
		e.order = append(e.order, cfg.ID)
	}
	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evaluate runs every loaded rule of the given dimension, in load order.
func (e *Engine) Evaluate(dim domain.Dimension, facts Facts, limits map[string]float64) []domain.RuleResult {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.order))
	for _, id := range e.order {
		if r := e.compiledRules[id]; r.Config.Dimension == dim {
			rules = append(rules, r)
		}
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"facts":  map[string]any(facts),
		"limits": limits,
	}

	results := make([]domain.RuleResult, 0, len(rules))
	for _, rule := range rules {
		results = append(results, evaluateRule(rule, activation))
	}
	return results
}

// evaluateRule evaluates a single rule and returns the result.
func evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	result := domain.RuleResult{
		RuleID:    rule.Config.ID,
		Dimension: rule.Config.Dimension,
		Weight:    rule.Config.Weight,
	}

	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Err = fmt.Sprintf("evaluation error: %v", err)
		return result
	}

	if b, ok := out.(types.Bool); ok && bool(b) {
		result.Triggered = true
		result.Indicator = rule.Config.Indicator
	}
	return result
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// Nothing is swapped in unless every enabled rule compiles.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)
	var order []string

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		if _, exists := newRules[cfg.ID]; !exists {
			order = append(order, cfg.ID)
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules
	e.order = order

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations in load order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.order))
	for _, id := range e.order {
		rules = append(rules, e.compiledRules[id].Config)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	e.order = nil
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("rule id is required")
	}
	if !cfg.Dimension.Valid() {
		return nil, fmt.Errorf("rule %s: unknown dimension %q", cfg.ID, cfg.Dimension)
	}
	if cfg.Weight < 0 || cfg.Weight > 1 {
		return nil, fmt.Errorf("rule %s: weight must be within [0,1], got %v", cfg.ID, cfg.Weight)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	if outputType := ast.OutputType(); outputType != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

// Merge overlays rule tables by ID. A later table replaces an earlier rule
// with the same ID in its original position; new IDs are appended.
func Merge(tables ...[]*domain.RuleConfig) []*domain.RuleConfig {
	var merged []*domain.RuleConfig
	for _, table := range tables {
		for _, r := range table {
			if r == nil {
				continue
			}
			if i := slices.IndexFunc(merged, func(m *domain.RuleConfig) bool { return m.ID == r.ID }); i >= 0 {
				merged[i] = r
				continue
			}
			merged = append(merged, r)
		}
	}
	return merged
}
