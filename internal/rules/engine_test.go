package rules

import (
	"fmt"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestLoadRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	rule := &domain.RuleConfig{
		ID:         "test-rule-001",
		Dimension:  domain.DimensionBehavior,
		Name:       "Test Rule",
		Expression: "facts.like_count > 100.0",
		Indicator:  "too many likes",
		Weight:     0.5,
		Enabled:    true,
	}

	if err := engine.LoadRule(rule); err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 rule, got %d", engine.RulesCount())
	}
}

func TestLoadInvalidRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	tests := []struct {
		name string
		rule *domain.RuleConfig
	}{
		{"BadSyntax", &domain.RuleConfig{ID: "bad", Dimension: domain.DimensionProfile, Expression: "this is not valid CEL !!!", Enabled: true}},
		{"NonBool", &domain.RuleConfig{ID: "num", Dimension: domain.DimensionProfile, Expression: "1.0 + 2.0", Enabled: true}},
		{"UnknownDimension", &domain.RuleConfig{ID: "dim", Dimension: "payments", Expression: "true", Enabled: true}},
		{"WeightOutOfRange", &domain.RuleConfig{ID: "w", Dimension: domain.DimensionProfile, Expression: "true", Weight: 1.5, Enabled: true}},
		{"MissingID", &domain.RuleConfig{Dimension: domain.DimensionProfile, Expression: "true", Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := engine.LoadRule(tt.rule); err == nil {
				t.Error("expected error loading invalid rule")
			}
		})
	}

	if engine.RulesCount() != 0 {
		t.Errorf("expected no rules loaded, got %d", engine.RulesCount())
	}
}

func TestEvaluateThresholdRule(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "excessive-likes",
		Dimension:  domain.DimensionBehavior,
		Expression: "facts.like_count > limits.excessive_likes",
		Indicator:  "Excessive liking pattern",
		Weight:     0.3,
		Enabled:    true,
	})

	limits := map[string]float64{"excessive_likes": 100}

	results := engine.Evaluate(domain.DimensionBehavior, Facts{"like_count": 30.0}, limits)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Triggered {
		t.Error("expected rule not to trigger for 30 likes")
	}
	if results[0].Indicator != "" {
		t.Errorf("expected empty indicator, got %q", results[0].Indicator)
	}

	results = engine.Evaluate(domain.DimensionBehavior, Facts{"like_count": 120.0}, limits)
	if !results[0].Triggered {
		t.Error("expected rule to trigger for 120 likes")
	}
	if results[0].Indicator != "Excessive liking pattern" {
		t.Errorf("expected indicator 'Excessive liking pattern', got %q", results[0].Indicator)
	}
	if results[0].Weight != 0.3 {
		t.Errorf("expected weight 0.3, got %.2f", results[0].Weight)
	}
}

func TestEvaluateFiltersByDimension(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{ID: "p", Dimension: domain.DimensionProfile, Expression: "true", Enabled: true})
	engine.LoadRule(&domain.RuleConfig{ID: "c", Dimension: domain.DimensionContent, Expression: "true", Enabled: true})

	results := engine.Evaluate(domain.DimensionContent, Facts{}, nil)
	if len(results) != 1 || results[0].RuleID != "c" {
		t.Errorf("expected only content rule, got %+v", results)
	}

	if results := engine.Evaluate(domain.DimensionNetwork, Facts{}, nil); results != nil {
		t.Errorf("expected nil results for dimension without rules, got %+v", results)
	}
}

func TestEvaluateMissingFact(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "needs-fact",
		Dimension:  domain.DimensionNetwork,
		Expression: "facts.distinct_devices > 2.0",
		Indicator:  "Rapid device changes",
		Enabled:    true,
	})

	results := engine.Evaluate(domain.DimensionNetwork, Facts{}, nil)
	if results[0].Triggered {
		t.Error("rule with missing fact must not trigger")
	}
	if results[0].Err == "" {
		t.Error("expected evaluation error to be recorded")
	}
}

func TestEvaluateInfiniteInterval(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRule(&domain.RuleConfig{
		ID:         "rapid",
		Dimension:  domain.DimensionBehavior,
		Expression: "facts.mean_message_interval_ms < limits.rapid_message_interval_ms",
		Enabled:    true,
	})

	limits := map[string]float64{"rapid_message_interval_ms": 10000}
	results := engine.Evaluate(domain.DimensionBehavior, Facts{"mean_message_interval_ms": math.Inf(1)}, limits)
	if results[0].Triggered {
		t.Error("infinite interval must never trigger")
	}
}

func TestEvaluationOrder(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	for i := 0; i < 10; i++ {
		engine.LoadRule(&domain.RuleConfig{
			ID:         fmt.Sprintf("rule-%d", i),
			Dimension:  domain.DimensionProfile,
			Expression: "true",
			Indicator:  fmt.Sprintf("indicator-%d", i),
			Enabled:    true,
		})
	}

	results := engine.Evaluate(domain.DimensionProfile, Facts{}, nil)
	if len(results) != 10 {
		t.Fatalf("expected 10 results, got %d", len(results))
	}
	for i, r := range results {
		if want := fmt.Sprintf("rule-%d", i); r.RuleID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, r.RuleID)
		}
	}
}

func TestReloadRules(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	engine.LoadRules(BuiltinRules())
	before := engine.RulesCount()

	t.Run("InvalidRuleKeepsPreviousTable", func(t *testing.T) {
		err := engine.ReloadRules([]*domain.RuleConfig{
			{ID: "broken", Dimension: domain.DimensionProfile, Expression: "facts.", Enabled: true},
		})
		if err == nil {
			t.Fatal("expected reload error")
		}
		if engine.RulesCount() != before {
			t.Errorf("expected %d rules after failed reload, got %d", before, engine.RulesCount())
		}
	})

	t.Run("DisabledRulesSkipped", func(t *testing.T) {
		err := engine.ReloadRules([]*domain.RuleConfig{
			{ID: "on", Dimension: domain.DimensionProfile, Expression: "true", Enabled: true},
			{ID: "off", Dimension: domain.DimensionProfile, Expression: "true", Enabled: false},
		})
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		loaded := engine.GetLoadedRules()
		if len(loaded) != 1 || loaded[0].ID != "on" {
			t.Errorf("expected only 'on' loaded, got %d rules", len(loaded))
		}
	})
}

func TestBuiltinRulesCompile(t *testing.T) {
	engine, _ := NewEngine()
	defer engine.Close()

	for _, r := range BuiltinRules() {
		if err := engine.ValidateRule(r); err != nil {
			t.Errorf("builtin rule %s failed validation: %v", r.ID, err)
		}
	}

	// ValidateRule must not load anything.
	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules after validation, got %d", engine.RulesCount())
	}
}

func TestMerge(t *testing.T) {
	base := []*domain.RuleConfig{
		{ID: "a", Weight: 0.1},
		{ID: "b", Weight: 0.2},
	}
	override := []*domain.RuleConfig{
		{ID: "b", Weight: 0.9},
		{ID: "c", Weight: 0.3},
	}

	merged := Merge(base, override)
	if len(merged) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(merged))
	}
	if merged[1].ID != "b" || merged[1].Weight != 0.9 {
		t.Errorf("expected override of b in place, got %s=%.1f", merged[1].ID, merged[1].Weight)
	}
	if merged[2].ID != "c" {
		t.Errorf("expected new rule appended, got %s", merged[2].ID)
	}
}
