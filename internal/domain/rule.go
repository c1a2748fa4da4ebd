package domain

// RuleConfig is one row of the data-driven rule table.
// A rule belongs to a single dimension; when its expression holds, the rule's
// indicator is recorded and its weight is added to the dimension score.
type RuleConfig struct {
	ID          string    `json:"id" koanf:"id"`
	Dimension   Dimension `json:"dimension" koanf:"dimension"`
	Name        string    `json:"name" koanf:"name"`
	Description string    `json:"description,omitempty" koanf:"description"`
	Version     string    `json:"version" koanf:"version"`

	// CEL expression over the detector's facts and the configured limits.
	// Must evaluate to bool.
	Expression string `json:"expression" koanf:"expression"`

	// Indicator is the human-readable string recorded when the rule fires.
	Indicator string `json:"indicator" koanf:"indicator"`

	// Weight is the rule's contribution to the dimension score (0.0-1.0).
	Weight float64 `json:"weight" koanf:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled" koanf:"enabled"`
}

// RuleResult is the output of a single rule evaluation.
type RuleResult struct {
	RuleID    string    `json:"ruleId"`
	Dimension Dimension `json:"dimension"`
	Triggered bool      `json:"triggered"`
	Indicator string    `json:"indicator,omitempty"`
	Weight    float64   `json:"weight"`
	Err       string    `json:"error,omitempty"`
}
