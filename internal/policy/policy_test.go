package policy

import (
	"strings"
	"testing"
)

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		action  string
		want    bool
	}{
		{"exact", "delete_user", "delete_user", true},
		{"prefix wildcard", "delete_*", "delete_database", true},
		{"anchored at start", "delete_*", "soft_delete_user", false},
		{"leading wildcard", "*payment*", "process_payment_batch", true},
		{"case insensitive", "delete_*", "DELETE_USER", true},
		{"prefix without wildcard still matches", "delete", "delete_user", true},
		{"no match", "send_email*", "send_sms", false},
		{"regex metachars are literal", "send.email", "sendXemail", false},
		{"dot literal match", "send.email", "send.email", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Rule{Pattern: tt.pattern}
			if got := r.Matches(tt.action); got != tt.want {
				t.Errorf("Matches(%q) with pattern %q = %v, want %v", tt.action, tt.pattern, got, tt.want)
			}
		})
	}
}

func TestParseDefaults(t *testing.T) {
	// An empty document keeps every built-in default except action_rules,
	// which an explicit file fully owns.
	p, err := Parse([]byte("{}"), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.RiskThresholds.CheckpointTrigger != 0.6 {
		t.Errorf("checkpoint_trigger = %v, want 0.6", p.RiskThresholds.CheckpointTrigger)
	}
	if p.RiskThresholds.SessionBudget != 0.8 {
		t.Errorf("session_budget = %v, want 0.8", p.RiskThresholds.SessionBudget)
	}
	if p.CompoundDetection.TimeWindowSeconds != 300 {
		t.Errorf("time_window_seconds = %d, want 300", p.CompoundDetection.TimeWindowSeconds)
	}
	if p.NearMiss.HalfLifeHours != 24.0 {
		t.Errorf("half_life_hours = %v, want 24", p.NearMiss.HalfLifeHours)
	}
	if len(p.ActionRules) != 0 {
		t.Errorf("expected no rules, got %d", len(p.ActionRules))
	}
}

func TestParseOverrides(t *testing.T) {
	doc := `
risk_thresholds:
  checkpoint_trigger: 0.5
action_rules:
  - pattern: "wipe_*"
    impact_floor: 0.9
    always_checkpoint: true
`
	p, err := Parse([]byte(doc), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.RiskThresholds.CheckpointTrigger != 0.5 {
		t.Errorf("checkpoint_trigger = %v, want 0.5", p.RiskThresholds.CheckpointTrigger)
	}
	// Untouched sections keep defaults.
	if p.RiskThresholds.SessionBudget != 0.8 {
		t.Errorf("session_budget = %v, want 0.8", p.RiskThresholds.SessionBudget)
	}
	if len(p.ActionRules) != 1 || p.ActionRules[0].Pattern != "wipe_*" {
		t.Fatalf("unexpected rules: %+v", p.ActionRules)
	}
	if !p.ActionRules[0].AlwaysCheckpoint {
		t.Error("always_checkpoint not parsed")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		wantErr string
	}{
		{"negative trigger", func(p *Policy) { p.RiskThresholds.CheckpointTrigger = -0.1 }, "checkpoint_trigger"},
		{"trigger above one", func(p *Policy) { p.RiskThresholds.CheckpointTrigger = 1.5 }, "checkpoint_trigger"},
		{"negative budget", func(p *Policy) { p.RiskThresholds.SessionBudget = -1 }, "session_budget"},
		{"zero window", func(p *Policy) { p.CompoundDetection.TimeWindowSeconds = 0 }, "time_window"},
		{"zero half life", func(p *Policy) { p.NearMiss.HalfLifeHours = 0 }, "half_life"},
		{"multiplier below one", func(p *Policy) { p.NearMiss.MaxMultiplier = 0.5 }, "max_multiplier"},
		{"empty pattern", func(p *Policy) { p.ActionRules = []*Rule{{Pattern: ""}} }, "pattern is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			err := p.Validate(nil)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateZeroThresholds(t *testing.T) {
	// Zero is a real operating point for both thresholds, not a config error.
	doc := `
risk_thresholds:
  checkpoint_trigger: 0
  session_budget: 0
`
	p, err := Parse([]byte(doc), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.RiskThresholds.CheckpointTrigger != 0 {
		t.Errorf("CheckpointTrigger = %v, want 0", p.RiskThresholds.CheckpointTrigger)
	}
	if p.RiskThresholds.SessionBudget != 0 {
		t.Errorf("SessionBudget = %v, want 0", p.RiskThresholds.SessionBudget)
	}
}

func TestMatchRuleFirstWins(t *testing.T) {
	p := &Policy{
		RiskThresholds: Thresholds{CheckpointTrigger: 0.6, SessionBudget: 0.8},
		ActionRules: []*Rule{
			{Pattern: "delete_user", ImpactFloor: 0.9},
			{Pattern: "delete_*", ImpactFloor: 0.7},
		},
		CompoundDetection: CompoundDetection{TimeWindowSeconds: 300, MinCount: 2},
		NearMiss:          NearMiss{HalfLifeHours: 24, MaxMultiplier: 2, MinSeverity: 0.1},
	}
	if err := p.Validate(nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	rule := p.MatchRule("delete_user", "", nil, nil)
	if rule == nil || rule.ImpactFloor != 0.9 {
		t.Fatalf("expected first rule (floor 0.9), got %+v", rule)
	}
	rule = p.MatchRule("delete_database", "", nil, nil)
	if rule == nil || rule.ImpactFloor != 0.7 {
		t.Fatalf("expected wildcard rule (floor 0.7), got %+v", rule)
	}
	if rule := p.MatchRule("send_email", "", nil, nil); rule != nil {
		t.Fatalf("expected no match, got %+v", rule)
	}
}

func TestMatchRuleCondition(t *testing.T) {
	cond, err := NewConditionEvaluator(nil)
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}

	doc := `
action_rules:
  - pattern: "deploy_*"
    impact_floor: 0.9
    condition: 'target == "production"'
  - pattern: "deploy_*"
    impact_floor: 0.5
`
	p, err := Parse([]byte(doc), cond)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rule := p.MatchRule("deploy_service", "production", nil, cond)
	if rule == nil || rule.ImpactFloor != 0.9 {
		t.Fatalf("production deploy should hit conditional rule, got %+v", rule)
	}
	rule = p.MatchRule("deploy_service", "staging", nil, cond)
	if rule == nil || rule.ImpactFloor != 0.5 {
		t.Fatalf("staging deploy should fall through to generic rule, got %+v", rule)
	}
}

func TestConditionCompileErrors(t *testing.T) {
	cond, err := NewConditionEvaluator(nil)
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}

	if _, err := cond.Compile(`target == `); err == nil {
		t.Error("expected compile error for malformed expression")
	}
	if _, err := cond.Compile(`target`); err == nil {
		t.Error("expected error for non-bool expression")
	}
}

func TestConditionMetadata(t *testing.T) {
	cond, err := NewConditionEvaluator(nil)
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}
	c, err := cond.Compile(`"amount" in metadata && metadata["amount"] > 100.0`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got, err := cond.Evaluate(c, "pay", "", map[string]any{"amount": 250.0})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !got {
		t.Error("expected condition to hold for amount 250")
	}

	got, err = cond.Evaluate(c, "pay", "", nil)
	if err != nil {
		t.Fatalf("Evaluate with nil metadata: %v", err)
	}
	if got {
		t.Error("expected condition to fail with no metadata")
	}
}

func TestParseDefaultYAML(t *testing.T) {
	cond, err := NewConditionEvaluator(nil)
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}
	p, err := Parse([]byte(defaultYAML), cond)
	if err != nil {
		t.Fatalf("shipped default policy does not parse: %v", err)
	}
	if len(p.ActionRules) == 0 {
		t.Fatal("shipped default policy has no rules")
	}
	rule := p.MatchRule("delete_customer_records", "", nil, cond)
	if rule == nil || !rule.AlwaysCheckpoint {
		t.Fatalf("delete_* should always checkpoint, got %+v", rule)
	}
}
