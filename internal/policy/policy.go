// Package policy holds the risk policy model: thresholds, per-action rules,
// compound detection and near-miss learning parameters. A Policy is immutable
// once loaded; hot reload swaps the whole value via Store.
package policy

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Thresholds are the core decision levels.
type Thresholds struct {
	// CheckpointTrigger is the per-action risk level above which a
	// checkpoint is required.
	CheckpointTrigger float64 `yaml:"checkpoint_trigger"`
	// SessionBudget seeds the risk budget of new sessions.
	SessionBudget float64 `yaml:"session_budget"`
}

// Rule adjusts scoring for actions whose name matches Pattern.
type Rule struct {
	// Pattern is matched against the action name, anchored at the start,
	// case-insensitively. Only the * wildcard is special.
	Pattern string `yaml:"pattern"`
	// ImpactFloor raises the impact base for matching actions.
	ImpactFloor float64 `yaml:"impact_floor"`
	// AlwaysCheckpoint forces a checkpoint regardless of score.
	AlwaysCheckpoint bool `yaml:"always_checkpoint"`
	// MetadataBoosts adds to impact when the named metadata key is truthy.
	MetadataBoosts map[string]float64 `yaml:"metadata_boosts"`
	Description    string             `yaml:"description"`
	// Condition is an optional CEL expression; when set, the rule applies
	// only if both the pattern matches and the condition holds.
	Condition string `yaml:"condition"`

	compileOnce sync.Once
	re          *regexp.Regexp
	reErr       error

	cel *CompiledCondition
}

// compiled returns the rule's regexp, building it on first use. The pattern
// is anchored at the start; * maps to .*, everything else is literal.
func (r *Rule) compiled() (*regexp.Regexp, error) {
	r.compileOnce.Do(func() {
		var b strings.Builder
		b.WriteString("(?i)^")
		for i, part := range strings.Split(r.Pattern, "*") {
			if i > 0 {
				b.WriteString(".*")
			}
			b.WriteString(regexp.QuoteMeta(part))
		}
		r.re, r.reErr = regexp.Compile(b.String())
	})
	return r.re, r.reErr
}

// Matches reports whether the rule's pattern matches the action name.
func (r *Rule) Matches(action string) bool {
	re, err := r.compiled()
	if err != nil {
		return false
	}
	return re.MatchString(action)
}

// CompoundDetection configures repeated-target escalation.
type CompoundDetection struct {
	TimeWindowSeconds int     `yaml:"time_window_seconds"`
	SameResourceBoost float64 `yaml:"same_resource_boost"`
	MinCount          int     `yaml:"min_count"`
}

// NearMiss configures incident-driven probability escalation.
type NearMiss struct {
	HalfLifeHours float64 `yaml:"half_life_hours"`
	MaxMultiplier float64 `yaml:"max_multiplier"`
	MinSeverity   float64 `yaml:"min_severity"`
}

// Approval configures the checkpoint approval workflow.
type Approval struct {
	AutoApproveTimeout   int  `yaml:"auto_approve_timeout"`
	RequireNotes         bool `yaml:"require_notes"`
	MaxPendingPerSession int  `yaml:"max_pending_per_session"`
}

// Policy is a complete, validated policy. Do not mutate after loading.
type Policy struct {
	RiskThresholds    Thresholds        `yaml:"risk_thresholds"`
	ActionRules       []*Rule           `yaml:"action_rules"`
	CompoundDetection CompoundDetection `yaml:"compound_detection"`
	NearMiss          NearMiss          `yaml:"near_miss"`
	Approval          Approval          `yaml:"approval"`
}

// Default returns the built-in policy used when no file is given.
func Default() *Policy {
	return &Policy{
		RiskThresholds: Thresholds{
			CheckpointTrigger: 0.6,
			SessionBudget:     0.8,
		},
		ActionRules: []*Rule{
			{
				Pattern:          "delete_*",
				ImpactFloor:      0.7,
				AlwaysCheckpoint: true,
				Description:      "destructive operations always pause",
			},
			{
				Pattern:     "send_email*",
				ImpactFloor: 0.4,
				MetadataBoosts: map[string]float64{
					"external_recipients": 0.2,
				},
				Description: "outbound mail",
			},
			{
				Pattern:          "*payment*",
				ImpactFloor:      0.8,
				AlwaysCheckpoint: true,
				Description:      "money movement",
			},
			{
				Pattern:          "transfer_*",
				ImpactFloor:      0.8,
				AlwaysCheckpoint: true,
				Description:      "money movement",
			},
			{
				Pattern:     "deploy_*",
				ImpactFloor: 0.6,
				MetadataBoosts: map[string]float64{
					"production": 0.3,
				},
				Description: "deployments",
			},
			{
				Pattern:     "grant_*",
				ImpactFloor: 0.6,
				Description: "permission changes",
			},
		},
		CompoundDetection: CompoundDetection{
			TimeWindowSeconds: 300,
			SameResourceBoost: 0.2,
			MinCount:          2,
		},
		NearMiss: NearMiss{
			HalfLifeHours: 24.0,
			MaxMultiplier: 2.0,
			MinSeverity:   0.1,
		},
		Approval: Approval{
			MaxPendingPerSession: 10,
		},
	}
}

// Validate checks the policy for usable values and compiles every rule's
// pattern and condition so load failures surface before the policy is served.
func (p *Policy) Validate(cond *ConditionEvaluator) error {
	// Zero is a legal value for both thresholds: a zero trigger forces a
	// checkpoint on every action, a zero budget leaves no headroom at all.
	if p.RiskThresholds.CheckpointTrigger < 0 || p.RiskThresholds.CheckpointTrigger > 1 {
		return fmt.Errorf("risk_thresholds.checkpoint_trigger must be in [0, 1], got %v", p.RiskThresholds.CheckpointTrigger)
	}
	if p.RiskThresholds.SessionBudget < 0 {
		return fmt.Errorf("risk_thresholds.session_budget must not be negative, got %v", p.RiskThresholds.SessionBudget)
	}
	if p.CompoundDetection.TimeWindowSeconds <= 0 {
		return fmt.Errorf("compound_detection.time_window_seconds must be positive, got %d", p.CompoundDetection.TimeWindowSeconds)
	}
	if p.CompoundDetection.MinCount < 1 {
		return fmt.Errorf("compound_detection.min_count must be at least 1, got %d", p.CompoundDetection.MinCount)
	}
	if p.NearMiss.HalfLifeHours <= 0 {
		return fmt.Errorf("near_miss.half_life_hours must be positive, got %v", p.NearMiss.HalfLifeHours)
	}
	if p.NearMiss.MaxMultiplier < 1 {
		return fmt.Errorf("near_miss.max_multiplier must be at least 1, got %v", p.NearMiss.MaxMultiplier)
	}

	for i, rule := range p.ActionRules {
		if rule.Pattern == "" {
			return fmt.Errorf("action_rules[%d]: pattern is required", i)
		}
		if _, err := rule.compiled(); err != nil {
			return fmt.Errorf("action_rules[%d] (%q): %w", i, rule.Pattern, err)
		}
		if rule.Condition != "" {
			if cond == nil {
				return fmt.Errorf("action_rules[%d] (%q): condition given but CEL is unavailable", i, rule.Pattern)
			}
			compiled, err := cond.Compile(rule.Condition)
			if err != nil {
				return fmt.Errorf("action_rules[%d] (%q): %w", i, rule.Pattern, err)
			}
			rule.cel = &compiled
		}
	}
	return nil
}

// MatchRule returns the first rule matching the action name whose condition
// (if any) also holds for the given target and metadata. Rules are checked
// in file order.
func (p *Policy) MatchRule(action, target string, metadata map[string]any, cond *ConditionEvaluator) *Rule {
	for _, rule := range p.ActionRules {
		if !rule.Matches(action) {
			continue
		}
		if rule.cel != nil && cond != nil {
			ok, err := cond.Evaluate(*rule.cel, action, target, metadata)
			if err != nil || !ok {
				continue
			}
		}
		return rule
	}
	return nil
}
