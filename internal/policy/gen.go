package policy

import (
	"fmt"
	"os"
)

const defaultYAML = `# Risk policy for the oversight gateway.
#
# Risk = impact x breadth x probability, each in [0, 1]. Actions scoring
# above checkpoint_trigger pause for human approval, as do actions that
# would push a session past its budget.

risk_thresholds:
  checkpoint_trigger: 0.6
  session_budget: 0.8

# Rules are checked in order; the first match wins. Patterns are anchored
# at the start of the action name and support the * wildcard.
action_rules:
  - pattern: "delete_*"
    impact_floor: 0.7
    always_checkpoint: true
    description: "destructive operations always pause"

  - pattern: "send_email*"
    impact_floor: 0.4
    metadata_boosts:
      external_recipients: 0.2
    description: "outbound mail"

  - pattern: "*payment*"
    impact_floor: 0.8
    always_checkpoint: true
    description: "money movement"

  - pattern: "transfer_*"
    impact_floor: 0.8
    always_checkpoint: true
    description: "money movement"

  - pattern: "deploy_*"
    impact_floor: 0.6
    metadata_boosts:
      production: 0.3
    description: "deployments"

  - pattern: "grant_*"
    impact_floor: 0.6
    description: "permission changes"

compound_detection:
  time_window_seconds: 300
  same_resource_boost: 0.2
  min_count: 2

near_miss:
  half_life_hours: 24.0
  max_multiplier: 2.0
  min_severity: 0.1

approval:
  auto_approve_timeout: 0
  require_notes: false
  max_pending_per_session: 10
`

// WriteDefault writes the default policy YAML to path. Fails if the file
// already exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("policy file already exists: %s", path)
	}
	return os.WriteFile(path, []byte(defaultYAML), 0o644)
}
