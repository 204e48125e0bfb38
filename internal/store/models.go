package store

import (
	"encoding/json"
	"time"
)

// NearMissType is the closed set of near-miss classifications.
type NearMissType string

const (
	NearMissBoundaryViolation    NearMissType = "boundary_violation"
	NearMissResourceOveruse      NearMissType = "resource_overuse"
	NearMissTimingAnomaly        NearMissType = "timing_anomaly"
	NearMissPermissionEscalation NearMissType = "permission_escalation"
	NearMissDataExposure         NearMissType = "data_exposure"
	NearMissCascadeTrigger       NearMissType = "cascade_trigger"
	NearMissPolicyDrift          NearMissType = "policy_drift"
)

// NearMissTypes lists every valid near-miss type, in breakdown order.
var NearMissTypes = []NearMissType{
	NearMissBoundaryViolation,
	NearMissResourceOveruse,
	NearMissTimingAnomaly,
	NearMissPermissionEscalation,
	NearMissDataExposure,
	NearMissCascadeTrigger,
	NearMissPolicyDrift,
}

// ValidNearMissType reports whether s is a member of the closed type set.
func ValidNearMissType(s string) bool {
	for _, t := range NearMissTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}

// Action is one evaluated action. Immutable once written except for the
// approval fields, which are written at most once via SetActionApproval.
type Action struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	Action    string          `json:"action"`
	Target    string          `json:"target,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// Risk components at the moment of evaluation. Persisted so the score
	// stays reproducible regardless of later near-miss or compound history.
	Impact      float64 `json:"impact"`
	Breadth     float64 `json:"breadth"`
	Probability float64 `json:"probability"`
	RiskScore   float64 `json:"risk_score"`

	NeedsCheckpoint  bool   `json:"needs_checkpoint"`
	CheckpointReason string `json:"checkpoint_reason,omitempty"`
	IsCompound       bool   `json:"is_compound"`
	CompoundCount    int    `json:"compound_count"`

	// Approval tri-state: nil = undecided.
	Approved          *bool      `json:"approved,omitempty"`
	ApprovalTimestamp *time.Time `json:"approval_timestamp,omitempty"`
	ApprovalChannel   string     `json:"approval_channel,omitempty"`
	ApprovalNotes     string     `json:"approval_notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Session tracks the per-session risk budget. Created lazily on the first
// evaluate for an unseen session id; never deleted by the engine.
type Session struct {
	SessionID      string    `json:"session_id"`
	RiskBudget     float64   `json:"risk_budget"`
	CumulativeRisk float64   `json:"cumulative_risk"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// RemainingBudget is risk_budget minus cumulative_risk. Pending checkpoints
// do not count against it until approved.
func (s *Session) RemainingBudget() float64 {
	return s.RiskBudget - s.CumulativeRisk
}

// NearMiss is a post-hoc incident record. Immutable once written; matched to
// future Actions by exact action-name equality.
type NearMiss struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"session_id"`
	Action         string          `json:"action"`
	Target         string          `json:"target,omitempty"`
	Type           NearMissType    `json:"near_miss_type"`
	Description    string          `json:"description,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	OriginalRisk   *float64        `json:"original_risk,omitempty"`
	ActualSeverity float64         `json:"actual_severity"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Webhook is a registered event delivery target.
type Webhook struct {
	ID            int64      `json:"id"`
	URL           string     `json:"url"`
	Events        []string   `json:"events"`
	Secret        string     `json:"-"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	FailureCount  int        `json:"failure_count"`
}

// SubscribedTo reports whether the webhook wants the given event.
func (w *Webhook) SubscribedTo(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Stats holds the aggregate counters served by GET /stats.
type Stats struct {
	TotalActions         int64            `json:"total_actions"`
	CheckpointsTriggered int64            `json:"checkpoints_triggered"`
	CheckpointsApproved  int64            `json:"checkpoints_approved"`
	CheckpointsRejected  int64            `json:"checkpoints_rejected"`
	ApprovalRate         float64          `json:"approval_rate"`
	TotalNearMisses      int64            `json:"total_near_misses"`
	NearMissBreakdown    map[string]int64 `json:"near_miss_breakdown"`
	AverageRiskScore     float64          `json:"average_risk_score"`
}
