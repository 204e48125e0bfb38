// Package engine implements risk evaluation: scoring, history adjustment,
// checkpoint decisions, budget accounting and near-miss learning.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/riskgate/riskgate/internal/policy"
	"github.com/riskgate/riskgate/internal/store"
)

// Emitter receives engine events for fan-out. Implementations must not
// block the caller.
type Emitter interface {
	Emit(event string, data map[string]any)
}

// noopEmitter is used when no dispatcher is wired, e.g. in CLI commands.
type noopEmitter struct{}

func (noopEmitter) Emit(string, map[string]any) {}

// Engine is the long-lived evaluation core. One Engine is shared by all
// request handlers; it owns no mutable state beyond the timestamp allocator
// and delegates persistence to the store and policy snapshots to the
// policy store.
type Engine struct {
	store    store.Store
	policies *policy.Store
	cond     *policy.ConditionEvaluator
	events   Emitter
	logger   *slog.Logger

	// created-at allocator; guarantees strictly monotonic action
	// timestamps even when the wall clock repeats under load.
	clockMu sync.Mutex
	lastTS  time.Time
	now     func() time.Time
}

// New creates an Engine. events may be nil.
func New(st store.Store, policies *policy.Store, cond *policy.ConditionEvaluator, events Emitter, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = noopEmitter{}
	}
	return &Engine{
		store:    st,
		policies: policies,
		cond:     cond,
		events:   events,
		logger:   logger.With("component", "engine"),
		now:      time.Now,
	}
}

// Policy returns the active policy snapshot.
func (e *Engine) Policy() *policy.Policy {
	return e.policies.Current()
}

// nextCreatedAt hands out strictly increasing timestamps.
func (e *Engine) nextCreatedAt() time.Time {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	ts := e.now().UTC()
	if !ts.After(e.lastTS) {
		ts = e.lastTS.Add(time.Microsecond)
	}
	e.lastTS = ts
	return ts
}

// EvaluateRequest is one action to score.
type EvaluateRequest struct {
	SessionID string   `json:"session_id"`
	Action    string   `json:"action"`
	Target    string   `json:"target,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// Evaluation is the scored outcome of a single action.
type Evaluation struct {
	ActionID         int64   `json:"action_id"`
	SessionID        string  `json:"session_id"`
	RiskScore        float64 `json:"risk_score"`
	Impact           float64 `json:"impact"`
	Breadth          float64 `json:"breadth"`
	Probability      float64 `json:"probability"`
	NeedsCheckpoint  bool    `json:"needs_checkpoint"`
	CheckpointReason string  `json:"checkpoint_reason"`
	RemainingBudget  float64 `json:"remaining_budget"`
	IsCompound       bool    `json:"is_compound"`
	CompoundCount    int     `json:"compound_count"`
}

// Evaluate scores one action against the current policy snapshot, persists
// it, and emits events. The policy captured at entry is used throughout, so
// a concurrent reload never produces a mixed view.
func (e *Engine) Evaluate(ctx context.Context, req EvaluateRequest) (*Evaluation, error) {
	pol := e.policies.Current()

	sess, err := e.store.GetOrCreateSession(ctx, req.SessionID, pol.RiskThresholds.SessionBudget)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	rule := pol.MatchRule(req.Action, req.Target, req.Metadata, e.cond)
	impact, breadth, probability := Score(rule, req.Target, req.Metadata)

	now := e.now().UTC()

	// Near-miss history raises probability.
	misses, err := e.store.ListNearMisses(ctx, req.Action)
	if err != nil {
		return nil, fmt.Errorf("failed to load near-miss history: %w", err)
	}
	multiplier := nearMissMultiplier(pol, misses, now)
	probability = clamp(probability * multiplier)
	if multiplier > 1.0 {
		e.logger.Info("near-miss boost applied", "action", req.Action, "multiplier", multiplier)
	}

	// Repeated hits on one target widen breadth.
	isCompound, compoundCount, err := e.detectCompound(ctx, pol, req.SessionID, req.Target, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check compound history: %w", err)
	}
	if isCompound {
		breadth = clamp(breadth * (1.0 + pol.CompoundDetection.SameResourceBoost*float64(compoundCount)))
		e.logger.Info("compound action detected", "session_id", req.SessionID, "target", req.Target, "count", compoundCount)
	}

	riskScore := impact * breadth * probability

	needsCheckpoint, reason := decide(pol, sess, rule, riskScore, isCompound, compoundCount)

	var metaJSON json.RawMessage
	if len(req.Metadata) > 0 {
		metaJSON, err = json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	action := &store.Action{
		SessionID:        req.SessionID,
		Action:           req.Action,
		Target:           req.Target,
		Metadata:         metaJSON,
		Impact:           impact,
		Breadth:          breadth,
		Probability:      probability,
		RiskScore:        riskScore,
		NeedsCheckpoint:  needsCheckpoint,
		CheckpointReason: reason,
		IsCompound:       isCompound,
		CompoundCount:    compoundCount,
		CreatedAt:        e.nextCreatedAt(),
	}
	if err := e.store.InsertAction(ctx, action); err != nil {
		return nil, fmt.Errorf("failed to persist action: %w", err)
	}

	e.logger.Info("action evaluated",
		"action_id", action.ID,
		"session_id", req.SessionID,
		"action", req.Action,
		"risk_score", riskScore,
		"needs_checkpoint", needsCheckpoint,
	)

	if needsCheckpoint {
		e.events.Emit("checkpoint_triggered", map[string]any{
			"action_id":  action.ID,
			"session_id": req.SessionID,
			"action":     req.Action,
			"risk_score": riskScore,
			"reason":     reason,
		})
	}
	e.events.Emit("action_evaluated", map[string]any{
		"action_id":        action.ID,
		"session_id":       req.SessionID,
		"action":           req.Action,
		"risk_score":       riskScore,
		"needs_checkpoint": needsCheckpoint,
	})

	return &Evaluation{
		ActionID:         action.ID,
		SessionID:        req.SessionID,
		RiskScore:        riskScore,
		Impact:           impact,
		Breadth:          breadth,
		Probability:      probability,
		NeedsCheckpoint:  needsCheckpoint,
		CheckpointReason: reason,
		RemainingBudget:  sess.RemainingBudget(),
		IsCompound:       isCompound,
		CompoundCount:    compoundCount,
	}, nil
}

// detectCompound counts prior actions on the same (session, target) inside
// the policy time window. Targetless actions are never compound.
func (e *Engine) detectCompound(ctx context.Context, pol *policy.Policy, sessionID, target string, now time.Time) (bool, int, error) {
	if target == "" {
		return false, 1, nil
	}
	since := now.Add(-time.Duration(pol.CompoundDetection.TimeWindowSeconds) * time.Second)
	n, err := e.store.CountRecentActions(ctx, sessionID, target, since)
	if err != nil {
		return false, 0, err
	}
	if n >= pol.CompoundDetection.MinCount-1 {
		return true, n + 1, nil
	}
	return false, 1, nil
}

// nearMissMultiplier folds decayed near-miss history into one probability
// multiplier. Empty history is the identity, never an error.
func nearMissMultiplier(pol *policy.Policy, misses []*store.NearMiss, now time.Time) float64 {
	if len(misses) == 0 {
		return 1.0
	}
	multiplier := 1.0
	halfLife := time.Duration(pol.NearMiss.HalfLifeHours * float64(time.Hour))
	for _, nm := range misses {
		if nm.ActualSeverity < pol.NearMiss.MinSeverity {
			continue
		}
		age := now.Sub(nm.CreatedAt)
		decay := math.Pow(0.5, float64(age)/float64(halfLife))
		multiplier += nm.ActualSeverity * 0.5 * decay
	}
	return math.Min(pol.NearMiss.MaxMultiplier, multiplier)
}

// decide produces the checkpoint verdict. First match wins: forced rule,
// then high score, then budget overrun.
func decide(pol *policy.Policy, sess *store.Session, rule *policy.Rule, riskScore float64, isCompound bool, compoundCount int) (bool, string) {
	needsCheckpoint := false
	reason := ""

	switch {
	case rule != nil && rule.AlwaysCheckpoint:
		needsCheckpoint = true
		reason = "Action rule: " + rule.Description
	case riskScore > pol.RiskThresholds.CheckpointTrigger:
		needsCheckpoint = true
		reason = fmt.Sprintf("High risk score: %.3f > %v", riskScore, pol.RiskThresholds.CheckpointTrigger)
	case sess.CumulativeRisk+riskScore > sess.RiskBudget:
		needsCheckpoint = true
		reason = fmt.Sprintf("Would exceed session budget: %.3f > %v", sess.CumulativeRisk+riskScore, sess.RiskBudget)
	}

	if isCompound {
		if reason == "" {
			reason = fmt.Sprintf("Compound action detected (%dx)", compoundCount)
		} else {
			reason = fmt.Sprintf("Compound action (%dx). ", compoundCount) + reason
		}
	}
	return needsCheckpoint, reason
}

// Approve records a human verdict on a checkpointed action. Only an
// approval charges the session budget; a rejection just marks the action.
// Each action accepts exactly one verdict.
func (e *Engine) Approve(ctx context.Context, actionID int64, approved bool, channel, notes string) (*store.Action, error) {
	if channel == "" {
		channel = "rest"
	}
	// The store commits the verdict and the budget charge together, so a
	// failed write leaves the action undecided and retryable.
	action, err := e.store.SetActionApproval(ctx, actionID, approved, channel, notes, e.now().UTC())
	if err != nil {
		return nil, err
	}

	status := "rejected"
	if approved {
		status = "approved"
	}
	e.logger.Info("approval recorded", "action_id", actionID, "approved", approved, "channel", channel)

	e.events.Emit("action_"+status, map[string]any{
		"action_id": actionID,
		"approved":  approved,
		"channel":   channel,
	})
	return action, nil
}

// NearMissInput is one reported incident.
type NearMissInput struct {
	SessionID      string
	Action         string
	Target         string
	Type           store.NearMissType
	Description    string
	Metadata       Metadata
	OriginalRisk   *float64
	ActualSeverity float64
}

// RecordNearMiss persists an incident report. Its effect on future scores
// is read lazily at evaluation time.
func (e *Engine) RecordNearMiss(ctx context.Context, in NearMissInput) (*store.NearMiss, error) {
	var metaJSON json.RawMessage
	if len(in.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(in.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	nm := &store.NearMiss{
		SessionID:      in.SessionID,
		Action:         in.Action,
		Target:         in.Target,
		Type:           in.Type,
		Description:    in.Description,
		Metadata:       metaJSON,
		OriginalRisk:   in.OriginalRisk,
		ActualSeverity: in.ActualSeverity,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.store.InsertNearMiss(ctx, nm); err != nil {
		return nil, fmt.Errorf("failed to persist near-miss: %w", err)
	}

	e.logger.Info("near-miss recorded",
		"near_miss_id", nm.ID,
		"action", in.Action,
		"type", string(in.Type),
		"severity", in.ActualSeverity,
	)

	e.events.Emit("near_miss_recorded", map[string]any{
		"near_miss_id": nm.ID,
		"action":       in.Action,
		"type":         string(in.Type),
		"severity":     in.ActualSeverity,
	})
	return nm, nil
}

// BudgetStatus reports a session's budget consumption.
type BudgetStatus struct {
	SessionID          string  `json:"session_id"`
	RiskBudget         float64 `json:"risk_budget"`
	CumulativeRisk     float64 `json:"cumulative_risk"`
	RemainingBudget    float64 `json:"remaining_budget"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Budget returns the budget status for a known session.
func (e *Engine) Budget(ctx context.Context, sessionID string) (*BudgetStatus, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	status := &BudgetStatus{
		SessionID:       sess.SessionID,
		RiskBudget:      sess.RiskBudget,
		CumulativeRisk:  sess.CumulativeRisk,
		RemainingBudget: sess.RemainingBudget(),
	}
	if sess.RiskBudget > 0 {
		status.UtilizationPercent = sess.CumulativeRisk / sess.RiskBudget * 100
	}
	return status, nil
}

// Stats returns gateway-wide aggregate counters.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.Stats(ctx)
}

// AuditExport returns every action created in [from, to), oldest first.
// Zero bounds are open-ended.
func (e *Engine) AuditExport(ctx context.Context, from, to time.Time) ([]*store.Action, error) {
	return e.store.ListActionsByTime(ctx, from, to)
}
