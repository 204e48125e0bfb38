package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/riskgate/riskgate/internal/engine"
	"github.com/riskgate/riskgate/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, map[string]any{
		"status":  "healthy",
		"version": s.version,
	})
}

// --- Evaluation ---

type evaluateRequest struct {
	SessionID string          `json:"session_id"`
	Action    string          `json:"action"`
	Target    string          `json:"target"`
	Metadata  engine.Metadata `json:"metadata"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusUnprocessableEntity, "session_id is required")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusUnprocessableEntity, "action is required")
		return
	}

	ev, err := s.engine.Evaluate(r.Context(), engine.EvaluateRequest{
		SessionID: req.SessionID,
		Action:    req.Action,
		Target:    req.Target,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.writeStoreError(w, err, "evaluation failed")
		return
	}

	if s.metrics != nil {
		s.metrics.ActionsEvaluated.Inc()
		s.metrics.RiskScores.Observe(ev.RiskScore)
		if ev.NeedsCheckpoint {
			s.metrics.CheckpointsTriggered.Inc()
		}
	}
	writeJSON(w, ev)
}

// --- Approval ---

type approveRequest struct {
	ActionID int64  `json:"action_id"`
	Approved *bool  `json:"approved"`
	Notes    string `json:"notes"`
	Channel  string `json:"channel"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.ActionID <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "action_id is required")
		return
	}
	if req.Approved == nil {
		writeError(w, http.StatusUnprocessableEntity, "approved is required")
		return
	}

	action, err := s.engine.Approve(r.Context(), req.ActionID, *req.Approved, req.Channel, req.Notes)
	if err != nil {
		s.writeStoreError(w, err, "approval failed")
		return
	}

	status := "rejected"
	if *req.Approved {
		status = "approved"
	}
	if s.metrics != nil {
		s.metrics.ApprovalsTotal.WithLabelValues(status).Inc()
	}
	writeJSON(w, map[string]any{
		"action_id": action.ID,
		"approved":  *req.Approved,
		"message":   fmt.Sprintf("Action %d %s", action.ID, status),
	})
}

// --- Near-miss ---

type nearMissRequest struct {
	SessionID      string          `json:"session_id"`
	Action         string          `json:"action"`
	NearMissType   string          `json:"near_miss_type"`
	ActualSeverity *float64        `json:"actual_severity"`
	Target         string          `json:"target"`
	Description    string          `json:"description"`
	Metadata       engine.Metadata `json:"metadata"`
	OriginalRisk   *float64        `json:"original_risk"`
}

func (s *Server) handleNearMiss(w http.ResponseWriter, r *http.Request) {
	var req nearMissRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusUnprocessableEntity, "session_id is required")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusUnprocessableEntity, "action is required")
		return
	}
	if !store.ValidNearMissType(req.NearMissType) {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("unknown near_miss_type %q", req.NearMissType))
		return
	}
	if req.ActualSeverity == nil {
		writeError(w, http.StatusUnprocessableEntity, "actual_severity is required")
		return
	}
	if *req.ActualSeverity < 0 || *req.ActualSeverity > 1 {
		writeError(w, http.StatusUnprocessableEntity, "actual_severity must be between 0 and 1")
		return
	}

	nm, err := s.engine.RecordNearMiss(r.Context(), engine.NearMissInput{
		SessionID:      req.SessionID,
		Action:         req.Action,
		Target:         req.Target,
		Type:           store.NearMissType(req.NearMissType),
		Description:    req.Description,
		Metadata:       req.Metadata,
		OriginalRisk:   req.OriginalRisk,
		ActualSeverity: *req.ActualSeverity,
	})
	if err != nil {
		s.writeStoreError(w, err, "failed to record near-miss")
		return
	}

	if s.metrics != nil {
		s.metrics.NearMissesTotal.WithLabelValues(req.NearMissType).Inc()
	}
	writeJSON(w, map[string]any{
		"message":      "Near-miss recorded successfully",
		"near_miss_id": nm.ID,
	})
}

// --- Budget & stats ---

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	status, err := s.engine.Budget(r.Context(), sessionID)
	if err != nil {
		s.writeStoreError(w, err, "failed to load budget")
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "failed to load stats")
		return
	}
	writeJSON(w, stats)
}

// --- Webhook management ---

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusUnprocessableEntity, "url is required")
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "events must not be empty")
		return
	}

	wh := &store.Webhook{
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertWebhook(r.Context(), wh); err != nil {
		s.writeStoreError(w, err, "failed to register webhook")
		return
	}

	s.logger.Info("webhook registered", "webhook_id", wh.ID, "url", wh.URL, "events", wh.Events)
	writeJSON(w, map[string]any{
		"webhook_id": wh.ID,
		"url":        wh.URL,
		"events":     wh.Events,
		"message":    "Webhook registered successfully",
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.store.ListWebhooks(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "failed to list webhooks")
		return
	}
	if hooks == nil {
		hooks = []*store.Webhook{}
	}
	writeJSON(w, map[string]any{"webhooks": hooks, "total": len(hooks)})
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "webhook id must be an integer")
		return
	}
	if err := s.store.DeleteWebhook(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "failed to delete webhook")
		return
	}
	s.logger.Info("webhook deleted", "webhook_id", id)
	writeJSON(w, map[string]any{"message": fmt.Sprintf("Webhook %d deleted", id)})
}

// --- Policy reload ---

func (s *Server) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Reload(); err != nil {
		// The previous policy stays active on failure.
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("policy reload failed: %v", err))
		return
	}
	writeJSON(w, map[string]any{"message": "Policy configuration reloaded"})
}

// --- Audit export ---

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r.URL.Query().Get("from_date"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "from_date: "+err.Error())
		return
	}
	to, err := parseDateParam(r.URL.Query().Get("to_date"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "to_date: "+err.Error())
		return
	}

	entries, err := s.engine.AuditExport(r.Context(), from, to)
	if err != nil {
		s.writeStoreError(w, err, "audit export failed")
		return
	}
	if entries == nil {
		entries = []*store.Action{}
	}
	writeJSON(w, map[string]any{
		"total_entries": len(entries),
		"entries":       entries,
		"from_date":     r.URL.Query().Get("from_date"),
		"to_date":       r.URL.Query().Get("to_date"),
	})
}

// parseDateParam accepts RFC 3339 timestamps or bare dates. Empty means
// unbounded.
func parseDateParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be ISO-8601, got %q", s)
}

// --- Helpers ---

// decodeJSON parses the request body, rejecting unknown syntax but not
// unknown fields.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	return nil
}

// writeStoreError maps storage-layer errors onto the HTTP taxonomy.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, "action already decided")
	case store.IsBusy(err):
		writeError(w, http.StatusServiceUnavailable, "storage busy, retry later")
	default:
		s.logger.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
