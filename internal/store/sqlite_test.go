package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedAction(t *testing.T, s *SQLiteStore, sessionID string, risk float64) *Action {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetOrCreateSession(ctx, sessionID, 5.0); err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	a := &Action{
		SessionID:   sessionID,
		Action:      "send_email",
		Impact:      0.3,
		Breadth:     0.3,
		Probability: 0.3,
		RiskScore:   risk,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.InsertAction(ctx, a); err != nil {
		t.Fatalf("InsertAction: %v", err)
	}
	return a
}

// Verdict and budget charge are one commit: after SetActionApproval returns,
// the session already carries the action's risk.
func TestSetActionApprovalChargesSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAction(t, s, "s1", 0.4)

	updated, err := s.SetActionApproval(ctx, a.ID, true, "rest", "", time.Now().UTC())
	if err != nil {
		t.Fatalf("SetActionApproval: %v", err)
	}
	if updated.Approved == nil || !*updated.Approved {
		t.Error("action not marked approved")
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if diff := sess.CumulativeRisk - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cumulative_risk = %v, want 0.4", sess.CumulativeRisk)
	}
}

func TestSetActionApprovalRejectionDoesNotCharge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAction(t, s, "s1", 0.4)

	if _, err := s.SetActionApproval(ctx, a.ID, false, "rest", "too risky", time.Now().UTC()); err != nil {
		t.Fatalf("SetActionApproval: %v", err)
	}
	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.CumulativeRisk != 0 {
		t.Errorf("cumulative_risk = %v after rejection, want 0", sess.CumulativeRisk)
	}
}

func TestSetActionApprovalWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAction(t, s, "s1", 0.4)

	if _, err := s.SetActionApproval(ctx, a.ID, true, "rest", "", time.Now().UTC()); err != nil {
		t.Fatalf("first verdict: %v", err)
	}
	if _, err := s.SetActionApproval(ctx, a.ID, true, "rest", "", time.Now().UTC()); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("second verdict err = %v, want ErrAlreadyDecided", err)
	}

	// The rejected retry must not double-charge the session.
	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if diff := sess.CumulativeRisk - 0.4; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cumulative_risk = %v after retry, want 0.4", sess.CumulativeRisk)
	}
}

func TestSetActionApprovalUnknownAction(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.SetActionApproval(context.Background(), 9999, true, "rest", "", time.Now().UTC()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
